package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/transport"
)

// maxSizedPayload bounds length-prefixed reads so a corrupt peer cannot
// make us allocate arbitrarily.
const maxSizedPayload = 64 << 20

// Conn implements spec/transport.Conn over a TCP stream. All operations
// block; there is no internal buffering beyond the kernel's.
type Conn struct {
	nc net.Conn
}

var _ transport.Conn = (*Conn)(nil)

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Dial opens a Conn to addr with the given timeout.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// Dialer adapts Dial to the spec/transport.Dialer shape.
func Dialer(timeout time.Duration) transport.Dialer {
	return func(addr string) (transport.Conn, error) {
		return Dial(addr, timeout)
	}
}

func (c *Conn) read(b []byte) error {
	_, err := io.ReadFull(c.nc, b)
	return err
}

func (c *Conn) write(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *Conn) ReadUint8() (uint8, error) {
	var b [1]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Conn) WriteUint8(v uint8) error {
	return c.write([]byte{v})
}

func (c *Conn) ReadUint32() (uint32, error) {
	var b [4]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *Conn) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.write(b[:])
}

func (c *Conn) ReadUint64() (uint64, error) {
	var b [8]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *Conn) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return c.write(b[:])
}

func (c *Conn) ReadInt64() (int64, error) {
	v, err := c.ReadUint64()
	return int64(v), err
}

func (c *Conn) WriteInt64(v int64) error {
	return c.WriteUint64(uint64(v))
}

func (c *Conn) ReadSized() ([]byte, error) {
	size, err := c.ReadUint64()
	if err != nil {
		return nil, err
	}
	if size > maxSizedPayload {
		return nil, fmt.Errorf("transport: refusing %d byte payload", size)
	}
	buf := make([]byte, size)
	if err := c.read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Conn) WriteSized(b []byte) error {
	if err := c.WriteUint64(uint64(len(b))); err != nil {
		return err
	}
	return c.write(b)
}

func (c *Conn) Exchange(mine gms.NodeID) (gms.NodeID, error) {
	if err := c.WriteUint32(uint32(mine)); err != nil {
		return 0, err
	}
	theirs, err := c.ReadUint32()
	if err != nil {
		return 0, err
	}
	return gms.NodeID(theirs), nil
}

func (c *Conn) ReadJoinResponse() (gms.JoinResponse, error) {
	code, err := c.ReadUint8()
	if err != nil {
		return gms.JoinResponse{}, err
	}
	leader, err := c.ReadUint32()
	if err != nil {
		return gms.JoinResponse{}, err
	}
	return gms.JoinResponse{Code: gms.JoinResponseCode(code), LeaderID: gms.NodeID(leader)}, nil
}

func (c *Conn) WriteJoinResponse(r gms.JoinResponse) error {
	if err := c.WriteUint8(uint8(r.Code)); err != nil {
		return err
	}
	return c.WriteUint32(uint32(r.LeaderID))
}

func (c *Conn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Listener implements spec/transport.Listener over a TCP listener.
type Listener struct {
	ln *net.TCPListener
}

var _ transport.Listener = (*Listener)(nil)

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln.(*net.TCPListener)}, nil
}

func (l *Listener) Accept() (transport.Conn, error) {
	// Clear any deadline a previous TryAccept left behind.
	if err := l.ln.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

func (l *Listener) TryAccept(timeout time.Duration) (transport.Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	nc, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, transport.ErrAcceptTimeout
		}
		return nil, err
	}
	return NewConn(nc), nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
