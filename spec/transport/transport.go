package transport

import (
	"errors"
	"time"

	"go.tesserae.dev/trellis/spec/gms"
)

var ErrAcceptTimeout = errors.New("transport: accept timed out")

// Conn is a reliable point-to-point byte stream with blocking reads and
// writes. All integers on the wire are little-endian; variable-size
// payloads are prefixed with their 64-bit length.
type Conn interface {
	ReadUint8() (uint8, error)
	WriteUint8(uint8) error
	ReadUint32() (uint32, error)
	WriteUint32(uint32) error
	ReadUint64() (uint64, error)
	WriteUint64(uint64) error
	ReadInt64() (int64, error)
	WriteInt64(int64) error

	// ReadSized and WriteSized move a length-prefixed byte payload.
	ReadSized() ([]byte, error)
	WriteSized([]byte) error

	// Exchange writes our node ID and reads the peer's. Used as a
	// heartbeat: a failed exchange means the peer has crashed.
	Exchange(mine gms.NodeID) (gms.NodeID, error)

	ReadJoinResponse() (gms.JoinResponse, error)
	WriteJoinResponse(gms.JoinResponse) error

	RemoteIP() string
	Close() error
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept() (Conn, error)
	// TryAccept waits at most timeout; ErrAcceptTimeout on expiry.
	TryAccept(timeout time.Duration) (Conn, error)
	Addr() string
	Close() error
}

// Dialer opens a Conn to a "host:port" address.
type Dialer func(addr string) (Conn, error)
