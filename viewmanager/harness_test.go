package viewmanager

import (
	"fmt"
	"net"
	"testing"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/multicast"
	"go.tesserae.dev/trellis/registry"
	"go.tesserae.dev/trellis/spec/gms"
	spectransport "go.tesserae.dev/trellis/spec/transport"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/transport"
	"go.tesserae.dev/trellis/view"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	condInterval = 2 * time.Millisecond
	condTimeout  = 10 * time.Second
)

// reservePort grabs a free TCP port on loopback. Every member of a test
// group binds the same port on a distinct 127.0.0.0/8 address, since the
// joiner address column only carries a packed IPv4.
func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func loopbackIP(octet int) string {
	return fmt.Sprintf("127.0.0.%d", octet)
}

type testNode struct {
	m       *Manager
	store   *registry.Store
	fatalCh chan string
}

// testConfig builds a node config bound to 127.0.0.<octet>:<port>,
// sharing the fabric with its peers.
func testConfig(t *testing.T, id gms.NodeID, octet, port int, fabric *sst.MemFabric) (Config, *registry.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	store, err := registry.NewStore(logger, t.TempDir())
	require.NoError(t, err)

	addr := loopbackIP(octet)
	listener, err := transport.Listen(net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	require.NoError(t, err)

	// Dial from the member's own address so peers see it as the source IP.
	dialer := &net.Dialer{Timeout: 2 * time.Second, LocalAddr: &net.TCPAddr{IP: net.ParseIP(addr)}}
	dial := func(target string) (spectransport.Conn, error) {
		nc, err := dialer.Dial("tcp", target)
		if err != nil {
			return nil, err
		}
		return transport.NewConn(nc), nil
	}

	return Config{
		Logger:           logger.With(zap.Uint32("node", uint32(id))),
		ID:               id,
		Addr:             addr,
		GroupPort:        port,
		Listener:         listener,
		Dialer:           dial,
		Replicator:       fabric,
		MulticastFactory: multicast.NewNoop,
		Allocator:        layout.Single("state", gms.ModeOrdered, 1),
		Store:            store,
		Params:           GroupParams{WindowSize: 16, MaxPayloadSize: 1 << 16},
		RestartTimeout:   500 * time.Millisecond,
	}, store
}

func hookFatal(m *Manager) chan string {
	ch := make(chan string, 4)
	m.fatal = func(msg string, fields ...zap.Field) {
		select {
		case ch <- msg:
		default:
		}
	}
	return ch
}

// startLeader boots and starts a group leader.
func startLeader(t *testing.T, id gms.NodeID, octet, port int, fabric *sst.MemFabric) *testNode {
	t.Helper()
	cfg, store := testConfig(t, id, octet, port, fabric)
	m, err := NewLeader(cfg)
	require.NoError(t, err)
	n := &testNode{m: m, store: store, fatalCh: hookFatal(m)}
	require.NoError(t, m.FinishSetup())
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	return n
}

// startFollower boots a joiner through the given contact address.
func startFollower(t *testing.T, id gms.NodeID, octet, port int, fabric *sst.MemFabric, contact string) *testNode {
	t.Helper()
	cfg, store := testConfig(t, id, octet, port, fabric)
	m, err := NewFollower(cfg, contact)
	require.NoError(t, err)
	n := &testNode{m: m, store: store, fatalCh: hookFatal(m)}
	require.NoError(t, m.FinishSetup())
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	return n
}

func (n *testNode) vid() gms.ViewID {
	var vid gms.ViewID
	n.m.GetCurrentView(func(v *view.View) { vid = v.VID })
	return vid
}

func (n *testNode) members() []gms.NodeID {
	return n.m.GetMembers()
}
