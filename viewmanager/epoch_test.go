package viewmanager

import (
	"testing"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/multicast"
	"go.tesserae.dev/trellis/registry"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/mocks"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/transport"
	"go.tesserae.dev/trellis/view"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// unitManager builds a manager without booting any protocol, for
// driving triggers by hand.
func unitManager(t *testing.T, id gms.NodeID, fabric *sst.MemFabric) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	store, err := registry.NewStore(logger, t.TempDir())
	require.NoError(t, err)
	listener, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
		store.Close()
	})

	m, err := newManager(Config{
		Logger:           logger.With(zap.Uint32("node", uint32(id))),
		ID:               id,
		Addr:             "127.0.0.1",
		GroupPort:        28968,
		Listener:         listener,
		Dialer:           transport.Dialer(time.Second),
		Replicator:       fabric,
		MulticastFactory: multicast.NewNoop,
		Allocator:        layout.Single("state", gms.ModeOrdered, 1),
		Store:            store,
	})
	require.NoError(t, err)
	m.fatal = func(msg string, fields ...zap.Field) {
		t.Errorf("unexpected fatal: %s", msg)
	}
	return m
}

// raggedHarness is one node of a fabricated three-member shard at vid 5.
type raggedHarness struct {
	m     *Manager
	v     *view.View
	table *sst.SST
	mc    *mocks.MulticastGroup
}

func makeRaggedHarness(t *testing.T) []*raggedHarness {
	t.Helper()
	fabric := sst.NewMemFabric()
	members := []gms.NodeID{1, 2, 3}
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

	out := make([]*raggedHarness, len(members))
	for i, id := range members {
		m := unitManager(t, id, fabric)
		v := view.New(5, members, ips, nil, nil, nil, int32(i), 0)
		v.SubgroupShardViews = [][]view.SubView{{{
			Members:  members,
			IsSender: []bool{true, true, true},
			Mode:     gms.ModeOrdered,
			MyRank:   int32(i),
		}}}
		v.MySubgroups[0] = 0

		table, err := sst.New(sst.Params{
			Logger:          zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
			Members:         members,
			MyID:            id,
			Epoch:           5,
			NumSubgroups:    1,
			NumReceivedSize: 3,
			Replicator:      fabric,
		})
		require.NoError(t, err)
		t.Cleanup(table.Detach)

		mc := &mocks.MulticastGroup{}
		v.SST = table
		v.Multicast = mc
		out[i] = &raggedHarness{m: m, v: v, table: table, mc: mc}
	}
	return out
}

func (h *raggedHarness) setNumReceived(counts []int32) {
	for i, c := range counts {
		h.table.SetNumReceived(i, c)
	}
	h.table.Push(sst.Range(sst.FieldNumReceived))
}

func TestRaggedEdgeAgreement(t *testing.T) {
	require := require.New(t)
	nodes := makeRaggedHarness(t)

	// E5: leader has received [7,5,6]; followers [6,5,6] and [7,4,6].
	nodes[0].setNumReceived([]int32{7, 5, 6})
	nodes[1].setNumReceived([]int32{6, 5, 6})
	nodes[2].setNumReceived([]int32{7, 4, 6})

	want := []int32{6, 4, 6}
	for _, h := range nodes {
		h.mc.On("DeliverMessagesUpto", want, gms.SubgroupID(0), int32(3)).Return(nil)
	}

	sv := &nodes[0].v.SubgroupShardViews[0][0]
	nodes[0].m.leaderRaggedEdgeCleanup(nodes[0].table, nodes[0].v, 0, 0, sv)

	// The leader's decision and ready bit replicate to the followers.
	for _, h := range nodes[1:] {
		require.True(h.table.GlobalMinReady(0, 0))
	}
	for _, h := range nodes[1:] {
		fsv := &h.v.SubgroupShardViews[0][0]
		h.m.followerRaggedEdgeCleanup(h.table, h.v, 0, 0, 0, fsv)
	}

	// Agreement: every member holds the same global_min and delivered
	// against it.
	for _, h := range nodes {
		for n := 0; n < 3; n++ {
			require.Equal(want[n], h.table.GlobalMin(h.v.MyRank, n))
		}
		h.mc.AssertCalled(t, "DeliverMessagesUpto", want, gms.SubgroupID(0), int32(3))
	}

	// The trim hit every node's disk before delivery: {vid 5, leader 1,
	// [6,4,6]}.
	for _, h := range nodes {
		rt, err := h.m.cfg.Store.LoadRaggedTrim(0)
		require.NoError(err)
		require.NotNil(rt)
		require.Equal(gms.ViewID(5), rt.VID)
		require.Equal(gms.NodeID(1), rt.LeaderID)
		require.Equal(want, rt.MaxReceivedBySender)
	}
}

func TestRaggedEdgeLeaderAdoptsPublishedDecision(t *testing.T) {
	require := require.New(t)
	nodes := makeRaggedHarness(t)

	// Member 2 already published a decision (a previous leader died
	// mid-cleanup); the new leader must adopt it rather than recompute.
	decided := []int32{3, 3, 3}
	for i, c := range decided {
		nodes[1].table.SetGlobalMin(i, c)
	}
	nodes[1].table.SetGlobalMinReady(0, true)
	require.NoError(nodes[1].table.Push(
		sst.Range(sst.FieldGlobalMin),
		sst.Range(sst.FieldGlobalMinReady),
	))

	nodes[0].setNumReceived([]int32{9, 9, 9})
	nodes[0].mc.On("DeliverMessagesUpto", decided, gms.SubgroupID(0), int32(3)).Return(nil)

	sv := &nodes[0].v.SubgroupShardViews[0][0]
	nodes[0].m.leaderRaggedEdgeCleanup(nodes[0].table, nodes[0].v, 0, 0, sv)

	for n := 0; n < 3; n++ {
		require.Equal(decided[n], nodes[0].table.GlobalMin(0, n))
	}
	nodes[0].mc.AssertCalled(t, "DeliverMessagesUpto", decided, gms.SubgroupID(0), int32(3))
}

func TestRaggedEdgeSkipsFailedMembers(t *testing.T) {
	require := require.New(t)
	nodes := makeRaggedHarness(t)

	// Member 3 failed with a short receive count; its row must not drag
	// the decision down.
	nodes[0].v.Failed[2] = true
	nodes[0].v.NumFailed++
	nodes[0].setNumReceived([]int32{7, 5, 6})
	nodes[1].setNumReceived([]int32{6, 5, 6})
	nodes[2].setNumReceived([]int32{0, 0, 0})

	want := []int32{6, 5, 6}
	nodes[0].mc.On("DeliverMessagesUpto", want, gms.SubgroupID(0), int32(3)).Return(nil)

	sv := &nodes[0].v.SubgroupShardViews[0][0]
	nodes[0].m.leaderRaggedEdgeCleanup(nodes[0].table, nodes[0].v, 0, 0, sv)

	for n := 0; n < 3; n++ {
		require.Equal(want[n], nodes[0].table.GlobalMin(0, n))
	}
}
