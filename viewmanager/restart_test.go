package viewmanager

import (
	"fmt"
	"net"
	"testing"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/registry"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/transport"
	"go.tesserae.dev/trellis/view"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// persistedFiveMemberView fabricates the durable state of a node that
// was part of {1..5} at vid 9, with one all-member ordered subgroup.
func persistedFiveMemberView(t *testing.T, store *registry.Store, myID gms.NodeID) *view.View {
	t.Helper()
	members := []gms.NodeID{1, 2, 3, 4, 5}
	ips := make([]string, len(members))
	for i := range ips {
		ips[i] = loopbackIP(i + 1)
	}
	v := view.New(9, members, ips, nil, nil, nil, v9RankOf(myID), 0)
	_, _, err := layout.MakeSubgroupMaps(layout.Single("state", gms.ModeOrdered, 1), nil, v)
	require.NoError(t, err)
	require.NoError(t, store.SaveView(v))
	require.NoError(t, store.SaveRaggedTrim(&view.RaggedTrim{
		SubgroupID:          0,
		VID:                 9,
		LeaderID:            1,
		MaxReceivedBySender: []int32{4, 4, 4, 4, 4},
	}))
	return v
}

func v9RankOf(id gms.NodeID) int32 {
	return int32(id - 1)
}

// scriptedRejoin speaks the joiner's half of the total-restart protocol
// and reports the recovery view it received.
func scriptedRejoin(t *testing.T, addr string, id gms.NodeID, persisted *view.View, trims []*view.RaggedTrim) <-chan *view.View {
	t.Helper()
	out := make(chan *view.View, 1)
	go func() {
		conn, err := transport.Dial(addr, 2*time.Second)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		if err := conn.WriteUint32(uint32(id)); err != nil {
			t.Error(err)
			return
		}
		resp, err := conn.ReadJoinResponse()
		if err != nil {
			t.Error(err)
			return
		}
		if resp.Code != gms.JoinTotalRestart {
			t.Errorf("expected TOTAL_RESTART, got %s", resp.Code)
			return
		}
		if err := conn.WriteSized(persisted.Marshal()); err != nil {
			t.Error(err)
			return
		}
		if err := conn.WriteUint64(uint64(len(trims))); err != nil {
			t.Error(err)
			return
		}
		for _, rt := range trims {
			if err := conn.WriteSized(rt.Marshal()); err != nil {
				t.Error(err)
				return
			}
		}
		if _, err := conn.Exchange(id); err != nil {
			t.Error(err)
			return
		}

		viewBytes, err := conn.ReadSized()
		if err != nil {
			t.Error(err)
			return
		}
		received, err := view.Unmarshal(viewBytes)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := conn.ReadSized(); err != nil { // params
			t.Error(err)
			return
		}
		count, err := conn.ReadUint64()
		if err != nil {
			t.Error(err)
			return
		}
		for i := uint64(0); i < count; i++ {
			if _, err := conn.ReadSized(); err != nil {
				t.Error(err)
				return
			}
		}
		if _, err := conn.ReadSized(); err != nil { // shard leaders
			t.Error(err)
			return
		}
		out <- received
	}()
	return out
}

func TestTotalRestartQuorum(t *testing.T) {
	require := require.New(t)
	fabric := sst.NewMemFabric()
	port := reservePort(t)

	cfg, store := testConfig(t, 1, 1, port, fabric)
	persistedFiveMemberView(t, store, 1)

	// Seed an object log with entries past the trim bound; the restart
	// must truncate them before the first post-restart send.
	obj, err := store.Object(0)
	require.NoError(err)
	trim := &view.RaggedTrim{SubgroupID: 0, VID: 9, LeaderID: 1, MaxReceivedBySender: []int32{4, 4, 4, 4, 4}}
	for seq := int32(0); seq <= trim.MaxVersion().Seq()+5; seq++ {
		require.NoError(obj.Append(gms.CombineVersion(9, seq), []byte{byte(seq)}))
	}

	// Rejoiners 2 and 3 bring the leader to a strict majority (3 of 5).
	rejoinStore2, err := registry.NewStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(err)
	defer rejoinStore2.Close()
	rejoinStore3, err := registry.NewStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(err)
	defer rejoinStore3.Close()
	persisted2 := persistedFiveMemberView(t, rejoinStore2, 2)
	persisted3 := persistedFiveMemberView(t, rejoinStore3, 3)

	leaderAddr := cfg.Listener.Addr()
	type result struct {
		m   *Manager
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := NewLeader(cfg)
		done <- result{m, err}
	}()

	got2 := scriptedRejoin(t, leaderAddr, 2, persisted2, []*view.RaggedTrim{trim})
	got3 := scriptedRejoin(t, leaderAddr, 3, persisted3, []*view.RaggedTrim{trim})

	var m *Manager
	select {
	case r := <-done:
		require.NoError(r.err)
		m = r.m
	case <-time.After(30 * time.Second):
		t.Fatal("restart leader did not complete")
	}
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	hookFatal(m)
	require.NoError(m.FinishSetup())
	require.NoError(m.Start())

	// E6: members [1,2,3], nobody failed, vid advanced past the last
	// known view.
	m.GetCurrentView(func(v *view.View) {
		require.Equal(gms.ViewID(10), v.VID)
		require.Equal([]gms.NodeID{1, 2, 3}, v.Members)
		require.Equal([]bool{false, false, false}, v.Failed)
		require.Equal([]gms.NodeID{4, 5}, v.Departed)
	})

	for _, ch := range []<-chan *view.View{got2, got3} {
		select {
		case rv := <-ch:
			require.Equal(gms.ViewID(10), rv.VID)
			require.Equal([]gms.NodeID{1, 2, 3}, rv.Members)
		case <-time.After(10 * time.Second):
			t.Fatal("rejoiner did not receive the recovery view")
		}
	}

	// Ragged-trim-driven truncation was applied.
	tail, ok, err := obj.TailVersion()
	require.NoError(err)
	require.True(ok)
	require.LessOrEqual(tail, trim.MaxVersion())
}

func TestRestartLeaderAdoptsNewerView(t *testing.T) {
	require := require.New(t)
	fabric := sst.NewMemFabric()
	port := reservePort(t)

	cfg, store := testConfig(t, 1, 1, port, fabric)
	// Leader remembers vid 9...
	persistedFiveMemberView(t, store, 1)

	// ...but the rejoiner crashed later, holding vid 11 with members
	// {1,2,3}: quorum over that view needs only one more node.
	newer := view.New(11, []gms.NodeID{1, 2, 3},
		[]string{loopbackIP(1), loopbackIP(2), loopbackIP(3)}, nil, nil, nil, 1, 0)
	_, _, err := layout.MakeSubgroupMaps(layout.Single("state", gms.ModeOrdered, 1), nil, newer)
	require.NoError(err)
	newerTrim := &view.RaggedTrim{SubgroupID: 0, VID: 11, LeaderID: 1, MaxReceivedBySender: []int32{2, 2, 2}}

	leaderAddr := cfg.Listener.Addr()
	done := make(chan error, 1)
	var m *Manager
	go func() {
		var err error
		m, err = NewLeader(cfg)
		done <- err
	}()

	got := scriptedRejoin(t, leaderAddr, 2, newer, []*view.RaggedTrim{newerTrim})

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(30 * time.Second):
		t.Fatal("restart leader did not complete")
	}
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	hookFatal(m)
	require.NoError(m.FinishSetup())
	require.NoError(m.Start())

	// The leader adopted vid 11 and recovered on top of it: node 3 did
	// not return and is departed in vid 12.
	m.GetCurrentView(func(v *view.View) {
		require.Equal(gms.ViewID(12), v.VID)
		require.Equal([]gms.NodeID{1, 2}, v.Members)
		require.Equal([]gms.NodeID{3}, v.Departed)
	})

	select {
	case rv := <-got:
		require.Equal(gms.ViewID(12), rv.VID)
	case <-time.After(10 * time.Second):
		t.Fatal("rejoiner did not receive the recovery view")
	}
}

func TestRedirectLoopCapped(t *testing.T) {
	require := require.New(t)
	fabric := sst.NewMemFabric()

	// A contact that always redirects back to itself.
	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr())
	require.NoError(err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := conn.ReadUint32(); err != nil {
					return
				}
				conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinLeaderRedirect, LeaderID: 99})
				conn.WriteSized([]byte("127.0.0.1"))
			}()
		}
	}()

	cfg, store := testConfig(t, 7, 1, reservePort(t), fabric)
	defer store.Close()
	defer cfg.Listener.Close()
	cfg.GroupPort = port
	cfg.RedirectLimit = 3

	_, err = NewFollower(cfg, ln.Addr())
	require.ErrorIs(err, gms.ErrRedirectLoop)
}
