package sst

import (
	"testing"
	"time"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/util/testcond"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeFabricSSTs(t *testing.T, members []gms.NodeID) (*MemFabric, []*SST) {
	t.Helper()
	fabric := NewMemFabric()
	ssts := make([]*SST, len(members))
	for i, id := range members {
		s, err := New(Params{
			Logger:          zaptest.NewLogger(t),
			Members:         members,
			MyID:            id,
			NumSubgroups:    2,
			NumReceivedSize: 4,
			Replicator:      fabric,
		})
		require.NoError(t, err)
		ssts[i] = s
	}
	t.Cleanup(func() {
		for _, s := range ssts {
			s.Detach()
		}
	})
	return fabric, ssts
}

func TestPushReplicatesSelectedRanges(t *testing.T) {
	require := require.New(t)
	members := []gms.NodeID{1, 2, 3}
	_, ssts := makeFabricSSTs(t, members)

	ssts[0].SetNumChanges(3)
	ssts[0].SetChange(0, 9)
	ssts[0].SetJoinerIP(0, 0x0100007f)
	require.NoError(ssts[0].Push(Range(FieldChanges), Range(FieldJoinerIPs), Range(FieldNumChanges)))

	for _, s := range ssts[1:] {
		require.Equal(int32(3), s.NumChanges(0))
		require.Equal(gms.NodeID(9), s.Change(0, 0))
		require.Equal(uint32(0x0100007f), s.JoinerIP(0, 0))
	}

	// An unpushed field stays at its zero value remotely.
	ssts[0].SetWedged(true)
	require.True(ssts[0].Wedged(0))
	require.False(ssts[1].Wedged(0))
}

func TestFrozenRowDropsUpdates(t *testing.T) {
	require := require.New(t)
	members := []gms.NodeID{1, 2}
	_, ssts := makeFabricSSTs(t, members)

	ssts[0].SetNumChanges(1)
	require.NoError(ssts[0].Push(Range(FieldNumChanges)))
	require.Equal(int32(1), ssts[1].NumChanges(0))

	ssts[1].Freeze(0)
	ssts[0].SetNumChanges(2)
	require.NoError(ssts[0].Push(Range(FieldNumChanges)))
	// Row 0 at node 2 must not advance after the freeze.
	require.Equal(int32(1), ssts[1].NumChanges(0))
	require.True(ssts[1].IsFrozen(0))
}

func TestFrozenPeerExcludedFromTargets(t *testing.T) {
	require := require.New(t)
	members := []gms.NodeID{1, 2, 3}
	_, ssts := makeFabricSSTs(t, members)

	ssts[0].Freeze(2)
	ssts[0].SetNumAcked(5)
	require.NoError(ssts[0].Push(Range(FieldNumAcked)))
	require.Equal(int32(5), ssts[1].NumAcked(0))
	require.Equal(int32(0), ssts[2].NumAcked(0))
}

func TestInitLocalChangeProposals(t *testing.T) {
	require := require.New(t)
	members := []gms.NodeID{1, 2}
	_, ssts := makeFabricSSTs(t, members)

	// Leader (rank 0) has an in-flight proposal the joiner must adopt.
	ssts[0].SetNumChanges(2)
	ssts[0].SetNumAcked(2)
	ssts[0].SetNumCommitted(1)
	ssts[0].SetChange(0, 7)
	require.NoError(ssts[0].Push())

	ssts[1].InitLocalChangeProposals(0)
	require.Equal(int32(2), ssts[1].NumChanges(1))
	require.Equal(int32(2), ssts[1].NumAcked(1))
	require.Equal(int32(1), ssts[1].NumCommitted(1))
	require.Equal(gms.NodeID(7), ssts[1].Change(1, 0))
}

func TestInitLocalRowFromPrevious(t *testing.T) {
	require := require.New(t)
	fabric := NewMemFabric()
	logger := zaptest.NewLogger(t)
	members := []gms.NodeID{1, 2, 3}

	prev, err := New(Params{
		Logger: logger, Members: members, MyID: 1,
		NumSubgroups: 1, NumReceivedSize: 1, Replicator: fabric,
	})
	require.NoError(err)
	// Three changes proposed and acked, two committed+installed.
	prev.SetNumChanges(3)
	prev.SetNumAcked(3)
	prev.SetNumCommitted(2)
	prev.SetChange(0, 10)
	prev.SetChange(1, 11)
	prev.SetChange(2, 12)

	next, err := New(Params{
		Logger: logger, Members: members, MyID: 1, Epoch: 1,
		NumSubgroups: 1, NumReceivedSize: 1, Replicator: fabric,
	})
	require.NoError(err)
	next.InitLocalRowFromPrevious(prev, 2)

	require.Equal(int32(1), next.NumChanges(0))
	require.Equal(int32(1), next.NumAcked(0))
	require.Equal(int32(0), next.NumCommitted(0))
	require.Equal(int32(0), next.NumInstalled(0))
	// The surviving change shifts to the front of the ring.
	require.Equal(gms.NodeID(12), next.Change(0, 0))

	prev.Detach()
	next.Detach()
}

func TestPredicateFiresOnRemoteUpdate(t *testing.T) {
	require := require.New(t)
	members := []gms.NodeID{1, 2}
	_, ssts := makeFabricSSTs(t, members)

	fired := make(chan struct{})
	ssts[1].Predicates().Register(
		func(s *SST) bool { return s.NumChanges(0) > 0 },
		func(s *SST) { close(fired) },
		OneTime,
	)
	ssts[1].Predicates().Start()

	ssts[0].SetNumChanges(1)
	require.NoError(ssts[0].Push(Range(FieldNumChanges)))

	require.NoError(testcond.WaitForCondition(func() bool {
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, time.Millisecond, time.Second))
}
