package sst

import (
	"testing"
	"time"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/util/testcond"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

func singleSST(t *testing.T) *SST {
	t.Helper()
	s, err := New(Params{
		Logger:          zaptest.NewLogger(t),
		Members:         []gms.NodeID{1},
		MyID:            1,
		NumSubgroups:    1,
		NumReceivedSize: 1,
		Replicator:      NewMemFabric(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Detach)
	return s
}

func TestOneTimePredicateFiresOnce(t *testing.T) {
	require := require.New(t)
	s := singleSST(t)

	count := atomic.NewInt32(0)
	s.Predicates().Register(
		func(*SST) bool { return true },
		func(*SST) { count.Inc() },
		OneTime,
	)
	s.Predicates().Start()

	require.NoError(testcond.WaitForCondition(func() bool {
		return count.Load() == 1
	}, time.Millisecond, time.Second))
	time.Sleep(20 * evalInterval)
	require.Equal(int32(1), count.Load())
}

func TestRecurrentPredicatePersistsUntilRemoved(t *testing.T) {
	require := require.New(t)
	s := singleSST(t)

	count := atomic.NewInt32(0)
	h := s.Predicates().Register(
		func(*SST) bool { return true },
		func(*SST) { count.Inc() },
		Recurrent,
	)
	s.Predicates().Start()

	require.NoError(testcond.WaitForCondition(func() bool {
		return count.Load() >= 3
	}, time.Millisecond, time.Second))

	s.Predicates().Remove(h)
	settled := count.Load()
	time.Sleep(20 * evalInterval)
	// At most one in-flight firing can land after Remove returns.
	require.LessOrEqual(count.Load(), settled+1)
}

func TestTriggerMayRegisterContinuation(t *testing.T) {
	require := require.New(t)
	s := singleSST(t)

	second := atomic.NewBool(false)
	s.Predicates().Register(
		func(*SST) bool { return true },
		func(*SST) {
			s.Predicates().Register(
				func(*SST) bool { return true },
				func(*SST) { second.Store(true) },
				OneTime,
			)
		},
		OneTime,
	)
	s.Predicates().Start()

	require.NoError(testcond.WaitForCondition(second.Load, time.Millisecond, time.Second))
}

func TestTriggerMayRemovePeerPredicate(t *testing.T) {
	require := require.New(t)
	s := singleSST(t)

	var other Handle
	fired := atomic.NewBool(false)
	otherFired := atomic.NewBool(false)
	other = s.Predicates().Register(
		func(*SST) bool { return fired.Load() },
		func(*SST) { otherFired.Store(true) },
		Recurrent,
	)
	s.Predicates().Register(
		func(*SST) bool { return true },
		func(*SST) {
			s.Predicates().Remove(other)
			fired.Store(true)
		},
		OneTime,
	)
	s.Predicates().Start()

	require.NoError(testcond.WaitForCondition(fired.Load, time.Millisecond, time.Second))
	time.Sleep(20 * evalInterval)
	require.False(otherFired.Load())
}

func TestStopBeforeStart(t *testing.T) {
	s := singleSST(t)
	// Detach (and therefore Stop) on a never-started engine must not hang.
	s.Predicates().Stop()
}

func TestInvalidHandleIgnored(t *testing.T) {
	s := singleSST(t)
	require.False(t, Handle{}.Valid())
	s.Predicates().Remove(Handle{})
}
