package registry

import (
	"testing"
	"time"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/transport"
	"go.tesserae.dev/trellis/view"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openLog(t *testing.T) *ObjectLog {
	t.Helper()
	l, err := OpenObjectLog(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndTail(t *testing.T) {
	require := require.New(t)
	l := openLog(t)

	_, ok, err := l.TailVersion()
	require.NoError(err)
	require.False(ok)

	require.NoError(l.Append(gms.CombineVersion(1, 0), []byte("a")))
	require.NoError(l.Append(gms.CombineVersion(1, 1), []byte("b")))
	require.NoError(l.Append(gms.CombineVersion(2, 0), []byte("c")))

	tail, ok, err := l.TailVersion()
	require.NoError(err)
	require.True(ok)
	require.Equal(gms.CombineVersion(2, 0), tail)

	// Versions must advance.
	require.Error(l.Append(gms.CombineVersion(1, 5), []byte("stale")))
}

func TestTruncateDropsNewerEntries(t *testing.T) {
	require := require.New(t)
	l := openLog(t)

	for seq := int32(0); seq < 5; seq++ {
		require.NoError(l.Append(gms.CombineVersion(3, seq), []byte{byte(seq)}))
	}
	require.NoError(l.Truncate(gms.CombineVersion(3, 2)))

	tail, ok, err := l.TailVersion()
	require.NoError(err)
	require.True(ok)
	require.Equal(gms.CombineVersion(3, 2), tail)

	// Idempotent when nothing is newer.
	require.NoError(l.Truncate(gms.CombineVersion(3, 2)))
	tail, _, err = l.TailVersion()
	require.NoError(err)
	require.Equal(gms.CombineVersion(3, 2), tail)
}

func TestTruncateBelowOldestClears(t *testing.T) {
	require := require.New(t)
	l := openLog(t)

	require.NoError(l.Append(gms.CombineVersion(4, 1), []byte("x")))
	require.NoError(l.Truncate(gms.CombineVersion(2, 0)))

	_, ok, err := l.TailVersion()
	require.NoError(err)
	require.False(ok)

	// The cleared log accepts fresh appends.
	require.NoError(l.Append(gms.CombineVersion(5, 0), []byte("y")))
}

func TestSendReceiveObject(t *testing.T) {
	require := require.New(t)
	leader := openLog(t)
	joiner := openLog(t)

	for seq := int32(0); seq < 4; seq++ {
		require.NoError(leader.Append(gms.CombineVersion(1, seq), []byte{byte(seq)}))
	}
	// Joiner already holds the first two entries.
	for seq := int32(0); seq < 2; seq++ {
		require.NoError(joiner.Append(gms.CombineVersion(1, seq), []byte{byte(seq)}))
	}

	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- leader.SendObject(conn)
	}()

	conn, err := transport.Dial(ln.Addr(), time.Second)
	require.NoError(err)
	defer conn.Close()
	require.NoError(joiner.ReceiveObject(conn))
	require.NoError(<-done)

	tail, ok, err := joiner.TailVersion()
	require.NoError(err)
	require.True(ok)
	require.Equal(gms.CombineVersion(1, 3), tail)
}

func TestStoreViewSlot(t *testing.T) {
	require := require.New(t)
	st, err := NewStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(err)
	defer st.Close()

	got, err := st.LoadView()
	require.NoError(err)
	require.Nil(got)

	v := view.New(3, []gms.NodeID{1, 2}, []string{"10.0.0.1", "10.0.0.2"}, nil, nil, nil, 0, 0)
	require.NoError(st.SaveView(v))

	got, err = st.LoadView()
	require.NoError(err)
	require.Equal(v.VID, got.VID)
	require.Equal(v.Members, got.Members)

	// The slot holds exactly one view.
	v2 := view.New(4, []gms.NodeID{1}, []string{"10.0.0.1"}, nil, nil, nil, 0, 0)
	require.NoError(st.SaveView(v2))
	got, err = st.LoadView()
	require.NoError(err)
	require.Equal(gms.ViewID(4), got.VID)
}

func TestStoreRaggedTrimSlots(t *testing.T) {
	require := require.New(t)
	st, err := NewStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(err)
	defer st.Close()

	got, err := st.LoadRaggedTrim(0)
	require.NoError(err)
	require.Nil(got)

	rt := &view.RaggedTrim{SubgroupID: 0, VID: 5, LeaderID: 1, MaxReceivedBySender: []int32{6, 4, 6}}
	require.NoError(st.SaveRaggedTrim(rt))

	got, err = st.LoadRaggedTrim(0)
	require.NoError(err)
	require.Equal(rt, got)

	// Trims are per subgroup.
	other, err := st.LoadRaggedTrim(1)
	require.NoError(err)
	require.Nil(other)
}

func TestStoreObjectLogsPerSubgroup(t *testing.T) {
	require := require.New(t)
	st, err := NewStore(zaptest.NewLogger(t), t.TempDir())
	require.NoError(err)
	defer st.Close()

	a, err := st.Object(0)
	require.NoError(err)
	b, err := st.Object(1)
	require.NoError(err)
	require.NoError(a.Append(gms.CombineVersion(1, 0), []byte("a")))

	_, ok, err := b.TailVersion()
	require.NoError(err)
	require.False(ok)

	// Repeated resolution returns the same log.
	again, err := st.Object(0)
	require.NoError(err)
	tail, ok, err := again.TailVersion()
	require.NoError(err)
	require.True(ok)
	require.Equal(gms.CombineVersion(1, 0), tail)
}
