package view

import (
	"testing"

	"go.tesserae.dev/trellis/spec/gms"

	"github.com/stretchr/testify/require"
)

func layoutView() *View {
	v := New(7, []gms.NodeID{1, 2, 3, 4}, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
		[]bool{false, false, true, false}, []gms.NodeID{4}, []gms.NodeID{9}, 0, 2)
	v.SubgroupIDsByType = map[string][]gms.SubgroupID{
		"cache": {0},
		"log":   {1},
	}
	v.SubgroupShardViews = [][]SubView{
		{
			{Members: []gms.NodeID{1, 2}, IsSender: []bool{true, true}, Mode: gms.ModeOrdered, MyRank: gms.RankAbsent, Joined: []gms.NodeID{2}},
			{Members: []gms.NodeID{3, 4}, IsSender: []bool{true, false}, Mode: gms.ModeOrdered, MyRank: gms.RankAbsent, Departed: []gms.NodeID{9}},
		},
		{
			{Members: []gms.NodeID{1, 2, 3, 4}, IsSender: []bool{true, true, true, true}, Mode: gms.ModeUnordered, MyRank: gms.RankAbsent},
		},
	}
	v.Adequate = true
	return v
}

func TestFullViewRoundTrip(t *testing.T) {
	require := require.New(t)
	v := layoutView()

	b := v.Marshal()
	got, err := Unmarshal(b)
	require.NoError(err)

	require.Equal(v.VID, got.VID)
	require.Equal(v.Members, got.Members)
	require.Equal(v.MemberIPs, got.MemberIPs)
	require.Equal(v.Failed, got.Failed)
	require.Equal(v.Joined, got.Joined)
	require.Equal(v.Departed, got.Departed)
	require.Equal(v.NextUnassignedRank, got.NextUnassignedRank)
	require.Equal(v.SubgroupIDsByType, got.SubgroupIDsByType)
	require.Equal(v.SubgroupShardViews, got.SubgroupShardViews)

	// bytes -> View -> bytes is the identity.
	require.Equal(b, got.Marshal())
}

func TestStreamlinedViewRoundTrip(t *testing.T) {
	require := require.New(t)
	v := layoutView()

	b := v.MarshalStreamlined()
	got, err := UnmarshalStreamlined(b)
	require.NoError(err)

	require.Equal(v.VID, got.VID)
	require.Equal(v.Members, got.Members)
	require.Equal(v.MemberIPs, got.MemberIPs)
	require.Equal(v.Failed, got.Failed)
	require.Equal(v.Joined, got.Joined)
	require.Equal(v.Departed, got.Departed)
	// The layout is not carried in the streamlined form.
	require.Empty(got.SubgroupShardViews)

	require.Equal(b, got.MarshalStreamlined())
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	require := require.New(t)
	b := layoutView().Marshal()

	_, err := Unmarshal(b[:len(b)-3])
	require.Error(err)

	_, err = UnmarshalStreamlined(nil)
	require.Error(err)
}

func TestUnmarshalRejectsTrailing(t *testing.T) {
	require := require.New(t)
	b := layoutView().MarshalStreamlined()
	_, err := UnmarshalStreamlined(append(b, 0xff))
	require.Error(err)
}

func TestRaggedTrimRoundTrip(t *testing.T) {
	require := require.New(t)
	rt := &RaggedTrim{
		SubgroupID:          3,
		VID:                 5,
		LeaderID:            1,
		MaxReceivedBySender: []int32{6, 4, 6},
	}

	b := rt.Marshal()
	got, err := UnmarshalRaggedTrim(b)
	require.NoError(err)
	require.Equal(rt, got)
	require.Equal(b, got.Marshal())
}

func TestRaggedTrimMaxVersion(t *testing.T) {
	require := require.New(t)
	rt := &RaggedTrim{SubgroupID: 0, VID: 5, LeaderID: 1, MaxReceivedBySender: []int32{6, 4, 6}}

	// Highest delivery sequence: max(6*3+0, 4*3+1, 6*3+2) = 20.
	require.Equal(gms.CombineVersion(5, 20), rt.MaxVersion())
}
