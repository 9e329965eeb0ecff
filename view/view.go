package view

import (
	"fmt"
	"strings"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/multicast"
	"go.tesserae.dev/trellis/sst"
)

// SubView is one shard of one subgroup as seen in a view.
type SubView struct {
	Members  []gms.NodeID
	IsSender []bool
	Mode     gms.Mode
	// MyRank is the local node's rank within this shard, RankAbsent when
	// the local node is not a shard member. Recomputed on every node.
	MyRank int32
	// Joined and Departed are deltas relative to the same shard in the
	// previous view.
	Joined   []gms.NodeID
	Departed []gms.NodeID
}

func (sv *SubView) RankOf(id gms.NodeID) int32 {
	for i, m := range sv.Members {
		if m == id {
			return int32(i)
		}
	}
	return gms.RankAbsent
}

func (sv *SubView) NumSenders() int32 {
	var n int32
	for _, s := range sv.IsSender {
		if s {
			n++
		}
	}
	return n
}

// SenderRankOf maps a shard rank to its dense sender rank, RankAbsent
// for non-senders.
func (sv *SubView) SenderRankOf(shardRank int32) int32 {
	if shardRank < 0 || int(shardRank) >= len(sv.IsSender) || !sv.IsSender[shardRank] {
		return gms.RankAbsent
	}
	var n int32
	for i := int32(0); i < shardRank; i++ {
		if sv.IsSender[i] {
			n++
		}
	}
	return n
}

// View is the membership and layout snapshot installed atomically across
// the group. Immutable after install except for Failed/NumFailed and the
// per-epoch SST and multicast bindings.
type View struct {
	VID       gms.ViewID
	Members   []gms.NodeID
	MemberIPs []string
	Failed    []bool
	Joined    []gms.NodeID
	Departed  []gms.NodeID

	MyRank    int32
	NumFailed int32

	// Layout, filled by the allocator. Adequate is false when the
	// allocator declared the candidate inadequate.
	SubgroupIDsByType  map[string][]gms.SubgroupID
	SubgroupShardViews [][]SubView
	MySubgroups        map[gms.SubgroupID]uint32
	Adequate           bool

	// NextUnassignedRank is the allocator watermark: members at or
	// beyond it are not yet pinned to any subgroup.
	NextUnassignedRank int32

	// IKnowIAmLeader is sticky across view installs and recoveries.
	IKnowIAmLeader bool

	// Per-epoch bindings, set at install time and cleared at retirement.
	SST       *sst.SST
	Multicast multicast.Group
}

// New constructs an uninstalled view. Failed may be nil for all-alive.
func New(vid gms.ViewID, members []gms.NodeID, memberIPs []string, failed []bool,
	joined, departed []gms.NodeID, myRank int32, nextUnassignedRank int32) *View {
	if failed == nil {
		failed = make([]bool, len(members))
	}
	var numFailed int32
	for _, f := range failed {
		if f {
			numFailed++
		}
	}
	return &View{
		VID:                vid,
		Members:            append([]gms.NodeID(nil), members...),
		MemberIPs:          append([]string(nil), memberIPs...),
		Failed:             append([]bool(nil), failed...),
		Joined:             append([]gms.NodeID(nil), joined...),
		Departed:           append([]gms.NodeID(nil), departed...),
		MyRank:             myRank,
		NumFailed:          numFailed,
		MySubgroups:        make(map[gms.SubgroupID]uint32),
		SubgroupIDsByType:  make(map[string][]gms.SubgroupID),
		NextUnassignedRank: nextUnassignedRank,
	}
}

func (v *View) NumMembers() int32 { return int32(len(v.Members)) }

func (v *View) RankOf(id gms.NodeID) int32 {
	for i, m := range v.Members {
		if m == id {
			return int32(i)
		}
	}
	return gms.RankAbsent
}

func (v *View) MyID() gms.NodeID {
	return v.Members[v.MyRank]
}

// RankOfLeader is the lowest-ranked member not marked failed.
func (v *View) RankOfLeader() int32 {
	for i := range v.Members {
		if !v.Failed[i] {
			return int32(i)
		}
	}
	return gms.RankAbsent
}

func (v *View) LeaderID() gms.NodeID {
	return v.Members[v.RankOfLeader()]
}

func (v *View) IAmLeader() bool {
	return v.RankOfLeader() == v.MyRank
}

// IAmNewLeader reports, exactly once, that leadership has shifted to the
// local node. The sticky flag survives into subsequent views.
func (v *View) IAmNewLeader() bool {
	if v.IKnowIAmLeader {
		return false
	}
	if v.RankOfLeader() != v.MyRank {
		return false
	}
	v.IKnowIAmLeader = true
	return true
}

// SubViewRankOfShardLeader is the rank, within the shard, of the
// lowest-ranked shard member that has not failed in this view.
func (v *View) SubViewRankOfShardLeader(sg gms.SubgroupID, shard uint32) int32 {
	sv := &v.SubgroupShardViews[sg][shard]
	for i, id := range sv.Members {
		rank := v.RankOf(id)
		if rank != gms.RankAbsent && !v.Failed[rank] {
			return int32(i)
		}
	}
	return gms.RankAbsent
}

// Wedge halts the epoch's multicast and publishes the wedged bit.
func (v *View) Wedge() error {
	if v.Multicast != nil {
		v.Multicast.Wedge()
	}
	if v.SST == nil {
		return nil
	}
	v.SST.SetWedged(true)
	return v.SST.Push(sst.Range(sst.FieldWedged))
}

func (v *View) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "View %d: members=[", v.VID)
	for i, m := range v.Members {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d", m)
		if v.Failed[i] {
			sb.WriteString("!")
		}
	}
	fmt.Fprintf(&sb, "] joined=%v departed=%v", v.Joined, v.Departed)
	return sb.String()
}
