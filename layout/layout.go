package layout

import (
	"errors"
	"fmt"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/multicast"
	"go.tesserae.dev/trellis/view"
)

// ShardLayout is one shard's membership as produced by an allocator.
type ShardLayout struct {
	Members  []gms.NodeID
	IsSender []bool
	Mode     gms.Mode
}

// Subgroup groups the shards of one replicated-object type.
type Subgroup struct {
	Type   string
	Shards []ShardLayout
}

// Allocator maps a candidate view to a subgroup layout. It must be pure:
// the same candidate always yields the same layout. Returning
// gms.ErrInadequateView declares the candidate unable to host the
// configured subgroups.
type Allocator func(candidate *view.View) ([]Subgroup, error)

// SubgroupSpec configures one subgroup for the sharded allocator.
type SubgroupSpec struct {
	Type      string
	Shards    int
	ShardSize int
	Mode      gms.Mode
}

func (s SubgroupSpec) validate() error {
	if s.Type == "" {
		return errors.New("layout: empty subgroup type")
	}
	if s.Shards <= 0 || s.ShardSize <= 0 {
		return fmt.Errorf("layout: subgroup %q needs positive shard dimensions", s.Type)
	}
	return nil
}

// Sharded builds the default allocator: each spec consumes contiguous
// non-failed ranks in rank order, starting from the lowest live rank,
// every shard member a sender. The candidate's watermark is not read
// here; MakeSubgroupMaps advances it. Candidates without enough live
// members for every shard are inadequate.
func Sharded(specs ...SubgroupSpec) Allocator {
	return func(candidate *view.View) ([]Subgroup, error) {
		for _, spec := range specs {
			if err := spec.validate(); err != nil {
				return nil, err
			}
		}

		// Live members in rank order; specs consume the pool
		// sequentially so no node lands in two subgroups.
		var pool []gms.NodeID
		for rank := int32(0); rank < candidate.NumMembers(); rank++ {
			if !candidate.Failed[rank] {
				pool = append(pool, candidate.Members[rank])
			}
		}

		var out []Subgroup
		next := 0
		for _, spec := range specs {
			sg := Subgroup{Type: spec.Type}
			for shard := 0; shard < spec.Shards; shard++ {
				if next+spec.ShardSize > len(pool) {
					return nil, gms.ErrInadequateView
				}
				members := append([]gms.NodeID(nil), pool[next:next+spec.ShardSize]...)
				senders := make([]bool, len(members))
				for i := range senders {
					senders[i] = true
				}
				sg.Shards = append(sg.Shards, ShardLayout{Members: members, IsSender: senders, Mode: spec.Mode})
				next += spec.ShardSize
			}
			out = append(out, sg)
		}
		return out, nil
	}
}

// Single is a one-subgroup, one-shard allocator spanning every live
// member; minMembers below which the candidate is inadequate.
func Single(typ string, mode gms.Mode, minMembers int) Allocator {
	return func(candidate *view.View) ([]Subgroup, error) {
		var members []gms.NodeID
		for rank := int32(0); rank < candidate.NumMembers(); rank++ {
			if !candidate.Failed[rank] {
				members = append(members, candidate.Members[rank])
			}
		}
		if len(members) < minMembers {
			return nil, gms.ErrInadequateView
		}
		senders := make([]bool, len(members))
		for i := range senders {
			senders[i] = true
		}
		return []Subgroup{{
			Type:   typ,
			Shards: []ShardLayout{{Members: members, IsSender: senders, Mode: mode}},
		}}, nil
	}
}

// MakeSubgroupMaps runs the allocator over the candidate and installs
// the resulting layout into it: subgroup ids in allocation order, shard
// SubViews with per-node ranks and deltas against prev, the local node's
// shard map, and the derived multicast settings. On inadequacy the
// candidate is rolled back and marked, and gms.ErrInadequateView is
// returned.
func MakeSubgroupMaps(alloc Allocator, prev, curr *view.View) (map[gms.SubgroupID]multicast.Settings, uint32, error) {
	initialWatermark := curr.NextUnassignedRank
	curr.SubgroupShardViews = nil
	curr.SubgroupIDsByType = make(map[string][]gms.SubgroupID)
	curr.MySubgroups = make(map[gms.SubgroupID]uint32)

	subgroups, err := alloc(curr)
	if err != nil {
		curr.Adequate = false
		curr.NextUnassignedRank = initialWatermark
		curr.SubgroupShardViews = nil
		curr.SubgroupIDsByType = make(map[string][]gms.SubgroupID)
		return nil, 0, err
	}

	settings := make(map[gms.SubgroupID]multicast.Settings)
	myID := curr.MyID()
	var numReceivedOffset uint32
	for _, sg := range subgroups {
		sgID := gms.SubgroupID(len(curr.SubgroupShardViews))
		curr.SubgroupIDsByType[sg.Type] = append(curr.SubgroupIDsByType[sg.Type], sgID)

		var maxShardSenders int32
		shards := make([]view.SubView, 0, len(sg.Shards))
		for shardNum, shard := range sg.Shards {
			sv := view.SubView{
				Members:  shard.Members,
				IsSender: shard.IsSender,
				Mode:     shard.Mode,
				MyRank:   gms.RankAbsent,
			}
			sv.MyRank = sv.RankOf(myID)
			if n := sv.NumSenders(); n > maxShardSenders {
				maxShardSenders = n
			}
			if prev != nil {
				prevSV := matchingPrevShard(prev, sg.Type, len(curr.SubgroupIDsByType[sg.Type])-1, shardNum)
				if prevSV != nil {
					sv.Joined, sv.Departed = memberDeltas(prevSV.Members, sv.Members)
				}
			}
			if sv.MyRank != gms.RankAbsent {
				curr.MySubgroups[sgID] = uint32(shardNum)
				settings[sgID] = multicast.Settings{
					ShardNum:          uint32(shardNum),
					MyShardRank:       sv.MyRank,
					Members:           sv.Members,
					Senders:           sv.IsSender,
					MySenderRank:      sv.SenderRankOf(sv.MyRank),
					NumReceivedOffset: numReceivedOffset,
					Mode:              sv.Mode,
				}
			}
			shards = append(shards, sv)
		}
		curr.SubgroupShardViews = append(curr.SubgroupShardViews, shards)
		numReceivedOffset += uint32(maxShardSenders)

		// Watermark advances past every rank the subgroup consumed.
		for _, shard := range sg.Shards {
			for _, id := range shard.Members {
				if r := curr.RankOf(id); r >= curr.NextUnassignedRank {
					curr.NextUnassignedRank = r + 1
				}
			}
		}
	}
	curr.Adequate = true
	return settings, numReceivedOffset, nil
}

// DeriveSettings recomputes the per-node side of an existing layout:
// shard ranks, the local shard map, and multicast settings. Used when
// the layout arrived over the wire instead of from the allocator.
func DeriveSettings(v *view.View) (map[gms.SubgroupID]multicast.Settings, uint32) {
	settings := make(map[gms.SubgroupID]multicast.Settings)
	if v.MySubgroups == nil {
		v.MySubgroups = make(map[gms.SubgroupID]uint32)
	}
	myID := v.MyID()
	var numReceivedOffset uint32
	for sgIdx := range v.SubgroupShardViews {
		sgID := gms.SubgroupID(sgIdx)
		var maxShardSenders int32
		for shardNum := range v.SubgroupShardViews[sgIdx] {
			sv := &v.SubgroupShardViews[sgIdx][shardNum]
			sv.MyRank = sv.RankOf(myID)
			if n := sv.NumSenders(); n > maxShardSenders {
				maxShardSenders = n
			}
			if sv.MyRank != gms.RankAbsent {
				v.MySubgroups[sgID] = uint32(shardNum)
				settings[sgID] = multicast.Settings{
					ShardNum:          uint32(shardNum),
					MyShardRank:       sv.MyRank,
					Members:           sv.Members,
					Senders:           sv.IsSender,
					MySenderRank:      sv.SenderRankOf(sv.MyRank),
					NumReceivedOffset: numReceivedOffset,
					Mode:              sv.Mode,
				}
			}
		}
		numReceivedOffset += uint32(maxShardSenders)
	}
	return settings, numReceivedOffset
}

func matchingPrevShard(prev *view.View, typ string, subgroupIndex, shardNum int) *view.SubView {
	ids, ok := prev.SubgroupIDsByType[typ]
	if !ok || subgroupIndex >= len(ids) {
		return nil
	}
	shards := prev.SubgroupShardViews[ids[subgroupIndex]]
	if shardNum >= len(shards) {
		return nil
	}
	return &shards[shardNum]
}

func memberDeltas(prev, curr []gms.NodeID) (joined, departed []gms.NodeID) {
	prevSet := make(map[gms.NodeID]bool, len(prev))
	for _, id := range prev {
		prevSet[id] = true
	}
	currSet := make(map[gms.NodeID]bool, len(curr))
	for _, id := range curr {
		currSet[id] = true
	}
	for _, id := range curr {
		if !prevSet[id] {
			joined = append(joined, id)
		}
	}
	for _, id := range prev {
		if !currSet[id] {
			departed = append(departed, id)
		}
	}
	return joined, departed
}
