package multicast

import (
	"go.tesserae.dev/trellis/spec/gms"
)

// Settings describes one subgroup's shard as seen by the local node,
// derived from the view at install time.
type Settings struct {
	ShardNum          uint32
	MyShardRank       int32
	Members           []gms.NodeID
	Senders           []bool
	MySenderRank      int32
	NumReceivedOffset uint32
	Mode              gms.Mode
}

func (s Settings) NumSenders() int32 {
	var n int32
	for _, v := range s.Senders {
		if v {
			n++
		}
	}
	return n
}

// ShardRanksBySenderRank maps dense sender ranks back to shard ranks.
func (s Settings) ShardRanksBySenderRank() map[int32]int32 {
	out := make(map[int32]int32)
	var l int32
	for j, isSender := range s.Senders {
		if isSender {
			out[l] = int32(j)
			l++
		}
	}
	return out
}

// Group is the per-view multicast datapath. The view-change core only
// touches its wedge/flush/delivery surface; the send path proper is out
// of scope and lives behind Send/GetSendBuffer.
type Group interface {
	// Wedge halts new sends and receives. Idempotent.
	Wedge()
	IsWedged() bool

	// CheckPendingSSTSends reports whether the subgroup still has
	// SST-backed sends in flight that must drain before epoch
	// termination.
	CheckPendingSSTSends(sg gms.SubgroupID) bool

	// ReceiverPredicate and ReceiverFunction flush in-flight datapath
	// messages into the SST num_received counters. The pair is driven
	// in a loop until the predicate goes false.
	ReceiverPredicate(sg gms.SubgroupID) bool
	ReceiverFunction(sg gms.SubgroupID)

	// DeliverMessagesUpto delivers every undelivered message whose
	// index is within the agreed per-sender bounds, in sender-major
	// index order.
	DeliverMessagesUpto(maxReceivedIndices []int32, sg gms.SubgroupID, numSenders int32) error

	// Send submits the prepared buffer; false while wedged.
	Send(sg gms.SubgroupID) bool
	GetSendBuffer(sg gms.SubgroupID, payloadSize int, pauseSendingTurns int, cooked bool, null bool) ([]byte, error)

	ComputeGlobalStabilityFrontier(sg gms.SubgroupID) uint64

	SubgroupSettings() map[gms.SubgroupID]Settings
}

// Config carries what a Factory needs to bind a Group to a view epoch.
// Prev, when set, donates the in-flight sender state of the wedged
// predecessor group.
type Config struct {
	Members  []gms.NodeID
	MyRank   int32
	Settings map[gms.SubgroupID]Settings
	Prev     Group
}

// Factory builds the datapath for a new view epoch.
type Factory func(cfg Config) (Group, error)
