package gms

// NodeID is a 32-bit identifier, globally unique within a group incarnation.
type NodeID uint32

// Rank is a node's position in the current view's member vector.
type Rank = int32

// RankAbsent is the sentinel rank for a node not present in a view.
const RankAbsent Rank = -1

// ViewID identifies an installed view; strictly increasing across installs.
type ViewID int32

// SubgroupID is the dense identifier assigned to a subgroup by the
// allocator. Stable within a view.
type SubgroupID uint32

// Version tags a delivered message: the high 32 bits carry the view id,
// the low 32 bits the per-shard delivery sequence.
type Version int64

func CombineVersion(vid ViewID, seq int32) Version {
	return Version(int64(vid)<<32 | int64(uint32(seq)))
}

func (v Version) Split() (ViewID, int32) {
	return ViewID(v >> 32), int32(uint32(v))
}

func (v Version) Seq() int32 {
	return int32(uint32(v))
}

// Mode selects the delivery discipline of a shard.
type Mode uint8

const (
	ModeOrdered Mode = iota
	ModeUnordered
)

func (m Mode) String() string {
	switch m {
	case ModeOrdered:
		return "ordered"
	case ModeUnordered:
		return "unordered"
	default:
		return "unknown"
	}
}

// JoinResponseCode is the one-byte verdict a leader sends back to a
// connecting joiner.
type JoinResponseCode uint8

const (
	JoinOK JoinResponseCode = iota
	JoinIDInUse
	JoinLeaderRedirect
	JoinTotalRestart
)

func (c JoinResponseCode) String() string {
	switch c {
	case JoinOK:
		return "ok"
	case JoinIDInUse:
		return "id_in_use"
	case JoinLeaderRedirect:
		return "leader_redirect"
	case JoinTotalRestart:
		return "total_restart"
	default:
		return "unknown"
	}
}

// JoinResponse is the fixed-size second message of the join protocol.
type JoinResponse struct {
	Code     JoinResponseCode
	LeaderID NodeID
}

// SeqIndex maps a (round index, sender rank) pair to the per-shard
// delivery sequence used when assigning versions: sender-major by index.
func SeqIndex(index int32, senderRank int32, numSenders int32) int32 {
	return index*numSenders + senderRank
}
