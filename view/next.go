package view

import (
	"sort"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/util"
)

// MakeNextView computes the successor view from the leader-committed
// prefix of the change ring. Committed changes naming current members
// are leaves; the rest are joins, with addresses taken from the
// joiner_ips column.
func MakeNextView(curr *View, table *sst.SST) (*View, error) {
	myRank := curr.MyRank
	leaderRank := curr.RankOfLeader()

	committedCount := int(table.NumCommitted(leaderRank) - table.NumInstalled(leaderRank))
	leaveRankSet := make(map[int32]bool)
	var joinIndexes []int
	for i := 0; i < committedCount; i++ {
		changeID := table.Change(myRank, i)
		if rank := curr.RankOf(changeID); rank != gms.RankAbsent {
			leaveRankSet[rank] = true
		} else {
			joinIndexes = append(joinIndexes, i)
		}
	}

	joined := make([]gms.NodeID, 0, len(joinIndexes))
	joinerIPs := make([]string, 0, len(joinIndexes))
	for _, i := range joinIndexes {
		joined = append(joined, table.Change(myRank, i))
		joinerIPs = append(joinerIPs, util.UnpackIPv4(table.JoinerIP(myRank, i)))
	}

	return nextFromDeltas(curr, joined, joinerIPs, leaveRankSet, gms.ErrSelfEvicted)
}

// MakeNextViewWithJoiners computes the successor view from explicit
// joiner and failure information; the restart coordinator uses this
// form after reconstituting a quorum.
func MakeNextViewWithJoiners(curr *View, joinerIDs []gms.NodeID, joinerIPs []string) (*View, error) {
	leaveRankSet := make(map[int32]bool)
	for rank, failed := range curr.Failed {
		if failed {
			leaveRankSet[int32(rank)] = true
		}
	}
	return nextFromDeltas(curr, joinerIDs, joinerIPs, leaveRankSet, gms.ErrRecoveryLeaderExcluded)
}

func nextFromDeltas(curr *View, joined []gms.NodeID, joinerIPs []string,
	leaveRankSet map[int32]bool, excludedErr error) (*View, error) {

	leaveRanks := make([]int32, 0, len(leaveRankSet))
	for r := range leaveRankSet {
		leaveRanks = append(leaveRanks, r)
	}
	sort.Slice(leaveRanks, func(i, j int) bool { return leaveRanks[i] < leaveRanks[j] })

	nextNumMembers := int(curr.NumMembers()) - len(leaveRanks) + len(joined)
	members := make([]gms.NodeID, nextNumMembers)
	memberIPs := make([]string, nextNumMembers)
	failed := make([]bool, nextNumMembers)
	departed := make([]gms.NodeID, 0, len(leaveRanks))

	nextUnassignedRank := curr.NextUnassignedRank
	for _, leaverRank := range leaveRanks {
		departed = append(departed, curr.Members[leaverRank])
		if leaverRank <= curr.NextUnassignedRank {
			nextUnassignedRank--
		}
	}

	// Survivors compact toward rank 0; joiners go at the tail.
	newRank := 0
	for oldRank := int32(0); oldRank < curr.NumMembers(); oldRank++ {
		if leaveRankSet[oldRank] {
			continue
		}
		members[newRank] = curr.Members[oldRank]
		memberIPs[newRank] = curr.MemberIPs[oldRank]
		failed[newRank] = curr.Failed[oldRank]
		newRank++
	}
	for i, id := range joined {
		members[newRank+i] = id
		memberIPs[newRank+i] = joinerIPs[i]
	}

	myID := curr.MyID()
	myNewRank := gms.RankAbsent
	for i, id := range members {
		if id == myID {
			myNewRank = int32(i)
			break
		}
	}
	if myNewRank == gms.RankAbsent {
		return nil, excludedErr
	}

	next := New(curr.VID+1, members, memberIPs, failed, joined, departed, myNewRank, nextUnassignedRank)
	next.IKnowIAmLeader = curr.IKnowIAmLeader
	return next, nil
}
