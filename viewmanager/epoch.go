package viewmanager

import (
	"errors"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/transport"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/view"

	"go.uber.org/zap"
)

// startMetaWedge closes join admission for the epoch, wedges locally,
// and waits for every non-failed member to wedge before terminating the
// epoch.
func (m *Manager) startMetaWedge(s *sst.SST) {
	m.mu.RLock()
	vid := m.currView.VID
	m.mu.RUnlock()
	m.logger.Debug("meta-wedging view", zap.Int32("vid", int32(vid)))

	m.removeJoinAndChangePredicates(s)

	m.mu.RLock()
	if err := m.currView.Wedge(); err != nil {
		m.logger.Warn("wedging view", zap.Error(err))
	}
	m.mu.RUnlock()

	isMetaWedged := func(s *sst.SST) bool {
		m.mu.RLock()
		failed := append([]bool(nil), m.currView.Failed...)
		m.mu.RUnlock()
		for n := 0; n < s.NumRows(); n++ {
			if !failed[n] && !s.Wedged(int32(n)) {
				return false
			}
		}
		return true
	}
	s.Predicates().Register(isMetaWedged, m.terminateEpoch, sst.OneTime)
}

// terminateEpoch computes the candidate next view and, when it is
// adequate, drains the datapath and runs ragged-edge cleanup. An
// inadequate candidate rewinds: join admission reopens and the epoch
// termination waits for the next committed change.
func (m *Manager) terminateEpoch(s *sst.SST) {
	m.logger.Debug("meta-wedged, continuing epoch termination")

	m.mu.Lock()
	firstCall := m.nextView == nil
	next, err := view.MakeNextView(m.currView, s)
	if err != nil {
		m.mu.Unlock()
		m.fatal("computing next view", zap.Error(err))
		return
	}
	m.nextView = next
	m.logger.Debug("checking provisioning of next view", zap.Int32("vid", int32(next.VID)))
	nextSettings, nextNumReceived, layoutErr := layout.MakeSubgroupMaps(m.cfg.Allocator, m.currView, next)
	if layoutErr != nil && !errors.Is(layoutErr, gms.ErrInadequateView) {
		m.mu.Unlock()
		m.fatal("allocating next view", zap.Error(layoutErr))
		return
	}
	if layoutErr != nil {
		m.logger.Debug("next view would not be adequately provisioned, waiting for more joins")
		leaderRank := m.currView.RankOfLeader()
		m.mu.Unlock()
		if firstCall {
			// Reopen join admission, but not epoch termination.
			m.registerPredicates(s)
			s.Predicates().Remove(m.leaderCommittedHandle)
			m.leaderCommittedHandle = sst.Handle{}
		}
		currNumCommitted := s.NumCommitted(leaderRank)
		s.Predicates().Register(
			func(s *sst.SST) bool { return s.NumCommitted(leaderRank) > currNumCommitted },
			m.terminateEpoch,
			sst.OneTime,
		)
		return
	}
	m.nextSettings = nextSettings
	m.nextNumReceived = nextNumReceived
	curr := m.currView
	settings := m.settings
	m.mu.Unlock()

	// Flush in-flight datapath messages into the num_received counters
	// for every shard this node belongs to.
	for sg := range settings {
		for curr.Multicast.CheckPendingSSTSends(sg) {
		}
		if err := s.PushWithCompletion(); err != nil {
			m.logger.Warn("pushing before datapath flush", zap.Error(err))
		}
		if err := s.SyncWithMembers(); err != nil {
			m.logger.Warn("syncing before datapath flush", zap.Error(err))
		}
		for curr.Multicast.ReceiverPredicate(sg) {
			curr.Multicast.ReceiverFunction(sg)
		}
	}
	if err := s.PushWithCompletion(); err != nil {
		m.logger.Warn("pushing after datapath flush", zap.Error(err))
	}
	if err := s.SyncWithMembers(); err != nil {
		m.logger.Warn("syncing after datapath flush", zap.Error(err))
	}

	// Ragged-edge cleanup: act as leader for my shards where I am the
	// shard leader, remember the rest for the follower step.
	followerShards := make(map[gms.SubgroupID]uint32)
	for sg, shardNum := range curr.MySubgroups {
		sv := &curr.SubgroupShardViews[sg][shardNum]
		st := settings[sg]
		if sv.MyRank == curr.SubViewRankOfShardLeader(sg, shardNum) {
			m.leaderRaggedEdgeCleanup(s, curr, sg, st.NumReceivedOffset, sv)
		} else {
			followerShards[sg] = shardNum
		}
	}

	leaderGlobalMinsReady := func(s *sst.SST) bool {
		for sg, shardNum := range followerShards {
			sv := &curr.SubgroupShardViews[sg][shardNum]
			leaderRank := curr.RankOf(sv.Members[curr.SubViewRankOfShardLeader(sg, shardNum)])
			if !s.GlobalMinReady(leaderRank, sg) {
				return false
			}
		}
		return true
	}
	globalMinReadyContinuation := func(s *sst.SST) {
		m.logger.Debug("global mins ready for all awaited shard leaders",
			zap.Int("shards", len(followerShards)))
		for sg, shardNum := range followerShards {
			sv := &curr.SubgroupShardViews[sg][shardNum]
			leaderRank := curr.RankOf(sv.Members[curr.SubViewRankOfShardLeader(sg, shardNum)])
			st := settings[sg]
			m.followerRaggedEdgeCleanup(s, curr, sg, leaderRank, st.NumReceivedOffset, sv)
		}

		persistenceFinished := func(s *sst.SST) bool {
			me := s.LocalRank()
			for sg, shardNum := range curr.MySubgroups {
				sv := &curr.SubgroupShardViews[sg][shardNum]
				if sv.Mode == gms.ModeUnordered {
					continue
				}
				lastDelivered := s.DeliveredNum(me, sg)
				for _, member := range sv.Members {
					rank := curr.RankOf(member)
					if rank == gms.RankAbsent || curr.Failed[rank] {
						continue
					}
					if gms.Version(s.PersistedNum(rank, sg)).Seq() < lastDelivered {
						return false
					}
				}
			}
			return true
		}
		s.Predicates().Register(persistenceFinished, m.finishViewChange, sst.OneTime)
	}
	s.Predicates().Register(leaderGlobalMinsReady, globalMinReadyContinuation, sst.OneTime)
}

// leaderRaggedEdgeCleanup decides the per-sender delivery bounds for one
// shard: adopt any already-published decision, otherwise the sender-wise
// minimum of num_received over the live shard members.
func (m *Manager) leaderRaggedEdgeCleanup(s *sst.SST, v *view.View, sg gms.SubgroupID,
	numReceivedOffset uint32, sv *view.SubView) {
	m.logger.Debug("running leader ragged-edge cleanup", zap.Uint32("subgroup", uint32(sg)))
	me := v.MyRank
	numSenders := int(sv.NumSenders())
	offset := int(numReceivedOffset)

	found := false
	for _, member := range sv.Members {
		rank := v.RankOf(member)
		if rank == gms.RankAbsent || !s.GlobalMinReady(rank, sg) {
			continue
		}
		for n := 0; n < numSenders; n++ {
			s.SetGlobalMin(offset+n, s.GlobalMin(rank, offset+n))
		}
		found = true
		break
	}
	if !found {
		for n := 0; n < numSenders; n++ {
			min := s.NumReceived(me, offset+n)
			for _, member := range sv.Members {
				rank := v.RankOf(member)
				if rank == gms.RankAbsent || v.Failed[rank] {
					continue
				}
				if s.NumReceived(rank, offset+n) < min {
					min = s.NumReceived(rank, offset+n)
				}
			}
			s.SetGlobalMin(offset+n, min)
		}
	}

	m.logger.Debug("shard leader finished computing global min", zap.Uint32("subgroup", uint32(sg)))
	s.SetGlobalMinReady(sg, true)
	if err := s.Push(
		sst.Slice(sst.FieldGlobalMin, offset, numSenders),
		sst.Slice(sst.FieldGlobalMinReady, int(sg), 1),
	); err != nil {
		m.logger.Warn("pushing global min", zap.Error(err))
	}
	m.deliverInOrder(s, v, me, sg, offset, numSenders)
}

// followerRaggedEdgeCleanup echoes the shard leader's decision and
// delivers against it.
func (m *Manager) followerRaggedEdgeCleanup(s *sst.SST, v *view.View, sg gms.SubgroupID,
	shardLeaderRank int32, numReceivedOffset uint32, sv *view.SubView) {
	m.logger.Debug("running follower ragged-edge cleanup", zap.Uint32("subgroup", uint32(sg)))
	numSenders := int(sv.NumSenders())
	offset := int(numReceivedOffset)

	for n := 0; n < numSenders; n++ {
		s.SetGlobalMin(offset+n, s.GlobalMin(shardLeaderRank, offset+n))
	}
	s.SetGlobalMinReady(sg, true)
	if err := s.Push(
		sst.Slice(sst.FieldGlobalMin, offset, numSenders),
		sst.Slice(sst.FieldGlobalMinReady, int(sg), 1),
	); err != nil {
		m.logger.Warn("pushing echoed global min", zap.Error(err))
	}
	m.deliverInOrder(s, v, shardLeaderRank, sg, offset, numSenders)
}

// deliverInOrder persists the ragged trim, then requests delivery up to
// the agreed bounds. The trim hits disk before any delivery so a crash
// mid-delivery replays the same decision.
func (m *Manager) deliverInOrder(s *sst.SST, v *view.View, deciderRank int32,
	sg gms.SubgroupID, offset, numSenders int) {
	maxReceivedIndices := make([]int32, numSenders)
	for n := 0; n < numSenders; n++ {
		maxReceivedIndices[n] = s.GlobalMin(deciderRank, offset+n)
	}
	trim := &view.RaggedTrim{
		SubgroupID:          sg,
		VID:                 v.VID,
		LeaderID:            v.LeaderID(),
		MaxReceivedBySender: maxReceivedIndices,
	}
	m.logger.Debug("logging ragged trim to disk", zap.Uint32("subgroup", uint32(sg)))
	if err := m.cfg.Store.SaveRaggedTrim(trim); err != nil {
		m.fatal("persisting ragged trim", zap.Error(err))
		return
	}
	m.logger.Debug("delivering ragged-edge messages in order",
		zap.Uint32("subgroup", uint32(sg)), zap.Int32s("upto", maxReceivedIndices))
	if err := v.Multicast.DeliverMessagesUpto(maxReceivedIndices, sg, int32(numSenders)); err != nil {
		m.logger.Warn("ragged-edge delivery", zap.Error(err))
	}
}

// finishViewChange swaps in the next view: joiner hand-off, new SST and
// multicast, row rebase, persistence, predicate re-registration, and the
// application upcalls.
func (m *Manager) finishViewChange(s *sst.SST) {
	m.mu.Lock()

	m.removeJoinAndChangePredicates(s)

	curr := m.currView
	next := m.nextView

	type joinerHandoff struct {
		id   gms.NodeID
		conn transport.Conn
	}
	var joinerSockets []joinerHandoff
	if curr.IAmLeader() && len(next.Joined) > 0 {
		for _, joinerID := range next.Joined {
			if len(m.proposedJoins) == 0 {
				break
			}
			conn := m.proposedJoins[0]
			m.proposedJoins = m.proposedJoins[1:]
			if err := m.commitJoin(next, conn); err != nil {
				m.logger.Warn("joiner crashed during install", zap.Uint32("id", uint32(joinerID)), zap.Error(err))
				conn.Close()
				continue
			}
			joinerSockets = append(joinerSockets, joinerHandoff{id: joinerID, conn: conn})
		}
	}

	s.Predicates().Remove(m.leaderCommittedHandle)
	s.Predicates().Remove(m.suspectedChangedHandle)
	m.leaderCommittedHandle = sst.Handle{}
	m.suspectedChangedHandle = sst.Handle{}

	m.logger.Debug("creating SST and multicast group for next view", zap.Int32("vid", int32(next.VID)))
	// Joiner table attachments happen inside bindEpoch through the
	// replicator, in rank order of the new member list.
	if err := m.bindEpoch(next, curr.Multicast); err != nil {
		m.mu.Unlock()
		m.fatal("binding next view", zap.Error(err))
		return
	}
	curr.Multicast = nil

	installed := len(next.Joined) + len(next.Departed)
	next.SST.InitLocalRowFromPrevious(curr.SST, installed)
	next.SST.SetNumInstalled(0)
	next.SST.SetVID(int32(next.VID))

	oldLeaders := shardLeadersByID(curr, next)
	if curr.IAmLeader() {
		leadersBytes := marshalShardLeaders(oldLeaders)
		for _, hs := range joinerSockets {
			if err := hs.conn.WriteSized(leadersBytes); err != nil {
				m.logger.Warn("sending shard leaders to joiner", zap.Uint32("id", uint32(hs.id)), zap.Error(err))
				hs.conn.Close()
				continue
			}
			m.rememberMemberConn(hs.id, hs.conn)
		}
	}

	if err := next.SST.Push(); err != nil {
		m.logger.Warn("publishing initial row of next view", zap.Error(err))
	}
	if err := next.SST.SyncWithMembers(); err != nil {
		m.logger.Warn("syncing next view", zap.Error(err))
	}
	m.logger.Debug("done setting up SST and multicast for next view", zap.Int32("vid", int32(next.VID)))

	m.oldViewsMu.Lock()
	m.oldViews = append(m.oldViews, curr)
	m.oldViewsCond.Broadcast()
	m.oldViewsMu.Unlock()

	m.currView = next
	m.nextView = nil
	m.settings = m.nextSettings
	m.numReceivedSize = m.nextNumReceived
	m.nextSettings = nil
	m.nextNumReceived = 0

	if err := m.cfg.Store.SaveView(next); err != nil {
		m.mu.Unlock()
		m.fatal("persisting installed view", zap.Error(err))
		return
	}

	m.lastSuspected = make([]bool, len(next.Members))
	m.registerPredicates(next.SST)

	if next.IAmNewLeader() {
		m.mergeChanges(next.SST, next)
	}

	m.mu.Unlock()
	m.mu.RLock()
	m.runViewUpcalls(next)
	m.mu.RUnlock()

	m.sendObjectsToNewMembers(next, oldLeaders)

	next.SST.Predicates().Start()

	m.viewChangeMu.Lock()
	m.viewChangeCond.Broadcast()
	m.viewChangeMu.Unlock()
	m.logger.Info("installed view", zap.Int32("vid", int32(next.VID)), zap.String("view", next.String()))
}

// mergeChanges collapses the surviving change rings of every live row
// into the new leader's row after a leader failover.
func (m *Manager) mergeChanges(s *sst.SST, v *view.View) {
	m.logger.Debug("new leader merging surviving changes")
	me := s.LocalRank()
	for r := int32(0); r < v.NumMembers(); r++ {
		if v.Failed[r] || r == me {
			continue
		}
		pending := int(s.NumChanges(r) - s.NumInstalled(r))
		for i := 0; i < pending; i++ {
			id := s.Change(r, i)
			if changesContains(s, uint32(id)) {
				continue
			}
			nextChange := int(s.NumChanges(me) - s.NumInstalled(me))
			if nextChange == s.ChangesCapacity() {
				m.fatal("ran out of room in the pending changes list")
				return
			}
			s.SetChange(nextChange, id)
			s.SetJoinerIP(nextChange, s.JoinerIP(r, i))
			s.SetNumChanges(s.NumChanges(me) + 1)
		}
	}
	s.SetNumAcked(s.NumChanges(me))
	if err := s.Push(
		sst.Range(sst.FieldChanges),
		sst.Range(sst.FieldJoinerIPs),
		sst.Range(sst.FieldNumChanges),
		sst.Range(sst.FieldNumAcked),
	); err != nil {
		m.logger.Warn("pushing merged changes", zap.Error(err))
	}
}

// shardLeadersByID maps each shard of the new view to the node that led
// it in the old view, -1 where no live leader existed. Joining members
// receive object state from these nodes.
func shardLeadersByID(curr, next *view.View) [][]int64 {
	out := make([][]int64, len(next.SubgroupShardViews))
	for sg := range out {
		out[sg] = make([]int64, len(next.SubgroupShardViews[sg]))
		for i := range out[sg] {
			out[sg][i] = -1
		}
	}
	for typ, currIDs := range curr.SubgroupIDsByType {
		nextIDs, ok := next.SubgroupIDsByType[typ]
		if !ok {
			continue
		}
		for idx, currSG := range currIDs {
			if idx >= len(nextIDs) {
				continue
			}
			nextSG := nextIDs[idx]
			for shard := range curr.SubgroupShardViews[currSG] {
				if int(nextSG) >= len(out) || shard >= len(out[nextSG]) {
					continue
				}
				leaderRank := curr.SubViewRankOfShardLeader(currSG, uint32(shard))
				if leaderRank != gms.RankAbsent {
					out[nextSG][shard] = int64(curr.SubgroupShardViews[currSG][shard].Members[leaderRank])
				}
			}
		}
	}
	return out
}

// sendObjectsToNewMembers ships object logs to every shard joiner for
// shards this node led in the old view.
func (m *Manager) sendObjectsToNewMembers(v *view.View, oldLeaders [][]int64) {
	myID := m.cfg.ID
	for sg := range oldLeaders {
		for shard := range oldLeaders[sg] {
			if oldLeaders[sg][shard] != int64(myID) {
				continue
			}
			if sg >= len(v.SubgroupShardViews) || shard >= len(v.SubgroupShardViews[sg]) {
				continue
			}
			for _, joiner := range v.SubgroupShardViews[sg][shard].Joined {
				if joiner == myID {
					continue
				}
				m.sendSubgroupObject(gms.SubgroupID(sg), joiner)
			}
		}
	}
}

// sendSubgroupObject streams one subgroup's log tail to a new shard
// member over its hand-off socket.
func (m *Manager) sendSubgroupObject(sg gms.SubgroupID, newNodeID gms.NodeID) {
	conn := m.memberConn(newNodeID)
	if conn == nil {
		m.logger.Warn("no member socket for object hand-off",
			zap.Uint32("subgroup", uint32(sg)), zap.Uint32("node", uint32(newNodeID)))
		return
	}
	obj, err := m.cfg.Store.Object(sg)
	if err != nil {
		m.logger.Warn("opening object log", zap.Uint32("subgroup", uint32(sg)), zap.Error(err))
		return
	}
	m.logger.Debug("sending replicated object state",
		zap.Uint32("subgroup", uint32(sg)), zap.Uint32("node", uint32(newNodeID)))
	if err := obj.SendObject(conn); err != nil {
		m.logger.Warn("sending object state", zap.Uint32("node", uint32(newNodeID)), zap.Error(err))
	}
}

// receiveObjectsFromLeaders pulls object logs for shards this node just
// joined, from each shard's old leader. assumeJoined covers the fresh
// joiner whose streamlined view carries no shard deltas.
func (m *Manager) receiveObjectsFromLeaders(v *view.View, oldLeaders [][]int64, assumeJoined bool) {
	myID := m.cfg.ID
	for sg, shardNum := range v.MySubgroups {
		if int(sg) >= len(oldLeaders) || int(shardNum) >= len(oldLeaders[sg]) {
			continue
		}
		leaderID := oldLeaders[sg][shardNum]
		if leaderID < 0 || leaderID == int64(myID) {
			continue
		}
		sv := &v.SubgroupShardViews[sg][shardNum]
		joined := assumeJoined
		for _, id := range sv.Joined {
			if id == myID {
				joined = true
				break
			}
		}
		if !joined {
			continue
		}
		conn := m.memberConn(gms.NodeID(leaderID))
		if conn == nil {
			m.logger.Warn("no socket to old shard leader",
				zap.Uint32("subgroup", uint32(sg)), zap.Int64("leader", leaderID))
			continue
		}
		obj, err := m.cfg.Store.Object(sg)
		if err != nil {
			m.logger.Warn("opening object log", zap.Uint32("subgroup", uint32(sg)), zap.Error(err))
			continue
		}
		m.logger.Debug("receiving replicated object state",
			zap.Uint32("subgroup", uint32(sg)), zap.Int64("leader", leaderID))
		if err := obj.ReceiveObject(conn); err != nil {
			m.logger.Warn("receiving object state", zap.Error(err))
		}
	}
}

// truncatePersistentLogs applies the logged ragged trims: each object
// log drops entries newer than the trim's maximum version.
func (m *Manager) truncatePersistentLogs() error {
	var outerErr error
	m.loggedTrims.Range(func(sg uint32, rt *view.RaggedTrim) bool {
		obj, err := m.cfg.Store.Object(gms.SubgroupID(sg))
		if err != nil {
			outerErr = err
			return false
		}
		maxVersion := rt.MaxVersion()
		m.logger.Debug("truncating object log to ragged trim",
			zap.Uint32("subgroup", sg), zap.Int64("version", int64(maxVersion)))
		if err := obj.Truncate(maxVersion); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}
