package viewmanager

import (
	"go.tesserae.dev/trellis/sst"

	"go.uber.org/zap"
)

// registerPredicates installs the six membership predicates on a table.
// Handles already valid are left alone, so re-registration after an
// install only fills the gaps.
func (m *Manager) registerPredicates(table *sst.SST) {
	preds := table.Predicates()

	if !m.suspectedChangedHandle.Valid() {
		m.suspectedChangedHandle = preds.Register(
			m.suspectedNotEqual,
			m.newSuspicion,
			sst.Recurrent,
		)
	}
	if !m.startJoinHandle.Valid() {
		m.startJoinHandle = preds.Register(
			func(s *sst.SST) bool { return m.iAmLeader() && m.hasPendingJoin() },
			m.leaderStartJoin,
			sst.Recurrent,
		)
	}
	if !m.rejectJoinHandle.Valid() {
		m.rejectJoinHandle = preds.Register(
			func(s *sst.SST) bool { return !m.iAmLeader() && m.hasPendingJoin() },
			m.redirectJoinAttempt,
			sst.Recurrent,
		)
	}
	if !m.changeCommitReadyHandle.Valid() {
		m.changeCommitReadyHandle = preds.Register(
			func(s *sst.SST) bool {
				return m.iAmLeader() && m.minAcked(s) > s.NumCommitted(s.LocalRank())
			},
			m.leaderCommitChange,
			sst.Recurrent,
		)
	}
	if !m.leaderProposedHandle.Valid() {
		m.leaderProposedHandle = preds.Register(
			func(s *sst.SST) bool {
				return s.NumChanges(m.leaderRank()) > s.NumAcked(s.LocalRank())
			},
			m.acknowledgeProposedChange,
			sst.Recurrent,
		)
	}
	if !m.leaderCommittedHandle.Valid() {
		m.leaderCommittedHandle = preds.Register(
			func(s *sst.SST) bool {
				return s.NumCommitted(m.leaderRank()) > s.NumInstalled(s.LocalRank())
			},
			m.startMetaWedge,
			sst.OneTime,
		)
	}
}

// removeJoinAndChangePredicates disables join admission and change
// agreement for the rest of the epoch.
func (m *Manager) removeJoinAndChangePredicates(table *sst.SST) {
	preds := table.Predicates()
	preds.Remove(m.startJoinHandle)
	preds.Remove(m.rejectJoinHandle)
	preds.Remove(m.changeCommitReadyHandle)
	preds.Remove(m.leaderProposedHandle)
	m.startJoinHandle = sst.Handle{}
	m.rejectJoinHandle = sst.Handle{}
	m.changeCommitReadyHandle = sst.Handle{}
	m.leaderProposedHandle = sst.Handle{}
}

func (m *Manager) iAmLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currView.IAmLeader()
}

func (m *Manager) leaderRank() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currView.RankOfLeader()
}

// suspectedNotEqual fires when any row carries a suspicion not yet in
// lastSuspected.
func (m *Manager) suspectedNotEqual(s *sst.SST) bool {
	m.mu.RLock()
	last := m.lastSuspected
	m.mu.RUnlock()
	for r := int32(0); r < int32(s.NumRows()); r++ {
		for who := 0; who < len(last); who++ {
			if s.Suspected(r, int32(who)) && !last[who] {
				return true
			}
		}
	}
	return false
}

// changesContains reports whether the local pending-change ring already
// names q.
func changesContains(s *sst.SST, q uint32) bool {
	me := s.LocalRank()
	pending := int(s.NumChanges(me) - s.NumInstalled(me))
	for i := 0; i < pending; i++ {
		if uint32(s.Change(me, i)) == q {
			return true
		}
	}
	return false
}

// minAcked is the lowest acknowledgement count over the non-failed rows.
func (m *Manager) minAcked(s *sst.SST) int32 {
	m.mu.RLock()
	failed := append([]bool(nil), m.currView.Failed...)
	m.mu.RUnlock()

	min := s.NumAcked(s.LocalRank())
	for r := 0; r < len(failed); r++ {
		if !failed[r] && s.NumAcked(int32(r)) < min {
			min = s.NumAcked(int32(r))
		}
	}
	return min
}

// newSuspicion aggregates everyone's suspicions into the local row,
// freezes and evicts the newly suspected, and (on the leader) proposes
// the removal.
func (m *Manager) newSuspicion(s *sst.SST) {
	m.logger.Debug("suspected[] changed")
	m.mu.Lock()
	v := m.currView

	// OR-fold every row's suspicions into ours: gossip convergence.
	n := v.NumMembers()
	for r := int32(0); r < n; r++ {
		for who := int32(0); who < n; who++ {
			if s.Suspected(r, who) {
				s.SetSuspected(who, true)
			}
		}
	}

	me := v.MyRank
	for q := int32(0); q < n; q++ {
		if !s.Suspected(me, q) || v.Failed[q] {
			continue
		}
		m.logger.Debug("new suspicion", zap.Uint32("node", uint32(v.Members[q])))
		m.lastSuspected[q] = true
		if int(v.NumFailed) >= (int(n)+1)/2 {
			m.mu.Unlock()
			m.fatal("majority of the group simultaneously failed, shutting down")
			return
		}

		s.Freeze(q)
		if v.Multicast != nil {
			v.Multicast.Wedge()
		}
		s.SetWedged(true)
		v.Failed[q] = true
		v.NumFailed++

		if int(v.NumFailed) >= (int(n)+1)/2 {
			m.mu.Unlock()
			m.fatal("potential partitioning event: this node is no longer in the majority and must shut down")
			return
		}

		if err := s.Push(sst.Range(sst.FieldSuspected), sst.Range(sst.FieldWedged)); err != nil {
			m.logger.Warn("pushing suspicion state", zap.Error(err))
		}

		if v.IAmLeader() && !changesContains(s, uint32(v.Members[q])) {
			nextChangeIndex := int(s.NumChanges(me) - s.NumInstalled(me))
			if nextChangeIndex == s.ChangesCapacity() {
				m.mu.Unlock()
				m.fatal("ran out of room in the pending changes list")
				return
			}
			s.SetChange(nextChangeIndex, v.Members[q])
			s.SetNumChanges(s.NumChanges(me) + 1)
			m.logger.Debug("leader proposed removing failed node", zap.Uint32("node", uint32(v.Members[q])))
			if err := s.Push(
				sst.Slice(sst.FieldChanges, nextChangeIndex, 1),
				sst.Range(sst.FieldNumChanges),
			); err != nil {
				m.logger.Warn("pushing change proposal", zap.Error(err))
			}
		}
	}
	m.mu.Unlock()
}

// leaderCommitChange advances the commit counter to the minimum
// acknowledged count.
func (m *Manager) leaderCommitChange(s *sst.SST) {
	min := m.minAcked(s)
	s.SetNumCommitted(min)
	m.logger.Debug("leader committing change proposal", zap.Int32("num_committed", min))
	if err := s.Push(sst.Range(sst.FieldNumCommitted)); err != nil {
		m.logger.Warn("pushing commit", zap.Error(err))
	}
}

// acknowledgeProposedChange echoes the leader's proposal into the local
// row, acknowledges it, and wedges the view.
func (m *Manager) acknowledgeProposedChange(s *sst.SST) {
	me := s.LocalRank()
	leader := m.leaderRank()
	m.logger.Debug("acknowledging leader proposal", zap.Int32("num_changes", s.NumChanges(leader)))
	if me != leader {
		s.CopyChangesFrom(leader)
	}
	s.SetNumAcked(s.NumChanges(me))
	if err := s.Push(
		sst.Range(sst.FieldChanges),
		sst.Range(sst.FieldJoinerIPs),
		sst.Range(sst.FieldNumChanges),
		sst.Range(sst.FieldNumCommitted),
		sst.Range(sst.FieldNumAcked),
	); err != nil {
		m.logger.Warn("pushing acknowledgement", zap.Error(err))
	}

	m.logger.Debug("wedging current view")
	m.mu.RLock()
	if err := m.currView.Wedge(); err != nil {
		m.logger.Warn("wedging view", zap.Error(err))
	}
	m.mu.RUnlock()
}
