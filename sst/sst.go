package sst

import (
	"errors"
	"fmt"
	"sync"

	"go.tesserae.dev/trellis/spec/gms"

	"go.uber.org/zap"
)

// Replicator ships local-row updates to the other members' tables. The
// verbs layer below it is out of scope; the in-process fabric in
// memfabric.go is the only implementation shipped here.
// Tables are keyed by (node, epoch): during a view change the retiring
// epoch's table must stay addressable while the next one handshakes.
type Replicator interface {
	Attach(id gms.NodeID, epoch gms.ViewID, s *SST)
	Detach(id gms.NodeID, epoch gms.ViewID)
	// Publish delivers an encoded local-row payload from one member to
	// the listed members.
	Publish(from gms.NodeID, epoch gms.ViewID, to []gms.NodeID, payload []byte) error
	// Sync is a barrier with the listed members.
	Sync(from gms.NodeID, epoch gms.ViewID, with []gms.NodeID) error
}

// Params sizes a table for one view epoch.
type Params struct {
	Logger          *zap.Logger
	Members         []gms.NodeID // in rank order
	MyID            gms.NodeID
	Epoch           gms.ViewID
	Failed          []bool // rows born frozen
	NumSubgroups    int
	NumReceivedSize int
	// ChangesCapacity bounds the pending change ring; defaults to the
	// member count.
	ChangesCapacity int
	Replicator      Replicator
}

func (p Params) validate() error {
	if p.Logger == nil {
		return errors.New("sst: nil Logger")
	}
	if len(p.Members) == 0 {
		return errors.New("sst: empty member list")
	}
	if p.Replicator == nil {
		return errors.New("sst: nil Replicator")
	}
	if p.Failed != nil && len(p.Failed) != len(p.Members) {
		return errors.New("sst: failed bitmap length mismatch")
	}
	return nil
}

// SST is the typed per-rank register file shared across the group. Only
// the local row is writable; Push replicates selected ranges of it.
type SST struct {
	logger *zap.Logger
	repl   Replicator

	mu     sync.RWMutex
	rows   []row
	frozen []bool

	members []gms.NodeID
	myID    gms.NodeID
	myRank  int32
	epoch   gms.ViewID

	preds *Predicates

	changesCap int
}

func New(p Params) (*SST, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	changesCap := p.ChangesCapacity
	if changesCap == 0 {
		changesCap = len(p.Members)
	}
	myRank := gms.RankAbsent
	for i, id := range p.Members {
		if id == p.MyID {
			myRank = int32(i)
		}
	}
	if myRank == gms.RankAbsent {
		return nil, fmt.Errorf("sst: local node %d is not in the member list", p.MyID)
	}
	s := &SST{
		logger:     p.Logger,
		repl:       p.Replicator,
		rows:       make([]row, len(p.Members)),
		frozen:     make([]bool, len(p.Members)),
		members:    append([]gms.NodeID(nil), p.Members...),
		myID:       p.MyID,
		myRank:     myRank,
		epoch:      p.Epoch,
		changesCap: changesCap,
	}
	for i := range s.rows {
		s.rows[i] = newRow(len(p.Members), changesCap, p.NumSubgroups, p.NumReceivedSize)
	}
	for i, failed := range p.Failed {
		s.frozen[i] = failed
	}
	s.preds = newPredicates(s)
	p.Replicator.Attach(p.MyID, p.Epoch, s)
	return s, nil
}

func (s *SST) Predicates() *Predicates { return s.preds }

func (s *SST) NumRows() int { return len(s.rows) }

func (s *SST) LocalRank() int32 { return s.myRank }

func (s *SST) Members() []gms.NodeID { return s.members }

func (s *SST) ChangesCapacity() int { return s.changesCap }

func (s *SST) Epoch() gms.ViewID { return s.epoch }

// Detach stops predicate evaluation and unhooks the table from its
// replicator. Called when the view retires.
func (s *SST) Detach() {
	s.preds.Stop()
	s.repl.Detach(s.myID, s.epoch)
}

// Freeze silences inbound updates from a suspected rank. The row keeps
// its last observed values.
func (s *SST) Freeze(rank int32) {
	s.mu.Lock()
	s.frozen[rank] = true
	s.mu.Unlock()
}

func (s *SST) IsFrozen(rank int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen[rank]
}

// Push replicates the selected ranges of the local row to all live
// members. With no arguments the whole row is pushed.
func (s *SST) Push(ranges ...FieldRange) error {
	if len(ranges) == 0 {
		ranges = []FieldRange{
			Range(FieldSuspected), Range(FieldWedged), Range(FieldChanges),
			Range(FieldJoinerIPs), Range(FieldNumChanges), Range(FieldNumAcked),
			Range(FieldNumCommitted), Range(FieldNumInstalled), Range(FieldNumReceived),
			Range(FieldGlobalMin), Range(FieldGlobalMinReady), Range(FieldDeliveredNum),
			Range(FieldPersistedNum), Range(FieldVID),
		}
	}
	s.mu.RLock()
	payload, err := s.rows[s.myRank].encodeRanges(ranges)
	targets := s.liveTargetsLocked()
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.repl.Publish(s.myID, s.epoch, targets, payload)
}

// PushWithCompletion is Push with completion semantics: it returns only
// after the payload has been applied at every live member.
func (s *SST) PushWithCompletion(ranges ...FieldRange) error {
	return s.Push(ranges...)
}

// SyncWithMembers is a barrier with every live member.
func (s *SST) SyncWithMembers() error {
	s.mu.RLock()
	targets := s.liveTargetsLocked()
	s.mu.RUnlock()
	return s.repl.Sync(s.myID, s.epoch, targets)
}

func (s *SST) liveTargetsLocked() []gms.NodeID {
	targets := make([]gms.NodeID, 0, len(s.members))
	for i, id := range s.members {
		if int32(i) == s.myRank || s.frozen[i] {
			continue
		}
		targets = append(targets, id)
	}
	return targets
}

// apply installs an inbound payload into the sender's row. Frozen rows
// drop updates on the floor.
func (s *SST) apply(from gms.NodeID, payload []byte) {
	rank := gms.RankAbsent
	for i, id := range s.members {
		if id == from {
			rank = int32(i)
		}
	}
	if rank == gms.RankAbsent {
		return
	}
	s.mu.Lock()
	if s.frozen[rank] {
		s.mu.Unlock()
		return
	}
	err := s.rows[rank].applyRanges(payload)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("dropping malformed SST update", zap.Uint32("from", uint32(from)), zap.Error(err))
		return
	}
	s.preds.kickEval()
}

/* --- typed accessors; any rank for reads, local row only for writes --- */

func (s *SST) Suspected(r, who int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].suspected[who]
}

func (s *SST) SetSuspected(who int32, v bool) {
	s.mu.Lock()
	s.rows[s.myRank].suspected[who] = v
	s.mu.Unlock()
}

func (s *SST) Wedged(r int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].wedged
}

func (s *SST) SetWedged(v bool) {
	s.mu.Lock()
	s.rows[s.myRank].wedged = v
	s.mu.Unlock()
}

func (s *SST) Change(r int32, i int) gms.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].changes[i]
}

func (s *SST) SetChange(i int, id gms.NodeID) {
	s.mu.Lock()
	s.rows[s.myRank].changes[i] = id
	s.mu.Unlock()
}

func (s *SST) JoinerIP(r int32, i int) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].joinerIPs[i]
}

func (s *SST) SetJoinerIP(i int, ip uint32) {
	s.mu.Lock()
	s.rows[s.myRank].joinerIPs[i] = ip
	s.mu.Unlock()
}

func (s *SST) NumChanges(r int32) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].numChanges
}

func (s *SST) SetNumChanges(v int32) {
	s.mu.Lock()
	s.rows[s.myRank].numChanges = v
	s.mu.Unlock()
}

func (s *SST) NumAcked(r int32) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].numAcked
}

func (s *SST) SetNumAcked(v int32) {
	s.mu.Lock()
	s.rows[s.myRank].numAcked = v
	s.mu.Unlock()
}

func (s *SST) NumCommitted(r int32) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].numCommitted
}

func (s *SST) SetNumCommitted(v int32) {
	s.mu.Lock()
	s.rows[s.myRank].numCommitted = v
	s.mu.Unlock()
}

func (s *SST) NumInstalled(r int32) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].numInstalled
}

func (s *SST) SetNumInstalled(v int32) {
	s.mu.Lock()
	s.rows[s.myRank].numInstalled = v
	s.mu.Unlock()
}

func (s *SST) NumReceived(r int32, i int) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].numReceived[i]
}

func (s *SST) SetNumReceived(i int, v int32) {
	s.mu.Lock()
	s.rows[s.myRank].numReceived[i] = v
	s.mu.Unlock()
}

func (s *SST) GlobalMin(r int32, i int) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].globalMin[i]
}

func (s *SST) SetGlobalMin(i int, v int32) {
	s.mu.Lock()
	s.rows[s.myRank].globalMin[i] = v
	s.mu.Unlock()
}

func (s *SST) GlobalMinReady(r int32, sg gms.SubgroupID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].globalMinReady[sg]
}

func (s *SST) SetGlobalMinReady(sg gms.SubgroupID, v bool) {
	s.mu.Lock()
	s.rows[s.myRank].globalMinReady[sg] = v
	s.mu.Unlock()
}

func (s *SST) DeliveredNum(r int32, sg gms.SubgroupID) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].deliveredNum[sg]
}

func (s *SST) SetDeliveredNum(sg gms.SubgroupID, v int32) {
	s.mu.Lock()
	s.rows[s.myRank].deliveredNum[sg] = v
	s.mu.Unlock()
}

func (s *SST) PersistedNum(r int32, sg gms.SubgroupID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].persistedNum[sg]
}

func (s *SST) SetPersistedNum(sg gms.SubgroupID, v int64) {
	s.mu.Lock()
	s.rows[s.myRank].persistedNum[sg] = v
	s.mu.Unlock()
}

func (s *SST) VID(r int32) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[r].vid
}

func (s *SST) SetVID(v int32) {
	s.mu.Lock()
	s.rows[s.myRank].vid = v
	s.mu.Unlock()
}

// CopyChangesFrom echoes another row's proposal state into the local
// row: the change ring, the joiner IPs, num_changes, and num_committed.
func (s *SST) CopyChangesFrom(r int32) {
	s.mu.Lock()
	local := &s.rows[s.myRank]
	remote := &s.rows[r]
	copy(local.changes, remote.changes)
	copy(local.joinerIPs, remote.joinerIPs)
	local.numChanges = remote.numChanges
	local.numCommitted = remote.numCommitted
	s.mu.Unlock()
}

// InitLocalChangeProposals seeds the local proposal counters from the
// leader's row, so a fresh joiner does not mistake existing state for a
// new proposal.
func (s *SST) InitLocalChangeProposals(leaderRank int32) {
	s.mu.Lock()
	local := &s.rows[s.myRank]
	leader := &s.rows[leaderRank]
	copy(local.changes, leader.changes)
	copy(local.joinerIPs, leader.joinerIPs)
	local.numChanges = leader.numChanges
	local.numAcked = leader.numAcked
	local.numCommitted = leader.numCommitted
	local.numInstalled = leader.numInstalled
	s.mu.Unlock()
}

// InitLocalRowFromPrevious rebases the local row of a new epoch's table
// from the retiring one: the change ring shifts left past the changes
// just installed and all three proposal counters drop by that count.
func (s *SST) InitLocalRowFromPrevious(prev *SST, installed int) {
	prev.mu.RLock()
	prevLocal := prev.rows[prev.myRank]
	prev.mu.RUnlock()

	s.mu.Lock()
	local := &s.rows[s.myRank]
	for i := installed; i < len(prevLocal.changes) && i-installed < len(local.changes); i++ {
		local.changes[i-installed] = prevLocal.changes[i]
		local.joinerIPs[i-installed] = prevLocal.joinerIPs[i]
	}
	local.numChanges = prevLocal.numChanges - int32(installed)
	local.numAcked = prevLocal.numAcked - int32(installed)
	local.numCommitted = prevLocal.numCommitted - int32(installed)
	local.numInstalled = 0
	s.mu.Unlock()
}
