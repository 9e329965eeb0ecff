package viewmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/transport"
	"go.tesserae.dev/trellis/view"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// awaitRejoiningNodes is the restart leader's admission loop: accept
// rejoining nodes until a strict majority of the last known view is
// back and the candidate layout is adequate, heartbeat every waiting
// socket, then distribute the recovery view, parameters, trim set, and
// shard-leader vector.
func (m *Manager) awaitRejoiningNodes() error {
	waiting := make(map[gms.NodeID]transport.Conn)
	checked := make(map[gms.NodeID]bool)
	rejoined := map[gms.NodeID]bool{m.cfg.ID: true}
	lastKnown := make(map[gms.NodeID]bool)
	for _, id := range m.currView.Members {
		lastKnown[id] = true
	}

	var restartView *view.View
	readyToRestart := false
	timeRemaining := m.cfg.RestartTimeout

	for timeRemaining > 0 {
		start := time.Now()
		conn, err := m.cfg.Listener.TryAccept(timeRemaining)
		timeRemaining -= time.Since(start)
		if err != nil {
			if !errors.Is(err, transport.ErrAcceptTimeout) {
				return err
			}
			if !readyToRestart {
				// Below quorum: keep the window open.
				timeRemaining = m.cfg.RestartTimeout
			}
			continue
		}

		joinerID, err := m.admitRejoiner(conn)
		if err != nil {
			m.logger.Warn("rejoining node failed mid-handshake", zap.Error(err))
			conn.Close()
			continue
		}
		if old, dup := waiting[joinerID]; dup {
			old.Close()
			delete(checked, joinerID)
		}
		waiting[joinerID] = conn
		rejoined[joinerID] = true
		// The adopted view may have changed the membership universe.
		for id := range lastKnown {
			delete(lastKnown, id)
		}
		for _, id := range m.currView.Members {
			lastKnown[id] = true
		}

		quorum := len(lastKnown)/2 + 1
		returned := 0
		for id := range rejoined {
			if lastKnown[id] {
				returned++
			}
		}
		if returned >= quorum {
			restartView, err = m.updateCurrAndNextRestartView(waiting, rejoined)
			if err != nil {
				return err
			}
			_, _, layoutErr := layout.MakeSubgroupMaps(m.cfg.Allocator, m.currView, restartView)
			// Keep waiting past quorum while the candidate would be
			// inadequate.
			readyToRestart = layoutErr == nil
			if layoutErr != nil && !errors.Is(layoutErr, gms.ErrInadequateView) {
				return layoutErr
			}
		}

		if readyToRestart {
			failedIDs := m.heartbeatWaiting(waiting, checked)
			for _, id := range failedIDs {
				m.logger.Warn("rejoined node crashed before restart", zap.Uint32("id", uint32(id)))
				waiting[id].Close()
				delete(waiting, id)
				delete(rejoined, id)
				delete(checked, id)
				readyToRestart = false
			}
		}

		if readyToRestart && returned == len(lastKnown) {
			break
		}
	}

	if restartView == nil || !readyToRestart {
		return fmt.Errorf("viewmanager: restart window closed without an installable view")
	}
	m.logger.Debug("reached a quorum of the last known view",
		zap.Int32("last_vid", int32(m.currView.VID)), zap.Int32("next_vid", int32(restartView.VID)))

	// Any socket admitted after its round's heartbeat still owes one.
	for _, id := range sortedIDs(waiting) {
		if checked[id] {
			continue
		}
		if _, err := waiting[id].Exchange(m.cfg.ID); err != nil {
			return fmt.Errorf("%w: node %d", gms.ErrJoinerCrashed, id)
		}
		checked[id] = true
	}

	m.oldShardLeaders = shardLeadersByID(m.currView, restartView)
	trims := m.collectTrims()
	leadersBytes := marshalShardLeaders(m.oldShardLeaders)
	viewBytes := restartView.Marshal()
	paramBytes := m.cfg.Params.Marshal()

	for _, id := range sortedIDs(waiting) {
		conn := waiting[id]
		m.logger.Debug("sending post-recovery view", zap.Uint32("node", uint32(id)), zap.Int32("vid", int32(restartView.VID)))
		if err := conn.WriteSized(viewBytes); err != nil {
			return err
		}
		if err := conn.WriteSized(paramBytes); err != nil {
			return err
		}
		if err := conn.WriteUint64(uint64(len(trims))); err != nil {
			return err
		}
		for _, rt := range trims {
			if err := conn.WriteSized(rt.Marshal()); err != nil {
				return err
			}
		}
		if err := conn.WriteSized(leadersBytes); err != nil {
			return err
		}
		m.rememberMemberConn(id, conn)
	}

	m.currView = restartView
	return nil
}

// admitRejoiner runs the restart half of the join handshake: announce
// TOTAL_RESTART, receive the node's persisted view and trims, and adopt
// them when newer than ours.
func (m *Manager) admitRejoiner(conn transport.Conn) (gms.NodeID, error) {
	joinerID, err := conn.ReadUint32()
	if err != nil {
		return 0, err
	}
	if err := conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinTotalRestart, LeaderID: m.cfg.ID}); err != nil {
		return 0, err
	}
	m.logger.Debug("node rejoined", zap.Uint32("id", joinerID))

	viewBytes, err := conn.ReadSized()
	if err != nil {
		return 0, err
	}
	clientView, err := view.Unmarshal(viewBytes)
	if err != nil {
		return 0, err
	}

	count, err := conn.ReadUint64()
	if err != nil {
		return 0, err
	}
	if clientView.VID <= m.currView.VID {
		// Ours is newer: drain and discard the client's trims.
		for i := uint64(0); i < count; i++ {
			if _, err := conn.ReadSized(); err != nil {
				return 0, err
			}
		}
	} else {
		m.logger.Debug("adopting newer view from rejoining node",
			zap.Uint32("id", joinerID), zap.Int32("vid", int32(clientView.VID)))
		clientView.MyRank = clientView.RankOf(m.cfg.ID)
		if clientView.MyRank == gms.RankAbsent {
			return 0, gms.ErrRecoveryLeaderExcluded
		}
		clientView.IKnowIAmLeader = m.currView.IKnowIAmLeader
		m.currView = clientView
		m.loggedTrims = newTrimMap()
		for i := uint64(0); i < count; i++ {
			data, err := conn.ReadSized()
			if err != nil {
				return 0, err
			}
			rt, err := view.UnmarshalRaggedTrim(data)
			if err != nil {
				return 0, err
			}
			m.loggedTrims.Store(uint32(rt.SubgroupID), rt)
		}
	}
	return gms.NodeID(joinerID), nil
}

// heartbeatWaiting exchanges with every not-yet-checked socket and
// reports the ones that failed.
func (m *Manager) heartbeatWaiting(waiting map[gms.NodeID]transport.Conn, checked map[gms.NodeID]bool) []gms.NodeID {
	var (
		mu     sync.Mutex
		failed []gms.NodeID
	)
	var eg errgroup.Group
	for _, id := range sortedIDs(waiting) {
		if checked[id] {
			continue
		}
		id := id
		conn := waiting[id]
		checked[id] = true
		eg.Go(func() error {
			if _, err := conn.Exchange(m.cfg.ID); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// updateCurrAndNextRestartView reconciles the last known view with the
// set of rejoined nodes: returning members are unfailed, never-seen
// joiners are added fresh, and silent members are marked failed. The
// result is the candidate recovery view.
func (m *Manager) updateCurrAndNextRestartView(waiting map[gms.NodeID]transport.Conn, rejoined map[gms.NodeID]bool) (*view.View, error) {
	curr := m.currView

	var joinIDs []gms.NodeID
	var joinIPs []string
	for _, id := range sortedIDs(waiting) {
		rank := curr.RankOf(id)
		if rank == gms.RankAbsent {
			joinIDs = append(joinIDs, id)
			joinIPs = append(joinIPs, waiting[id].RemoteIP())
		} else if curr.Failed[rank] {
			curr.Failed[rank] = false
			curr.NumFailed--
		}
	}
	for rank, id := range curr.Members {
		if !rejoined[id] && !curr.Failed[rank] {
			curr.Failed[rank] = true
			curr.NumFailed++
		}
	}
	return view.MakeNextViewWithJoiners(curr, joinIDs, joinIPs)
}

func sortedIDs(waiting map[gms.NodeID]transport.Conn) []gms.NodeID {
	ids := make([]gms.NodeID, 0, len(waiting))
	for id := range waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
