package viewmanager

import (
	"fmt"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/transport"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/util"
	"go.tesserae.dev/trellis/view"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// leaderStartJoin moves one pending socket into the proposed set and
// runs join admission on it.
func (m *Manager) leaderStartJoin(s *sst.SST) {
	m.logger.Debug("handling a new client connection")
	conn := m.popPendingJoin()
	if conn == nil {
		return
	}
	m.proposedJoins = append(m.proposedJoins, conn)
	if !m.receiveJoin(s, conn) {
		m.proposedJoins = m.proposedJoins[:len(m.proposedJoins)-1]
		conn.Close()
	}
}

// receiveJoin admits one joiner: ID collision check, change proposal
// with the packed joiner address, wedge, publish.
func (m *Manager) receiveJoin(s *sst.SST, conn transport.Conn) bool {
	me := s.LocalRank()
	if int(s.NumChanges(me)-s.NumCommitted(me)) == s.ChangesCapacity() {
		m.fatal("too many pending changes to allow a join right now")
		return false
	}

	joinerID, err := conn.ReadUint32()
	if err != nil {
		m.logger.Warn("joiner hung up before sending its ID", zap.Error(err))
		return false
	}

	m.mu.RLock()
	v := m.currView
	inUse := v.RankOf(gms.NodeID(joinerID)) != gms.RankAbsent
	myID := v.MyID()
	m.mu.RUnlock()

	if inUse {
		m.logger.Warn("joiner announced an ID that is already in the view",
			zap.String("remote", conn.RemoteIP()), zap.Uint32("id", joinerID))
		if err := conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinIDInUse, LeaderID: myID}); err != nil {
			m.logger.Warn("replying to duplicate joiner", zap.Error(err))
		}
		return false
	}
	if err := conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinOK, LeaderID: myID}); err != nil {
		m.logger.Warn("replying to joiner", zap.Error(err))
		return false
	}

	packedIP, err := util.PackIPv4(conn.RemoteIP())
	if err != nil {
		m.logger.Warn("joiner address is not IPv4", zap.String("remote", conn.RemoteIP()), zap.Error(err))
		return false
	}

	m.logger.Debug("proposing change to add node", zap.Uint32("id", joinerID))
	nextChange := int(s.NumChanges(me) - s.NumInstalled(me))
	s.SetChange(nextChange, gms.NodeID(joinerID))
	s.SetJoinerIP(nextChange, packedIP)
	s.SetNumChanges(s.NumChanges(me) + 1)

	m.mu.RLock()
	if err := m.currView.Wedge(); err != nil {
		m.logger.Warn("wedging view", zap.Error(err))
	}
	m.mu.RUnlock()

	if err := s.Push(
		sst.Range(sst.FieldChanges),
		sst.Range(sst.FieldJoinerIPs),
		sst.Range(sst.FieldNumChanges),
	); err != nil {
		m.logger.Warn("pushing join proposal", zap.Error(err))
	}
	return true
}

// redirectJoinAttempt tells a joiner who the leader is.
func (m *Manager) redirectJoinAttempt(s *sst.SST) {
	conn := m.popPendingJoin()
	if conn == nil {
		return
	}
	defer conn.Close()

	if _, err := conn.ReadUint32(); err != nil {
		return
	}
	m.mu.RLock()
	myID := m.currView.MyID()
	leaderIP := m.currView.MemberIPs[m.currView.RankOfLeader()]
	m.mu.RUnlock()

	if err := conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinLeaderRedirect, LeaderID: myID}); err != nil {
		return
	}
	if err := conn.WriteSized([]byte(leaderIP)); err != nil {
		m.logger.Warn("sending leader redirect", zap.Error(err))
	}
}

// commitJoin heartbeats a committed joiner and sends it the new view and
// parameters. The shard-leaders vector follows later in the install.
func (m *Manager) commitJoin(next *view.View, conn transport.Conn) error {
	m.logger.Debug("sending committed joiner the new view", zap.Int32("vid", int32(next.VID)))
	if _, err := conn.Exchange(m.cfg.ID); err != nil {
		return fmt.Errorf("%w: %s", gms.ErrJoinerCrashed, err)
	}
	if err := conn.WriteSized(next.MarshalStreamlined()); err != nil {
		return fmt.Errorf("%w: %s", gms.ErrJoinerCrashed, err)
	}
	if err := conn.WriteSized(m.cfg.Params.Marshal()); err != nil {
		return fmt.Errorf("%w: %s", gms.ErrJoinerCrashed, err)
	}
	return nil
}

// receiveConfiguration is the joiner's half of the join protocol: dial
// the contact, follow leader redirects up to the configured cap, then
// receive the view, parameters, and (in restart mode) the trim set.
func (m *Manager) receiveConfiguration(contactAddr string) (isRestart bool, leaderConn transport.Conn, err error) {
	addr := contactAddr
	var conn transport.Conn
	var resp gms.JoinResponse

	for attempt := 0; ; attempt++ {
		if attempt > m.cfg.RedirectLimit {
			return false, nil, gms.ErrRedirectLoop
		}
		conn, err = m.dialWithRetry(addr)
		if err != nil {
			return false, nil, err
		}
		m.logger.Debug("connected, exchanging IDs", zap.String("addr", addr))
		if err = conn.WriteUint32(uint32(m.cfg.ID)); err != nil {
			conn.Close()
			return false, nil, err
		}
		resp, err = conn.ReadJoinResponse()
		if err != nil {
			conn.Close()
			return false, nil, err
		}
		if resp.Code != gms.JoinLeaderRedirect {
			break
		}
		leaderIP, rerr := conn.ReadSized()
		conn.Close()
		if rerr != nil {
			return false, nil, rerr
		}
		addr = m.memberAddr(string(leaderIP))
		m.logger.Debug("redirected to the leader", zap.String("addr", addr))
	}

	switch resp.Code {
	case gms.JoinIDInUse:
		conn.Close()
		m.logger.Error("leader refused connection: ID already in use", zap.Uint32("id", uint32(m.cfg.ID)))
		return false, nil, gms.ErrIDInUse
	case gms.JoinTotalRestart:
		isRestart = true
		if err = m.sendRestartState(conn); err != nil {
			conn.Close()
			return false, nil, err
		}
	case gms.JoinOK:
	default:
		conn.Close()
		return false, nil, fmt.Errorf("viewmanager: unexpected join response %s", resp.Code)
	}

	// Heartbeat: assures the leader we are alive when it is ready to
	// send the view.
	if _, err = conn.Exchange(m.cfg.ID); err != nil {
		conn.Close()
		return false, nil, err
	}

	viewBytes, err := conn.ReadSized()
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	var received *view.View
	if isRestart {
		received, err = view.Unmarshal(viewBytes)
	} else {
		received, err = view.UnmarshalStreamlined(viewBytes)
	}
	if err != nil {
		conn.Close()
		return false, nil, err
	}

	paramBytes, err := conn.ReadSized()
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	params, err := UnmarshalGroupParams(paramBytes)
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	m.cfg.Params = params

	if isRestart {
		m.logger.Debug("receiving ragged trims from the restart leader")
		if err = m.receiveTrims(conn); err != nil {
			conn.Close()
			return false, nil, err
		}
	}

	leadersBytes, err := conn.ReadSized()
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	leaders, err := unmarshalShardLeaders(leadersBytes)
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	m.oldShardLeaders = leaders
	m.currView = received
	return isRestart, conn, nil
}

func (m *Manager) dialWithRetry(addr string) (transport.Conn, error) {
	return retry.DoWithData(func() (transport.Conn, error) {
		return m.cfg.Dialer(addr)
	},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			m.logger.Warn("retrying connect", zap.String("addr", addr), zap.Uint("attempt", attempt), zap.Error(err))
		}),
	)
}

// sendRestartState ships our persisted view and ragged trims to the
// restart leader.
func (m *Manager) sendRestartState(conn transport.Conn) error {
	if m.currView == nil {
		return gms.ErrMissingRaggedTrim
	}
	m.logger.Debug("in restart mode, sending persisted view to leader", zap.Int32("vid", int32(m.currView.VID)))
	if err := conn.WriteSized(m.currView.Marshal()); err != nil {
		return err
	}
	m.currView.MyRank = m.currView.RankOf(m.cfg.ID)
	layout.DeriveSettings(m.currView)
	if err := m.loadRaggedTrims(); err != nil {
		return err
	}
	trims := m.collectTrims()
	if err := conn.WriteUint64(uint64(len(trims))); err != nil {
		return err
	}
	for _, rt := range trims {
		if err := conn.WriteSized(rt.Marshal()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) receiveTrims(conn transport.Conn) error {
	m.loggedTrims = newTrimMap()
	count, err := conn.ReadUint64()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		data, err := conn.ReadSized()
		if err != nil {
			return err
		}
		rt, err := view.UnmarshalRaggedTrim(data)
		if err != nil {
			return err
		}
		m.loggedTrims.Store(uint32(rt.SubgroupID), rt)
	}
	return nil
}

// loadRaggedTrims loads the trim slot of every subgroup this node
// belongs to; a missing slot means recovery is impossible.
func (m *Manager) loadRaggedTrims() error {
	for sg := range m.currView.MySubgroups {
		rt, err := m.cfg.Store.LoadRaggedTrim(sg)
		if err != nil {
			return err
		}
		if rt == nil {
			m.logger.Error("no ragged trim information found", zap.Uint32("subgroup", uint32(sg)))
			return gms.ErrMissingRaggedTrim
		}
		m.loggedTrims.Store(uint32(sg), rt)
	}
	return nil
}

func (m *Manager) collectTrims() []*view.RaggedTrim {
	var out []*view.RaggedTrim
	m.loggedTrims.Range(func(_ uint32, rt *view.RaggedTrim) bool {
		out = append(out, rt)
		return true
	})
	return out
}

// awaitFirstView is leader bootstrap: accumulate joiners until the
// layout is adequate, heartbeat-check them, and send everyone the first
// view. A joiner crash rebuilds the candidate and resumes accepting.
func (m *Manager) awaitFirstView() error {
	type waiter struct {
		conn transport.Conn
		id   gms.NodeID
		ip   string
	}
	var waiting []waiter
	lastChecked := 0

	_, _, err := layout.MakeSubgroupMaps(m.cfg.Allocator, nil, m.currView)
	if err != nil && err != gms.ErrInadequateView {
		return err
	}

	for {
		for !m.currView.Adequate {
			conn, err := m.cfg.Listener.Accept()
			if err != nil {
				return err
			}
			joinerID, err := conn.ReadUint32()
			if err != nil {
				conn.Close()
				continue
			}
			if m.currView.RankOf(gms.NodeID(joinerID)) != gms.RankAbsent {
				conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinIDInUse, LeaderID: m.cfg.ID})
				conn.Close()
				continue
			}
			if err := conn.WriteJoinResponse(gms.JoinResponse{Code: gms.JoinOK, LeaderID: m.cfg.ID}); err != nil {
				conn.Close()
				continue
			}
			joinerIP := conn.RemoteIP()
			m.currView = view.New(0,
				append(append([]gms.NodeID(nil), m.currView.Members...), gms.NodeID(joinerID)),
				append(append([]string(nil), m.currView.MemberIPs...), joinerIP),
				nil,
				append(append([]gms.NodeID(nil), m.currView.Joined...), gms.NodeID(joinerID)),
				nil, 0, 0)
			m.currView.IKnowIAmLeader = true
			if _, _, err := layout.MakeSubgroupMaps(m.cfg.Allocator, nil, m.currView); err != nil && err != gms.ErrInadequateView {
				return err
			}
			waiting = append(waiting, waiter{conn: conn, id: gms.NodeID(joinerID), ip: joinerIP})
		}

		// Enough joiners for an adequate view: heartbeat the ones not
		// yet checked to catch any that crashed while waiting.
		joinerFailed := false
		for i := lastChecked; i < len(waiting); i++ {
			if _, err := waiting[i].conn.Exchange(m.cfg.ID); err != nil {
				m.logger.Warn("joiner crashed while waiting for the first view",
					zap.Uint32("id", uint32(waiting[i].id)), zap.Error(err))
				failed := waiting[i]
				failed.conn.Close()
				waiting = append(waiting[:i], waiting[i+1:]...)
				m.currView = filterBootstrapView(m.currView, failed.id)
				if _, _, err := layout.MakeSubgroupMaps(m.cfg.Allocator, nil, m.currView); err != nil && err != gms.ErrInadequateView {
					return err
				}
				lastChecked = i
				joinerFailed = true
				break
			}
			lastChecked = i + 1
		}
		if joinerFailed {
			continue
		}

		m.currView.MyRank = m.currView.RankOf(m.cfg.ID)
		for _, w := range waiting {
			if err := w.conn.WriteSized(m.currView.MarshalStreamlined()); err != nil {
				m.logger.Warn("sending first view", zap.Uint32("id", uint32(w.id)), zap.Error(err))
				continue
			}
			if err := w.conn.WriteSized(m.cfg.Params.Marshal()); err != nil {
				continue
			}
			// No old shard leaders exist at bootstrap.
			if err := w.conn.WriteSized(marshalShardLeaders(nil)); err != nil {
				continue
			}
			m.rememberMemberConn(w.id, w.conn)
		}
		return nil
	}
}

// filterBootstrapView rebuilds the vid-0 candidate without one joiner.
func filterBootstrapView(v *view.View, failedID gms.NodeID) *view.View {
	members := make([]gms.NodeID, 0, len(v.Members)-1)
	ips := make([]string, 0, len(v.MemberIPs)-1)
	joined := make([]gms.NodeID, 0, len(v.Joined)-1)
	for i, id := range v.Members {
		if id == failedID {
			continue
		}
		members = append(members, id)
		ips = append(ips, v.MemberIPs[i])
	}
	for _, id := range v.Joined {
		if id != failedID {
			joined = append(joined, id)
		}
	}
	out := view.New(0, members, ips, nil, joined, nil, 0, 0)
	out.IKnowIAmLeader = v.IKnowIAmLeader
	return out
}
