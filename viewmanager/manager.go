package viewmanager

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/multicast"
	specregistry "go.tesserae.dev/trellis/spec/registry"
	"go.tesserae.dev/trellis/spec/transport"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/view"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ViewUpcall is invoked synchronously on every view install, holding the
// shared view lock.
type ViewUpcall func(*view.View)

func newTrimMap() *skipmap.Uint32Map[*view.RaggedTrim] {
	return skipmap.NewUint32[*view.RaggedTrim]()
}

// DurableStore is the slice of the persistence layer the manager drives:
// the view slot, the per-subgroup ragged-trim slots, and object logs.
// *registry.Store satisfies it.
type DurableStore interface {
	SaveView(*view.View) error
	LoadView() (*view.View, error)
	SaveRaggedTrim(*view.RaggedTrim) error
	LoadRaggedTrim(gms.SubgroupID) (*view.RaggedTrim, error)
	Object(gms.SubgroupID) (specregistry.ObjectLog, error)
}

type Config struct {
	Logger *zap.Logger
	ID     gms.NodeID

	// Addr is the advertised IPv4 address, without port: the member
	// address column carries packed 32-bit addresses, so every member
	// listens on the same GroupPort.
	Addr      string
	GroupPort int

	Listener         transport.Listener
	Dialer           transport.Dialer
	Replicator       sst.Replicator
	MulticastFactory multicast.Factory
	Allocator        layout.Allocator
	Store            DurableStore

	Params GroupParams

	// RestartTimeout is the restart leader's accept window; it resets
	// while below quorum.
	RestartTimeout time.Duration
	// RedirectLimit caps leader-redirect reconnects during a join.
	RedirectLimit int
	// ChangesCapacity bounds the pending change ring (0: member count).
	ChangesCapacity int
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("viewmanager: nil Config")
	}
	if c.Logger == nil {
		return errors.New("viewmanager: nil Logger")
	}
	if c.ID == 0 {
		return errors.New("viewmanager: zero node ID")
	}
	if c.Addr == "" {
		return errors.New("viewmanager: empty advertised address")
	}
	if c.GroupPort <= 0 {
		return errors.New("viewmanager: invalid group port")
	}
	if c.Listener == nil {
		return errors.New("viewmanager: nil Listener")
	}
	if c.Dialer == nil {
		return errors.New("viewmanager: nil Dialer")
	}
	if c.Replicator == nil {
		return errors.New("viewmanager: nil Replicator")
	}
	if c.MulticastFactory == nil {
		return errors.New("viewmanager: nil MulticastFactory")
	}
	if c.Allocator == nil {
		return errors.New("viewmanager: nil Allocator")
	}
	if c.Store == nil {
		return errors.New("viewmanager: nil Store")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RestartTimeout <= 0 {
		out.RestartTimeout = 2 * time.Second
	}
	if out.RedirectLimit <= 0 {
		out.RedirectLimit = 10
	}
	return out
}

// Manager orchestrates group membership: join admission, failure
// detection, change agreement, epoch termination, view installation, and
// total restart.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	// mu is the view mutex: shared for reads of currView, exclusive
	// around the currView/nextView swap.
	mu       sync.RWMutex
	currView *view.View
	nextView *view.View

	// lastSuspected mirrors the suspicions already acted upon.
	lastSuspected []bool

	pendingMu     sync.Mutex
	pendingJoins  []transport.Conn
	proposedJoins []transport.Conn // predicate-goroutine only

	oldViewsMu   sync.Mutex
	oldViewsCond *sync.Cond
	oldViews     []*view.View

	viewChangeMu   sync.Mutex
	viewChangeCond *sync.Cond

	upcallsMu sync.RWMutex
	upcalls   []ViewUpcall

	// loggedTrims carries ragged-trim records between epoch
	// termination / restart and log truncation.
	loggedTrims *skipmap.Uint32Map[*view.RaggedTrim]

	// memberConns are post-install hand-off sockets to members,
	// keyed by node ID; used to ship object logs to shard joiners.
	memberConnsMu sync.Mutex
	memberConns   map[gms.NodeID]transport.Conn

	// settings of the current epoch's shards this node belongs to.
	settings        map[gms.SubgroupID]multicast.Settings
	numReceivedSize uint32
	nextSettings    map[gms.SubgroupID]multicast.Settings
	nextNumReceived uint32

	oldShardLeaders [][]int64
	freshJoin       bool

	shutdown *atomic.Bool
	wg       sync.WaitGroup

	suspectedChangedHandle  sst.Handle
	startJoinHandle         sst.Handle
	rejectJoinHandle        sst.Handle
	changeCommitReadyHandle sst.Handle
	leaderProposedHandle    sst.Handle
	leaderCommittedHandle   sst.Handle

	// fatal aborts the process on unrecoverable protocol errors;
	// overridable in tests.
	fatal func(msg string, fields ...zap.Field)
}

func newManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		logger:      cfg.Logger,
		cfg:         cfg,
		loggedTrims: newTrimMap(),
		memberConns: make(map[gms.NodeID]transport.Conn),
		shutdown:    atomic.NewBool(false),
	}
	m.oldViewsCond = sync.NewCond(&m.oldViewsMu)
	m.viewChangeCond = sync.NewCond(&m.viewChangeMu)
	m.fatal = func(msg string, fields ...zap.Field) {
		m.logger.Fatal(msg, fields...)
	}
	return m, nil
}

// NewLeader boots the group's first node. With a persisted view on disk
// it runs the total-restart protocol instead, reconstituting a quorum of
// the last known membership.
func NewLeader(cfg Config) (*Manager, error) {
	m, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	saved, err := m.cfg.Store.LoadView()
	if err != nil {
		return nil, err
	}
	if saved != nil {
		m.logger.Info("found view on disk, attempting total restart", zap.Int32("vid", int32(saved.VID)))
		saved.MyRank = saved.RankOf(m.cfg.ID)
		if saved.MyRank == gms.RankAbsent {
			return nil, gms.ErrRecoveryLeaderExcluded
		}
		m.currView = saved
		// The persisted layout carries no per-node state; recompute the
		// shard map before looking for this node's trim slots.
		layout.DeriveSettings(saved)
		if err := m.loadRaggedTrims(); err != nil {
			return nil, err
		}
		if err := m.awaitRejoiningNodes(); err != nil {
			return nil, err
		}
	} else {
		m.currView = view.New(0, []gms.NodeID{m.cfg.ID}, []string{m.cfg.Addr}, nil, nil, nil, 0, 0)
		m.currView.IKnowIAmLeader = true
		if err := m.awaitFirstView(); err != nil {
			return nil, err
		}
	}
	m.currView.MyRank = m.currView.RankOf(m.cfg.ID)
	if err := m.installInitial(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewFollower boots a node that joins an existing group through the
// given contact address (redirected to the leader as needed).
func NewFollower(cfg Config, contactAddr string) (*Manager, error) {
	m, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	saved, err := m.cfg.Store.LoadView()
	if err != nil {
		return nil, err
	}
	m.currView = saved // may be nil; only used in restart mode

	isRestart, leaderConn, err := m.receiveConfiguration(contactAddr)
	if err != nil {
		return nil, err
	}
	m.currView.MyRank = m.currView.RankOf(m.cfg.ID)
	if m.currView.MyRank == gms.RankAbsent {
		leaderConn.Close()
		return nil, fmt.Errorf("viewmanager: node %d is not in the received view", m.cfg.ID)
	}
	m.rememberMemberConn(m.currView.LeaderID(), leaderConn)
	m.freshJoin = !isRestart
	if !isRestart {
		// The streamlined view carries no layout; compute it locally.
		if _, _, err := layout.MakeSubgroupMaps(m.cfg.Allocator, nil, m.currView); err != nil {
			return nil, err
		}
	}
	if err := m.installInitial(); err != nil {
		return nil, err
	}
	return m, nil
}

// installInitial persists the view, builds its SST and multicast, and
// publishes the initial local row.
func (m *Manager) installInitial() error {
	v := m.currView
	if err := m.cfg.Store.SaveView(v); err != nil {
		return err
	}
	m.lastSuspected = make([]bool, len(v.Members))

	settings, numReceived := layout.DeriveSettings(v)
	m.settings = settings
	m.numReceivedSize = numReceived

	if err := m.bindEpoch(v, nil); err != nil {
		return err
	}
	v.SST.SetVID(int32(v.VID))
	return nil
}

// bindEpoch constructs and attaches the SST and multicast group of a
// view. prev donates in-flight multicast sender state on view change.
func (m *Manager) bindEpoch(v *view.View, prev multicast.Group) error {
	table, err := sst.New(sst.Params{
		Logger:          m.logger.With(zap.Int32("epoch", int32(v.VID))),
		Members:         v.Members,
		MyID:            m.cfg.ID,
		Epoch:           v.VID,
		Failed:          v.Failed,
		NumSubgroups:    len(v.SubgroupShardViews),
		NumReceivedSize: int(m.currentNumReceived(v)),
		ChangesCapacity: m.cfg.ChangesCapacity,
		Replicator:      m.cfg.Replicator,
	})
	if err != nil {
		return err
	}
	group, err := m.cfg.MulticastFactory(multicast.Config{
		Members:  v.Members,
		MyRank:   v.MyRank,
		Settings: m.currentSettings(v),
		Prev:     prev,
	})
	if err != nil {
		table.Detach()
		return err
	}
	v.SST = table
	v.Multicast = group
	return nil
}

func (m *Manager) currentSettings(v *view.View) map[gms.SubgroupID]multicast.Settings {
	if v == m.nextView && m.nextSettings != nil {
		return m.nextSettings
	}
	return m.settings
}

func (m *Manager) currentNumReceived(v *view.View) uint32 {
	if v == m.nextView && m.nextSettings != nil {
		return m.nextNumReceived
	}
	return m.numReceivedSize
}

// FinishSetup publishes the initial row, synchronizes with members,
// starts the background threads, and announces the first view.
func (m *Manager) FinishSetup() error {
	m.mu.RLock()
	v := m.currView
	m.mu.RUnlock()

	if err := v.SST.Push(); err != nil {
		return err
	}
	if err := v.SST.SyncWithMembers(); err != nil {
		return err
	}
	if v.VID != 0 {
		// Adopt the leader's proposal counters, or the row would read
		// as a fresh proposal the moment predicates start.
		v.SST.InitLocalChangeProposals(v.RankOfLeader())
		if err := v.SST.Push(); err != nil {
			return err
		}
	}

	m.createThreads()
	m.registerPredicates(v.SST)

	m.mu.RLock()
	m.runViewUpcalls(m.currView)
	m.mu.RUnlock()
	return nil
}

// Start truncates logs and ships objects when restart state is pending,
// then begins predicate evaluation.
func (m *Manager) Start() error {
	if m.trimCount() > 0 {
		if err := m.truncatePersistentLogs(); err != nil {
			return err
		}
		m.loggedTrims = newTrimMap()
	}
	if m.oldShardLeaders != nil {
		m.mu.RLock()
		v := m.currView
		m.mu.RUnlock()
		m.sendObjectsToNewMembers(v, m.oldShardLeaders)
		m.receiveObjectsFromLeaders(v, m.oldShardLeaders, m.freshJoin)
		m.oldShardLeaders = nil
		m.freshJoin = false
	}
	m.logger.Debug("starting predicate evaluation")
	m.mu.RLock()
	m.currView.SST.Predicates().Start()
	m.mu.RUnlock()
	return nil
}

func (m *Manager) trimCount() int {
	n := 0
	m.loggedTrims.Range(func(uint32, *view.RaggedTrim) bool {
		n++
		return true
	})
	return n
}

func (m *Manager) createThreads() {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		for !m.shutdown.Load() {
			conn, err := m.cfg.Listener.Accept()
			if err != nil {
				if m.shutdown.Load() {
					return
				}
				m.logger.Warn("accept failed", zap.Error(err))
				continue
			}
			if m.shutdown.Load() {
				conn.Close()
				return
			}
			m.logger.Debug("client connection accepted", zap.String("remote", conn.RemoteIP()))
			m.pendingMu.Lock()
			m.pendingJoins = append(m.pendingJoins, conn)
			m.pendingMu.Unlock()
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			m.oldViewsMu.Lock()
			for len(m.oldViews) == 0 && !m.shutdown.Load() {
				m.oldViewsCond.Wait()
			}
			if m.shutdown.Load() && len(m.oldViews) == 0 {
				m.oldViewsMu.Unlock()
				return
			}
			old := m.oldViews[0]
			m.oldViews = m.oldViews[1:]
			m.oldViewsMu.Unlock()
			m.retireView(old)
		}
	}()
}

// retireView releases a superseded view's SST and multicast handles.
// Runs off the install path: the new epoch may still be handshaking
// against the old table when the view is queued.
func (m *Manager) retireView(old *view.View) {
	if old.SST != nil {
		old.SST.Predicates().Clear()
		old.SST.Detach()
		old.SST = nil
	}
	old.Multicast = nil
	m.logger.Debug("retired old view", zap.Int32("vid", int32(old.VID)))
}

func (m *Manager) hasPendingJoin() bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pendingJoins) > 0
}

func (m *Manager) popPendingJoin() transport.Conn {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pendingJoins) == 0 {
		return nil
	}
	conn := m.pendingJoins[0]
	m.pendingJoins = m.pendingJoins[1:]
	return conn
}

func (m *Manager) rememberMemberConn(id gms.NodeID, conn transport.Conn) {
	m.memberConnsMu.Lock()
	if old, ok := m.memberConns[id]; ok {
		old.Close()
	}
	m.memberConns[id] = conn
	m.memberConnsMu.Unlock()
}

func (m *Manager) memberConn(id gms.NodeID) transport.Conn {
	m.memberConnsMu.Lock()
	defer m.memberConnsMu.Unlock()
	return m.memberConns[id]
}

func (m *Manager) memberAddr(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(m.cfg.GroupPort))
}

/* ------------------------- public surface ------------------------- */

// ReportFailure marks a member suspected and publishes the suspicion.
func (m *Manager) ReportFailure(who gms.NodeID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.currView
	r := v.RankOf(who)
	if r == gms.RankAbsent {
		m.logger.Warn("failure reported for unknown node", zap.Uint32("node", uint32(who)))
		return
	}
	m.logger.Debug("failure reported", zap.Uint32("node", uint32(who)), zap.Int32("rank", r))
	v.SST.SetSuspected(r, true)

	cnt := 0
	for i := int32(0); i < v.NumMembers(); i++ {
		if v.SST.Suspected(v.MyRank, i) {
			cnt++
		}
	}
	if cnt >= (int(v.NumMembers())+1)/2 {
		m.fatal("potential partitioning event: this node is no longer in the majority and must shut down")
		return
	}
	if err := v.SST.Push(sst.Slice(sst.FieldSuspected, int(r), 1)); err != nil {
		m.logger.Warn("pushing suspicion", zap.Error(err))
	}
}

// Leave announces departure by self-suspecting; the rest of the group
// evicts us through the normal failure path.
func (m *Manager) Leave() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.logger.Debug("cleanly leaving the group")
	v := m.currView
	if v.Multicast != nil {
		v.Multicast.Wedge()
	}
	v.SST.Predicates().Clear()
	v.SST.SetSuspected(v.MyRank, true)
	if err := v.SST.Push(sst.Slice(sst.FieldSuspected, int(v.MyRank), 1)); err != nil {
		m.logger.Warn("pushing self-suspicion", zap.Error(err))
	}
	m.shutdown.Store(true)
}

// Send blocks while a view change is in progress, then submits the
// prepared message.
func (m *Manager) Send(sg gms.SubgroupID) {
	m.viewChangeMu.Lock()
	defer m.viewChangeMu.Unlock()
	for {
		m.mu.RLock()
		ok := m.currView.Multicast.Send(sg)
		m.mu.RUnlock()
		if ok {
			return
		}
		m.viewChangeCond.Wait()
	}
}

// GetSendBuffer exposes the datapath's send buffer under the shared lock.
func (m *Manager) GetSendBuffer(sg gms.SubgroupID, payloadSize int, pauseSendingTurns int, cooked, null bool) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currView.Multicast.GetSendBuffer(sg, payloadSize, pauseSendingTurns, cooked, null)
}

func (m *Manager) ComputeGlobalStabilityFrontier(sg gms.SubgroupID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currView.Multicast.ComputeGlobalStabilityFrontier(sg)
}

func (m *Manager) GetMembers() []gms.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]gms.NodeID(nil), m.currView.Members...)
}

// GetCurrentView runs fn on the installed view under the shared lock.
func (m *Manager) GetCurrentView(fn func(*view.View)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.currView)
}

func (m *Manager) BarrierSync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currView.SST.SyncWithMembers()
}

// AddViewUpcall registers an install callback. Not retroactive.
func (m *Manager) AddViewUpcall(fn ViewUpcall) {
	m.upcallsMu.Lock()
	m.upcalls = append(m.upcalls, fn)
	m.upcallsMu.Unlock()
}

func (m *Manager) runViewUpcalls(v *view.View) {
	m.upcallsMu.RLock()
	upcalls := append([]ViewUpcall(nil), m.upcalls...)
	m.upcallsMu.RUnlock()
	for _, fn := range upcalls {
		fn(v)
	}
}

// Close shuts the manager down: predicates stop, the listener unblocks
// via a self-connect, and both background threads drain.
func (m *Manager) Close() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.RLock()
	table := m.currView.SST
	m.mu.RUnlock()
	if table != nil {
		// Stop outside the view lock: a trigger mid-install needs the
		// write half to finish.
		table.Predicates().Stop()
	}

	// Unblock the listener thread.
	if conn, err := m.cfg.Dialer(m.cfg.Listener.Addr()); err == nil {
		conn.Close()
	}
	m.cfg.Listener.Close()

	m.oldViewsMu.Lock()
	m.oldViewsCond.Broadcast()
	m.oldViewsMu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	if m.currView.SST != nil {
		m.currView.SST.Detach()
		m.currView.SST = nil
	}
	m.mu.Unlock()

	m.pendingMu.Lock()
	for _, c := range m.pendingJoins {
		c.Close()
	}
	m.pendingJoins = nil
	m.pendingMu.Unlock()
	for _, c := range m.proposedJoins {
		c.Close()
	}
	m.proposedJoins = nil

	m.memberConnsMu.Lock()
	for _, c := range m.memberConns {
		c.Close()
	}
	m.memberConns = make(map[gms.NodeID]transport.Conn)
	m.memberConnsMu.Unlock()
	return nil
}
