package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.tesserae.dev/trellis/spec/gms"
	specregistry "go.tesserae.dev/trellis/spec/registry"
	"go.tesserae.dev/trellis/spec/transport"

	"github.com/tidwall/wal"
	"go.uber.org/zap"
)

const (
	objectsDir = "objects"
	logDir     = "wal"

	// emptyTail is the on-wire tail version of an empty log.
	emptyTail = int64(-1)
)

// ObjectLog is a tidwall/wal-backed durable log of one replicated
// object. Entries carry their version in an 8-byte prefix so truncation
// can cut at an exact version boundary.
type ObjectLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	dir    string
	log    *wal.Log
}

var _ specregistry.ObjectLog = (*ObjectLog)(nil)

func walOptions() *wal.Options {
	return &wal.Options{
		SegmentSize:      2 * 1024 * 1024, // 2MB
		SegmentCacheSize: 4,
		LogFormat:        wal.Binary,
		NoSync:           true,
		NoCopy:           true,
	}
}

// OpenObjectLog opens (creating if needed) the log rooted at dir.
func OpenObjectLog(logger *zap.Logger, dir string) (*ObjectLog, error) {
	if logger == nil {
		return nil, errors.New("registry: nil logger")
	}
	l, err := wal.Open(filepath.Join(dir, logDir), walOptions())
	if err != nil {
		return nil, fmt.Errorf("registry: opening log: %w", err)
	}
	return &ObjectLog{logger: logger, dir: dir, log: l}, nil
}

func encodeEntry(version gms.Version, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(version))
	copy(buf[8:], data)
	return buf
}

func decodeEntry(buf []byte) (gms.Version, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errors.New("registry: truncated log entry")
	}
	return gms.Version(binary.LittleEndian.Uint64(buf)), buf[8:], nil
}

func (o *ObjectLog) Append(version gms.Version, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if tail, ok, err := o.tailLocked(); err != nil {
		return err
	} else if ok && version <= tail {
		return fmt.Errorf("registry: version %d not newer than tail %d", version, tail)
	}
	last, err := o.log.LastIndex()
	if err != nil {
		return err
	}
	return o.log.Write(last+1, encodeEntry(version, data))
}

func (o *ObjectLog) TailVersion() (gms.Version, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tailLocked()
}

func (o *ObjectLog) tailLocked() (gms.Version, bool, error) {
	first, err := o.log.FirstIndex()
	if err != nil {
		return 0, false, err
	}
	last, err := o.log.LastIndex()
	if err != nil {
		return 0, false, err
	}
	if last == 0 || first == 0 {
		return 0, false, nil
	}
	buf, err := o.log.Read(last)
	if err != nil {
		return 0, false, err
	}
	v, _, err := decodeEntry(buf)
	return v, err == nil, err
}

// Truncate discards every entry newer than version. Truncating below
// the oldest entry clears the log entirely.
func (o *ObjectLog) Truncate(version gms.Version) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	first, err := o.log.FirstIndex()
	if err != nil {
		return err
	}
	last, err := o.log.LastIndex()
	if err != nil {
		return err
	}
	if last == 0 || first == 0 {
		return nil
	}

	// Walk back to the newest entry at or below the cut.
	cut := uint64(0)
	for idx := last; idx >= first; idx-- {
		buf, err := o.log.Read(idx)
		if err != nil {
			return err
		}
		v, _, err := decodeEntry(buf)
		if err != nil {
			return err
		}
		if v <= version {
			cut = idx
			break
		}
	}
	if cut == last {
		return nil
	}
	if cut == 0 {
		return o.resetLocked()
	}
	o.logger.Debug("truncating object log",
		zap.Int64("version", int64(version)),
		zap.Uint64("kept", cut-first+1))
	return o.log.TruncateBack(cut)
}

// resetLocked clears the log by recreating its directory; the wal has no
// truncate-to-empty operation.
func (o *ObjectLog) resetLocked() error {
	path := filepath.Join(o.dir, logDir)
	if err := o.log.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	l, err := wal.Open(path, walOptions())
	if err != nil {
		return err
	}
	o.log = l
	return nil
}

// SendObject reads the joiner's tail version, then streams every newer
// entry as (version, payload) pairs.
func (o *ObjectLog) SendObject(conn transport.Conn) error {
	peerTail, err := conn.ReadInt64()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	first, err := o.log.FirstIndex()
	if err != nil {
		return err
	}
	last, err := o.log.LastIndex()
	if err != nil {
		return err
	}

	type entry struct {
		version gms.Version
		data    []byte
	}
	var pending []entry
	if last != 0 && first != 0 {
		for idx := first; idx <= last; idx++ {
			buf, err := o.log.Read(idx)
			if err != nil {
				return err
			}
			v, data, err := decodeEntry(buf)
			if err != nil {
				return err
			}
			if peerTail == emptyTail || int64(v) > peerTail {
				pending = append(pending, entry{v, data})
			}
		}
	}

	if err := conn.WriteUint64(uint64(len(pending))); err != nil {
		return err
	}
	for _, e := range pending {
		if err := conn.WriteInt64(int64(e.version)); err != nil {
			return err
		}
		if err := conn.WriteSized(e.data); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveObject announces our tail version and installs the entries the
// old shard leader streams back.
func (o *ObjectLog) ReceiveObject(conn transport.Conn) error {
	tail, ok, err := o.TailVersion()
	if err != nil {
		return err
	}
	wire := emptyTail
	if ok {
		wire = int64(tail)
	}
	if err := conn.WriteInt64(wire); err != nil {
		return err
	}

	count, err := conn.ReadUint64()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		v, err := conn.ReadInt64()
		if err != nil {
			return err
		}
		data, err := conn.ReadSized()
		if err != nil {
			return err
		}
		if err := o.Append(gms.Version(v), data); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectLog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.log.Close()
}

// Store owns a node's durable state directory: one object log per
// subgroup plus the view and ragged-trim slot files.
type Store struct {
	mu      sync.Mutex
	logger  *zap.Logger
	dataDir string
	logs    map[gms.SubgroupID]*ObjectLog
}

func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if logger == nil {
		return nil, errors.New("registry: nil logger")
	}
	if dataDir == "" {
		return nil, errors.New("registry: empty data dir")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		logs:    make(map[gms.SubgroupID]*ObjectLog),
	}, nil
}

// Object resolves (opening on first use) the log of a subgroup.
func (st *Store) Object(sg gms.SubgroupID) (specregistry.ObjectLog, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if l, ok := st.logs[sg]; ok {
		return l, nil
	}
	dir := filepath.Join(st.dataDir, objectsDir, fmt.Sprintf("%d", sg))
	l, err := OpenObjectLog(st.logger.With(zap.Uint32("subgroup", uint32(sg))), dir)
	if err != nil {
		return nil, err
	}
	st.logs[sg] = l
	return l, nil
}

// Provider exposes the store as a registry provider.
func (st *Store) Provider() specregistry.Provider {
	return st.Object
}

func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	var firstErr error
	for _, l := range st.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	st.logs = make(map[gms.SubgroupID]*ObjectLog)
	return firstErr
}

func (st *Store) DataDir() string { return st.dataDir }
