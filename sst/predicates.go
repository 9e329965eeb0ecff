package sst

import (
	"time"

	"go.uber.org/atomic"
)

// PredicateType controls a predicate's lifetime.
type PredicateType int

const (
	// Recurrent predicates persist until explicitly removed.
	Recurrent PredicateType = iota
	// OneTime predicates are unregistered immediately on firing.
	OneTime
)

// Handle identifies a registered predicate.
type Handle struct {
	id uint64
}

func (h Handle) Valid() bool { return h.id != 0 }

type predEntry struct {
	id      uint64
	pred    func(*SST) bool
	trigger func(*SST)
	typ     PredicateType
	removed bool
}

const evalInterval = time.Millisecond

// Predicates is the cooperative evaluation engine of one table. A single
// goroutine scans the registered predicates and fires triggers
// sequentially; registrations made inside a trigger take effect on the
// next pass, while removals take effect at once: a removed predicate is
// skipped for the rest of the current pass.
type Predicates struct {
	s *SST

	mu      chan struct{} // 1-slot semaphore, usable from triggers
	entries []*predEntry
	nextID  uint64

	started *atomic.Bool
	stopped *atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kick    chan struct{}
}

func newPredicates(s *SST) *Predicates {
	p := &Predicates{
		s:       s,
		mu:      make(chan struct{}, 1),
		nextID:  1,
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
	p.mu <- struct{}{}
	return p
}

func (p *Predicates) lock()   { <-p.mu }
func (p *Predicates) unlock() { p.mu <- struct{}{} }

// Register adds a predicate/trigger pair. Safe to call from a trigger.
func (p *Predicates) Register(pred func(*SST) bool, trigger func(*SST), typ PredicateType) Handle {
	p.lock()
	defer p.unlock()
	e := &predEntry{id: p.nextID, pred: pred, trigger: trigger, typ: typ}
	p.nextID++
	p.entries = append(p.entries, e)
	p.kickEval()
	return Handle{id: e.id}
}

// Remove unregisters a predicate. Invalid or stale handles are ignored.
func (p *Predicates) Remove(h Handle) {
	if !h.Valid() {
		return
	}
	p.lock()
	defer p.unlock()
	for _, e := range p.entries {
		if e.id == h.id {
			e.removed = true
		}
	}
}

// Clear unregisters everything.
func (p *Predicates) Clear() {
	p.lock()
	defer p.unlock()
	for _, e := range p.entries {
		e.removed = true
	}
}

// Start launches predicate evaluation. Idempotent.
func (p *Predicates) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Stop halts evaluation and waits for the evaluation goroutine to exit.
// Must not be called from a trigger.
func (p *Predicates) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	if p.started.Load() {
		<-p.doneCh
	}
}

func (p *Predicates) kickEval() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Predicates) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.kick:
		case <-ticker.C:
		}
		p.evaluateOnce()
	}
}

func (p *Predicates) evaluateOnce() {
	p.lock()
	snapshot := make([]*predEntry, 0, len(p.entries))
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.removed {
			continue
		}
		kept = append(kept, e)
		snapshot = append(snapshot, e)
	}
	p.entries = kept
	p.unlock()

	for _, e := range snapshot {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.lock()
		removed := e.removed
		p.unlock()
		if removed {
			continue
		}
		if !e.pred(p.s) {
			continue
		}
		if e.typ == OneTime {
			p.Remove(Handle{id: e.id})
		}
		e.trigger(p.s)
	}
}
