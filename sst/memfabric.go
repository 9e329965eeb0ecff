package sst

import (
	"sync"

	"go.tesserae.dev/trellis/spec/gms"
)

type fabricKey struct {
	id    gms.NodeID
	epoch gms.ViewID
}

// MemFabric connects the tables of co-located nodes, delivering Publish
// payloads synchronously on the caller's goroutine. It stands in for the
// one-sided RDMA transport in tests and single-process deployments.
type MemFabric struct {
	mu    sync.RWMutex
	nodes map[fabricKey]*SST
}

var _ Replicator = (*MemFabric)(nil)

func NewMemFabric() *MemFabric {
	return &MemFabric{
		nodes: make(map[fabricKey]*SST),
	}
}

func (f *MemFabric) Attach(id gms.NodeID, epoch gms.ViewID, s *SST) {
	f.mu.Lock()
	f.nodes[fabricKey{id, epoch}] = s
	f.mu.Unlock()
}

func (f *MemFabric) Detach(id gms.NodeID, epoch gms.ViewID) {
	f.mu.Lock()
	delete(f.nodes, fabricKey{id, epoch})
	f.mu.Unlock()
}

// Publish applies the payload to every attached target. Unattached
// targets are skipped, modeling a crashed or departed peer.
func (f *MemFabric) Publish(from gms.NodeID, epoch gms.ViewID, to []gms.NodeID, payload []byte) error {
	for _, id := range to {
		f.mu.RLock()
		target := f.nodes[fabricKey{id, epoch}]
		f.mu.RUnlock()
		if target == nil {
			continue
		}
		target.apply(from, payload)
	}
	return nil
}

// Sync is trivially a no-op: Publish delivers synchronously, so every
// prior write is already visible at every attached member.
func (f *MemFabric) Sync(from gms.NodeID, epoch gms.ViewID, with []gms.NodeID) error {
	return nil
}
