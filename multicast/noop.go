package multicast

import (
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/multicast"

	"go.uber.org/atomic"
)

// Noop is the inert datapath: sends are accepted and dropped, nothing is
// ever in flight, and delivery is a no-op. Single-node bring-up and the
// membership tests run on it.
type Noop struct {
	wedged   *atomic.Bool
	settings map[gms.SubgroupID]multicast.Settings
}

var _ multicast.Group = (*Noop)(nil)

// NewNoop builds a Noop group; usable directly as a multicast.Factory.
func NewNoop(cfg multicast.Config) (multicast.Group, error) {
	return &Noop{
		wedged:   atomic.NewBool(false),
		settings: cfg.Settings,
	}, nil
}

func (n *Noop) Wedge() {
	n.wedged.Store(true)
}

func (n *Noop) IsWedged() bool {
	return n.wedged.Load()
}

func (n *Noop) CheckPendingSSTSends(gms.SubgroupID) bool {
	return false
}

func (n *Noop) ReceiverPredicate(gms.SubgroupID) bool {
	return false
}

func (n *Noop) ReceiverFunction(gms.SubgroupID) {}

func (n *Noop) DeliverMessagesUpto([]int32, gms.SubgroupID, int32) error {
	return nil
}

func (n *Noop) Send(gms.SubgroupID) bool {
	return !n.wedged.Load()
}

func (n *Noop) GetSendBuffer(_ gms.SubgroupID, payloadSize int, _ int, _ bool, _ bool) ([]byte, error) {
	return make([]byte, payloadSize), nil
}

func (n *Noop) ComputeGlobalStabilityFrontier(gms.SubgroupID) uint64 {
	return 0
}

func (n *Noop) SubgroupSettings() map[gms.SubgroupID]multicast.Settings {
	return n.settings
}
