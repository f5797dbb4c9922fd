package fabric

import (
	"sync"

	"github.com/fabricbroker/fabricd/pkg/model"
)

// TrafficFlow is the per-circuit ingress/egress bandwidth a segment
// requests.
type TrafficFlow struct {
	IngressKbps float64
	EgressKbps  float64
}

// Listener receives bridge lifecycle events. Callbacks are delivered outside
// any fabric lock, so an implementation may call back into the fabric
// manager; it must still not block indefinitely.
type Listener interface {
	Created()
	Destroyed()
	Error(kind, msg string)
}

// attachment records one circuit's realized tunnel on the switch.
type attachment struct {
	circuit model.Canonical
	flow    TrafficFlow
	ofport  int
	attached bool
}

// Bridge is the hardware realization of one service's segment: a set of
// tunnel attachments plus QoS, keyed by the canonical set of its circuits.
// Bridge is reference counted because bridge() shares an existing bridge
// when called again with the same canonical circuit set.
type Bridge struct {
	mu sync.Mutex

	key   model.CanonicalSet
	flows map[model.Canonical]TrafficFlow

	listeners []Listener
	refs      int

	// realization state, touched only while the manager's lock is held.
	started      bool
	bridgeName   string // VFC/bridge id on the switch; "" if shared mode
	attachments  map[model.Canonical]*attachment
}

func newBridge(key model.CanonicalSet, flows map[model.Canonical]TrafficFlow) *Bridge {
	return &Bridge{
		key:         key,
		flows:       flows,
		attachments: make(map[model.Canonical]*attachment),
	}
}

// Key returns the bridge's canonical circuit-set identity.
func (b *Bridge) Key() model.CanonicalSet { return b.key }

// Circuits returns the canonical circuits this bridge realizes.
func (b *Bridge) Circuits() []model.Canonical {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Canonical, 0, len(b.flows))
	for c := range b.flows {
		out = append(out, c)
	}
	return out
}

func (b *Bridge) addListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Bridge) snapshotListeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}
