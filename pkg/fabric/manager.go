package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabricbroker/fabricd/pkg/fabricerr"
	"github.com/fabricbroker/fabricd/pkg/fabriclog"
	"github.com/fabricbroker/fabricd/pkg/model"
	"github.com/fabricbroker/fabricd/pkg/workpool"
)

// Config holds the switch-facing parameters a Manager needs beyond the two
// REST clients: the switch's OpenFlow datapath id, the description-marker
// protocol used to tell complete bridges from partial ones across restarts,
// whether ingress metering and egress shaping are enabled, and an optional
// cap on the number of concurrently realized bridges.
type Config struct {
	DPID            uint64
	DescrPrefix     string
	PartialSuffix   string
	CompleteSuffix  string
	DestroyUnknown  bool
	ShapingEnabled  bool
	MeteringEnabled bool
	CapacityLimit   int // 0 means unlimited
}

// Manager is the fabric controller of spec.md §4.2: it reconciles desired
// bridges against switch state and keeps the OpenFlow controller's port
// sets in sync. It is safe for concurrent use.
type Manager struct {
	cfg Config
	sw  *SwitchClient
	ctl *ControllerClient
	rz  realizer
	pool *workpool.Pool

	mu             sync.Mutex
	bridges        map[model.CanonicalSet]*Bridge
	usedOFPorts    map[int]struct{}
	terminalIfaces map[string]*model.Interface
}

// NewVFCPerServiceManager builds a Manager that gives every bridge its own
// VFC container on the switch.
func NewVFCPerServiceManager(cfg Config, sw *SwitchClient, ctl *ControllerClient, pool *workpool.Pool) *Manager {
	return newManager(cfg, sw, ctl, pool, &vfcPerServiceRealizer{
		sw:             sw,
		descrPrefix:    cfg.DescrPrefix,
		partialSuffix:  cfg.PartialSuffix,
		completeSuffix: cfg.CompleteSuffix,
	})
}

// NewSharedVFCManager builds a Manager that slices every bridge out of a
// single pre-existing shared VFC identified by sharedBridgeID.
func NewSharedVFCManager(cfg Config, sw *SwitchClient, ctl *ControllerClient, pool *workpool.Pool, sharedBridgeID string) *Manager {
	return newManager(cfg, sw, ctl, pool, &sharedVFCRealizer{sharedBridgeID: sharedBridgeID})
}

func newManager(cfg Config, sw *SwitchClient, ctl *ControllerClient, pool *workpool.Pool, rz realizer) *Manager {
	return &Manager{
		cfg:            cfg,
		sw:             sw,
		ctl:            ctl,
		rz:             rz,
		pool:           pool,
		bridges:        make(map[model.CanonicalSet]*Bridge),
		usedOFPorts:    make(map[int]struct{}),
		terminalIfaces: make(map[string]*model.Interface),
	}
}

// RegisterTerminal binds a terminal name to the interface descriptor that
// governs how circuits on it are canonicalized. It must be called before
// any Bridge call referencing that terminal.
func (m *Manager) RegisterTerminal(name, descriptor string) error {
	iface, err := model.ParseInterface(descriptor)
	if err != nil {
		return fabricerr.BadArgument(fmt.Sprintf("fabric: parsing interface for terminal %q: %v", name, err))
	}
	m.mu.Lock()
	m.terminalIfaces[name] = iface
	m.mu.Unlock()
	return nil
}

// GetInterface parses a raw interface descriptor per spec.md §3, without
// requiring the terminal to be registered.
func (m *Manager) GetInterface(descriptor string) (*model.Interface, error) {
	iface, err := model.ParseInterface(descriptor)
	if err != nil {
		return nil, fabricerr.BadArgument(fmt.Sprintf("fabric: %v", err))
	}
	return iface, nil
}

// Capacity reports how many more bridges can currently be created, or -1
// if the Manager is unbounded.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.CapacityLimit <= 0 {
		return -1
	}
	remaining := m.cfg.CapacityLimit - len(m.bridges)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Bridge resolves flows (keyed by raw terminal-scoped circuits) to their
// canonical circuit set and returns the Bridge realizing it, creating one
// if none exists yet or sharing (and ref-counting) an existing one whose
// canonical circuit set matches exactly.
func (m *Manager) Bridge(listener Listener, flows map[model.Circuit]TrafficFlow) (*Bridge, error) {
	canonFlows := make(map[model.Canonical]TrafficFlow, len(flows))
	canons := make([]model.Canonical, 0, len(flows))

	m.mu.Lock()
	for c, flow := range flows {
		iface, ok := m.terminalIfaces[c.Terminal]
		if !ok {
			m.mu.Unlock()
			return nil, fabricerr.BadArgument(fmt.Sprintf("fabric: unregistered terminal %q", c.Terminal))
		}
		canon, err := model.Canonicalize(c, iface)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("fabric: canonicalizing circuit %s: %w", c, err)
		}
		canonFlows[canon] = flow
		canons = append(canons, canon)
	}
	key := model.NewCanonicalSet(canons)

	if b, ok := m.bridges[key]; ok {
		b.addListener(listener)
		b.mu.Lock()
		b.refs++
		b.mu.Unlock()
		m.mu.Unlock()
		// The reservation itself satisfies this listener's "created" event
		// (spec.md §4.1: define() reaches INACTIVE on the fabric's created
		// event) regardless of whether the shared bridge is already
		// realized on hardware — realization completion is a second,
		// later "created" delivered to every listener from doStart.
		listener.Created()
		return b, nil
	}

	for _, existing := range m.bridges {
		for c := range canonFlows {
			if _, used := existing.flows[c]; used {
				m.mu.Unlock()
				return nil, fmt.Errorf("fabric: circuit %+v already claimed by another bridge", c)
			}
		}
	}

	if m.cfg.CapacityLimit > 0 && len(m.bridges) >= m.cfg.CapacityLimit {
		m.mu.Unlock()
		return nil, fmt.Errorf("fabric: bridge capacity exhausted")
	}

	b := newBridge(key, canonFlows)
	b.refs = 1
	b.addListener(listener)
	m.bridges[key] = b
	m.mu.Unlock()
	listener.Created()
	return b, nil
}

// Start drives a bridge's creation path asynchronously: VFC acquisition,
// tunnel attachment (with shaping/metering as configured), controller
// notification, and completion marking. Listener callbacks fire outside
// any fabric lock.
func (m *Manager) Start(b *Bridge) {
	m.pool.Submit(func() {
		m.doStart(context.Background(), b)
	})
}

func (m *Manager) doStart(ctx context.Context, b *Bridge) {
	err := m.realize(ctx, b)

	for _, l := range b.snapshotListeners() {
		if err != nil {
			l.Error(errKind(err), err.Error())
		} else {
			l.Created()
		}
	}
}

func (m *Manager) realize(ctx context.Context, b *Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.started {
		return nil
	}

	bridgeID, err := m.rz.ensure(ctx, b)
	if err != nil {
		return fmt.Errorf("fabric: acquiring bridge container: %w", err)
	}
	b.bridgeName = bridgeID

	for canon, flow := range b.flows {
		if _, ok := b.attachments[canon]; ok {
			continue
		}
		port := m.allocOFPort()
		td := TunnelDesc{Port: canon.Port, Descr: fmt.Sprintf("%s:%d/%d/%d", canon.Terminal, canon.Port, canon.OuterTag, canon.InnerTag)}
		if canon.OuterTag >= 0 {
			v := canon.OuterTag
			td.VLANID = &v
		}
		if canon.InnerTag >= 0 {
			v := canon.InnerTag
			td.InnerVLANID = &v
		}
		if m.cfg.ShapingEnabled {
			td.ShapedRate = flow.EgressKbps
		}

		ofport, err := m.sw.AttachTunnel(ctx, bridgeID, td)
		if err != nil {
			delete(m.usedOFPorts, port)
			m.abortLocked(ctx, b)
			return fmt.Errorf("fabric: attaching tunnel for circuit %+v: %w", canon, err)
		}
		b.attachments[canon] = &attachment{circuit: canon, flow: flow, ofport: ofport, attached: true}

		if m.cfg.MeteringEnabled && flow.IngressKbps > 0 {
			if err := m.sw.PatchTunnel(ctx, bridgeID, ofport, flow.IngressKbps, 0); err != nil {
				m.abortLocked(ctx, b)
				return fmt.Errorf("fabric: metering circuit %+v: %w", canon, err)
			}
		}
	}

	if err := m.pushPortSetsLocked(ctx); err != nil {
		m.abortLocked(ctx, b)
		return fmt.Errorf("fabric: notifying controller: %w", err)
	}

	if err := m.rz.complete(ctx, bridgeID); err != nil {
		return fmt.Errorf("fabric: marking bridge complete: %w", err)
	}

	b.started = true
	return nil
}

// abortLocked is called with m.mu held, after a failed start. Per the
// generic contract, already-attached tunnels are left in place; retain()
// will clean them up on a subsequent reconciliation. The realizer may
// additionally tear down the bridge container itself (VFC-per-service
// mode deletes the partial VFC outright).
func (m *Manager) abortLocked(ctx context.Context, b *Bridge) {
	if err := m.rz.abort(ctx, b.bridgeName); err != nil {
		fabriclog.Logger.WithError(err).WithField("bridge", b.bridgeName).Warn("fabric: abort cleanup failed")
	}
}

// allocOFPort returns the lowest unused positive OF port. Caller must hold
// m.mu.
func (m *Manager) allocOFPort() int {
	for p := 1; ; p++ {
		if _, used := m.usedOFPorts[p]; !used {
			m.usedOFPorts[p] = struct{}{}
			return p
		}
	}
}

// pushPortSetsLocked POSTs the full current set of port sets across every
// bridge to the OpenFlow controller. Caller must hold m.mu.
func (m *Manager) pushPortSetsLocked(ctx context.Context) error {
	slices := make([]PortSet, 0, len(m.bridges))
	for _, b := range m.bridges {
		ports := make([]int, 0, len(b.attachments))
		for _, a := range b.attachments {
			if a.attached {
				ports = append(ports, a.ofport)
			}
		}
		if len(ports) > 0 {
			slices = append(slices, NewPortSet(ports))
		}
	}
	_, err := m.ctl.DefinePortSets(ctx, m.cfg.DPID, slices)
	return err
}

// Retain keeps exactly the bridges in keep; every other currently-realized
// bridge is fully torn down: its tunnels detached, its port set dropped
// from the controller, its container destroyed, and Destroyed delivered to
// its listeners. Retain is idempotent: calling it twice with the same set
// is a no-op the second time.
func (m *Manager) Retain(keep map[*Bridge]struct{}) {
	m.mu.Lock()
	var toRemove []*Bridge
	for key, b := range m.bridges {
		if _, ok := keep[b]; ok {
			continue
		}
		toRemove = append(toRemove, b)
		delete(m.bridges, key)
	}
	for _, b := range toRemove {
		for _, a := range b.attachments {
			if a.attached {
				delete(m.usedOFPorts, a.ofport)
			}
		}
	}
	m.pushPortSetsLocked(context.Background())
	m.mu.Unlock()

	for _, b := range toRemove {
		m.pool.Submit(func(b *Bridge) func() {
			return func() { m.destroy(b) }
		}(b))
	}
}

func (m *Manager) destroy(b *Bridge) {
	ctx := context.Background()
	for _, a := range b.attachments {
		if !a.attached {
			continue
		}
		if err := m.sw.DetachTunnel(ctx, b.bridgeName, a.ofport); err != nil {
			fabriclog.Logger.WithError(err).WithField("bridge", b.bridgeName).Warn("fabric: detach on teardown failed")
		}
	}
	if err := m.rz.teardown(ctx, b.bridgeName); err != nil {
		fabriclog.Logger.WithError(err).WithField("bridge", b.bridgeName).Warn("fabric: teardown failed")
	}
	for _, l := range b.snapshotListeners() {
		l.Destroyed()
	}
}

func errKind(err error) string {
	if fe := fabricerr.AsWire(err); fe != nil {
		return string(fe.Kind)
	}
	return string(fabricerr.KindNetworkResource)
}
