package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabricbroker/fabricd/pkg/config"
	"github.com/fabricbroker/fabricd/pkg/fabric"
	"github.com/fabricbroker/fabricd/pkg/workpool"
)

// Broker is the process-wide network registry. It is read-mostly after
// startup: networks are registered once while wiring from config, then
// looked up concurrently by RPC connections (spec.md §5).
type Broker struct {
	mu       sync.RWMutex
	networks map[string]*Network
	pool     *workpool.Pool
}

// New constructs an empty Broker backed by a shared dispatch pool for
// fabric listener callbacks and connection/session handlers.
func New(poolSize int) *Broker {
	return &Broker{
		networks: make(map[string]*Network),
		pool:     workpool.New(poolSize),
	}
}

// Pool returns the broker's shared bounded goroutine pool.
func (b *Broker) Pool() *workpool.Pool { return b.pool }

// Close releases the broker's shared pool, waiting for in-flight work.
func (b *Broker) Close() { b.pool.Close() }

// RegisterNetwork adds net under its own name. It is called during startup
// wiring (spec.md §5's "writes only at startup"); registration and Lookup
// both take the registry lock, so concurrent calls are safe.
func (b *Broker) RegisterNetwork(net *Network) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.networks[net.Name]; exists {
		return fmt.Errorf("broker: network %q already registered", net.Name)
	}
	b.networks[net.Name] = net
	return nil
}

// Lookup resolves a network by name.
func (b *Broker) Lookup(name string) (*Network, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.networks[name]
	return n, ok
}

// NetworkNames returns every registered network's name.
func (b *Broker) NetworkNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.networks))
	for name := range b.networks {
		out = append(out, name)
	}
	return out
}

// WireAgent builds one Network from an agent config entry: a fabric
// Manager (VFC-per-service or shared-VFC, per Agent.Shared) wired to its
// switch/controller REST endpoints when the agent carries one, or a
// fabric-less Network for ssh-* agent types.
func (b *Broker) WireAgent(agent config.Agent) (*Network, error) {
	if agent.ManagerConfig == nil {
		net := NewNetwork(agent.Name, nil)
		return net, b.RegisterNetwork(net)
	}

	sw, err := fabric.NewSwitchClient(agent.SwitchREST)
	if err != nil {
		return nil, fmt.Errorf("broker: agent %q: %w", agent.Name, err)
	}
	ctl, err := fabric.NewControllerClient(agent.ControllerREST)
	if err != nil {
		return nil, fmt.Errorf("broker: agent %q: %w", agent.Name, err)
	}

	var mgr *fabric.Manager
	if agent.Shared {
		mgr = fabric.NewSharedVFCManager(*agent.ManagerConfig, sw, ctl, b.pool, agent.Name)
	} else {
		mgr = fabric.NewVFCPerServiceManager(*agent.ManagerConfig, sw, ctl, b.pool)
	}

	net := NewNetwork(agent.Name, mgr)
	if err := b.RegisterNetwork(net); err != nil {
		return nil, err
	}
	return net, nil
}

// RecoverAll runs crash recovery (spec.md §4.2) on every network's fabric
// manager. Call once at startup after every terminal has been registered
// and before serving RPC connections.
func (b *Broker) RecoverAll(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, net := range b.networks {
		if net.mgr == nil {
			continue
		}
		if err := net.mgr.Recover(ctx); err != nil {
			return fmt.Errorf("broker: recovering network %q: %w", name, err)
		}
	}
	return nil
}
