// Package broker wires the network/terminal registry, one fabric.Manager
// per network, and the service registry together — the top-level
// component spec.md treats as a consumer of the three core subsystems
// (service state machine, RPC transport, fabric controller).
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/fabricbroker/fabricd/pkg/fabric"
	"github.com/fabricbroker/fabricd/pkg/fabricerr"
	"github.com/fabricbroker/fabricd/pkg/service"
)

// Terminal is a named attach point of a Network, exposing a circuit space
// governed by an interface descriptor (spec.md §3).
type Terminal struct {
	Name       string
	Descriptor string
}

// Network is a named container of terminals and the services defined over
// them. The registry (name -> *Network) is read-mostly after startup; each
// Network's own service map is guarded by its own lock, with services
// individually locked in turn (spec.md §5).
type Network struct {
	Name string

	// Management/control grants are per-connection (set during the RPC
	// handshake), not stored here; Network only holds broker state.
	mgr *fabric.Manager

	mu        sync.Mutex
	terminals map[string]Terminal
	services  map[uint32]*service.Service
	handles   map[string]uint32
	nextID    uint32
}

// NewNetwork constructs an empty Network backed by mgr. mgr may be nil for
// an ssh-* agent network that has no switch-backed fabric (spec.md §1
// treats the SSH device transport as an external collaborator).
func NewNetwork(name string, mgr *fabric.Manager) *Network {
	return &Network{
		Name:      name,
		mgr:       mgr,
		terminals: make(map[string]Terminal),
		services:  make(map[uint32]*service.Service),
		handles:   make(map[string]uint32),
	}
}

// AddTerminal registers a terminal. If this network has a fabric manager,
// the terminal's descriptor is also registered there so circuits on it can
// be canonicalized.
func (n *Network) AddTerminal(name, descriptor string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.terminals[name]; exists {
		return fabricerr.New(fabricerr.KindTerminalExists, map[string]interface{}{"terminal-name": name})
	}
	if n.mgr != nil {
		if err := n.mgr.RegisterTerminal(name, descriptor); err != nil {
			return err
		}
	}
	n.terminals[name] = Terminal{Name: name, Descriptor: descriptor}
	return nil
}

// RemoveTerminal unregisters a terminal. Management-only at the RPC layer;
// Network itself only checks that the terminal is registered. It does not
// check whether any service's segment still uses the terminal.
func (n *Network) RemoveTerminal(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.terminals[name]; !exists {
		return fabricerr.New(fabricerr.KindTerminalUnknown, map[string]interface{}{"terminal-name": name})
	}
	delete(n.terminals, name)
	return nil
}

// TerminalNames returns every registered terminal's name.
func (n *Network) TerminalNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.terminals))
	for name := range n.terminals {
		out = append(out, name)
	}
	return out
}

// HasTerminal reports whether name is registered.
func (n *Network) HasTerminal(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.terminals[name]
	return ok
}

// NewService creates a DORMANT service, optionally under handle, and
// registers it in this network's service/handle tables.
func (n *Network) NewService(handle, token string) (*service.Service, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if handle != "" {
		if _, exists := n.handles[handle]; exists {
			return nil, fabricerr.BadArgument("handle already in use")
		}
	}
	id := atomic.AddUint32(&n.nextID, 1)
	s := service.New(id, handle, n.Name, token, n.mgr)
	n.services[id] = s
	if handle != "" {
		n.handles[handle] = id
	}
	return s, nil
}

// FindByHandle resolves handle to a service id, or false if unknown.
func (n *Network) FindByHandle(handle string) (uint32, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.handles[handle]
	return id, ok
}

// Service looks up a registered service by id.
func (n *Network) Service(id uint32) (*service.Service, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.services[id]
	return s, ok
}

// ServiceIDs returns every currently registered service id.
func (n *Network) ServiceIDs() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uint32, 0, len(n.services))
	for id := range n.services {
		out = append(out, id)
	}
	return out
}

// Manager returns this network's fabric manager, or nil.
func (n *Network) Manager() *fabric.Manager { return n.mgr }
