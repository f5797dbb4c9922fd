package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/fabricbroker/fabricd/pkg/fabric"
	"github.com/fabricbroker/fabricd/pkg/fabricerr"
	"github.com/fabricbroker/fabricd/pkg/fabriclog"
	"github.com/fabricbroker/fabricd/pkg/model"
)

// Listener receives a service's accepted status transitions, in the order
// they occurred. Implementations must not call back into the Service (or
// any other service) from within StatusChanged.
type Listener interface {
	StatusChanged(Status)
}

// Segment is the validated, terminal-resolved form of a define() request.
type Segment map[model.Circuit]fabric.TrafficFlow

// Service is one broker-managed circuit service (spec.md §3/§4.1).
type Service struct {
	ID      uint32
	Handle  string // "" if the client supplied none
	Network string
	Token   string

	mgr  *fabric.Manager
	cond *sync.Cond
	mu   sync.Mutex
	fsm  *fsm.FSM

	segment  Segment
	listeners []Listener
	errs      []string
	bridge    *fabric.Bridge
}

// New constructs a DORMANT service bound to mgr for bridge operations.
func New(id uint32, handle, network, token string, mgr *fabric.Manager) *Service {
	s := &Service{ID: id, Handle: handle, Network: network, Token: token, mgr: mgr}
	s.cond = sync.NewCond(&s.mu)
	s.fsm = fsm.NewFSM(string(Dormant), fsm.Events{
		{Name: evDefineOK, Src: []string{string(Dormant)}, Dst: string(Establishing)},
		{Name: evDefineFail, Src: []string{string(Dormant)}, Dst: string(Failed)},

		{Name: evFabricCreated, Src: []string{string(Establishing)}, Dst: string(Inactive)},
		{Name: evFabricCreated, Src: []string{string(Activating)}, Dst: string(Active)},
		{Name: evFabricCreated, Src: []string{string(Deactivating)}, Dst: string(Inactive)},
		{Name: evFabricDestroyed, Src: []string{string(Releasing)}, Dst: string(Released)},
		{Name: evFabricError, Src: []string{string(Establishing), string(Activating), string(Deactivating)}, Dst: string(Failed)},
		{Name: evFabricError, Src: []string{string(Releasing)}, Dst: string(Released)},

		{Name: evActivate, Src: []string{string(Inactive)}, Dst: string(Activating)},
		{Name: evActivate, Src: []string{string(Activating)}, Dst: string(Activating)},
		{Name: evActivate, Src: []string{string(Active)}, Dst: string(Active)},

		{Name: evDeactivate, Src: []string{string(Active)}, Dst: string(Deactivating)},
		{Name: evDeactivate, Src: []string{string(Activating)}, Dst: string(Deactivating)},
		{Name: evDeactivate, Src: []string{string(Inactive)}, Dst: string(Inactive)},
		{Name: evDeactivate, Src: []string{string(Deactivating)}, Dst: string(Deactivating)},

		{Name: evRelease, Src: []string{string(Dormant)}, Dst: string(Released)},
		{Name: evRelease, Src: []string{string(Failed)}, Dst: string(Released)},
		{Name: evRelease, Src: []string{string(Releasing)}, Dst: string(Releasing)},
		{Name: evRelease, Src: []string{
			string(Establishing), string(Inactive), string(Activating),
			string(Active), string(Deactivating),
		}, Dst: string(Releasing)},
	}, fsm.Callbacks{})
	return s
}

// Status returns the service's current status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status(s.fsm.Current())
}

// fire applies event to the fsm under s.mu, and on success returns the
// status before and after, plus a listener snapshot to dispatch afterward.
// looplab/fsm reports a declared self-loop (Dst==Src, e.g. ACTIVE→ACTIVE on
// evActivate) as a NoTransitionError even though the event was accepted;
// that case is the idempotent no-op path spec.md §4.1 calls for, so it
// reports ok=true with after==before. InvalidEventError — no transition
// declared at all from the current state — is the real failure case and
// reports ok=false.
func (s *Service) fire(event string, args ...interface{}) (before, after Status, listeners []Listener, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = Status(s.fsm.Current())
	if err := s.fsm.Event(context.Background(), event, args...); err != nil {
		if _, isNoTransition := err.(fsm.NoTransitionError); isNoTransition {
			return before, before, nil, true
		}
		if _, isInvalid := err.(fsm.InvalidEventError); isInvalid {
			return before, before, nil, false
		}
		fabriclog.Logger.WithError(err).WithField("service", s.ID).Warn("service: unexpected fsm error")
		return before, before, nil, false
	}
	after = Status(s.fsm.Current())
	listeners = append([]Listener(nil), s.listeners...)
	return before, after, listeners, true
}

func (s *Service) dispatch(status Status, listeners []Listener) {
	for _, l := range listeners {
		l.StatusChanged(status)
	}
	s.cond.Broadcast()
}

// AddListener registers l. If the current status is not DORMANT, l
// immediately receives that status before any future transition.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	cur := Status(s.fsm.Current())
	s.mu.Unlock()
	if cur != Dormant {
		l.StatusChanged(cur)
	}
}

// RemoveListener unregisters l (no-op if not registered).
func (s *Service) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// AwaitStatus blocks until the status is in acceptable or timeout elapses,
// returning the status observed at that point.
func (s *Service) AwaitStatus(acceptable map[Status]struct{}, timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() { s.cond.Broadcast() })
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		cur := Status(s.fsm.Current())
		if _, ok := acceptable[cur]; ok {
			return cur
		}
		if !time.Now().Before(deadline) {
			return cur
		}
		s.cond.Wait()
	}
}

// Define validates and installs segment, reserving a bridge reference from
// the fabric manager. Valid only in DORMANT.
func (s *Service) Define(segment Segment) error {
	if err := validateSegment(segment); err != nil {
		_, after, listeners, _ := s.fire(evDefineFail)
		s.mu.Lock()
		s.errs = append(s.errs, err.Error())
		s.mu.Unlock()
		s.dispatch(after, listeners)
		return fabricerr.SegmentInvalid(s.ID, s.Network, err.Error())
	}

	before, after, listeners, ok := s.fire(evDefineOK)
	if !ok {
		return fmt.Errorf("service: define() invalid in state %s", before)
	}
	s.dispatch(after, listeners)
	s.mu.Lock()
	s.segment = segment
	s.mu.Unlock()

	flows := make(map[model.Circuit]fabric.TrafficFlow, len(segment))
	for c, f := range segment {
		flows[c] = f
	}
	bridge, err := s.mgr.Bridge(&fabricListener{s}, flows)
	if err != nil {
		_, after, listeners, _ := s.fire(evFabricError)
		s.mu.Lock()
		s.errs = append(s.errs, err.Error())
		s.mu.Unlock()
		s.dispatch(after, listeners)
		return err
	}
	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()
	return nil
}

// Activate requests bridge start. Valid in INACTIVE or ACTIVE (idempotent).
func (s *Service) Activate() error {
	before, after, listeners, ok := s.fire(evActivate)
	if !ok {
		return fmt.Errorf("service: activate() invalid in state %s", before)
	}
	s.dispatch(after, listeners)
	if before == Inactive && after == Activating {
		s.mu.Lock()
		b := s.bridge
		s.mu.Unlock()
		s.mgr.Start(b)
	}
	return nil
}

// Deactivate requests the segment's bridge stop being exercised. Valid in
// ACTIVE, ACTIVATING, INACTIVE (idempotent), DEACTIVATING (idempotent).
//
// The fabric contract has no explicit "stop a bridge without releasing it"
// operation (bridges are only torn down via retain()); DEACTIVATING simply
// marks the service inactive at the service-state level; the bridge itself
// stays attached until release() drops the reference and a subsequent
// retain() reclaims it.
func (s *Service) Deactivate() error {
	before, after, listeners, ok := s.fire(evDeactivate)
	if !ok {
		return fmt.Errorf("service: deactivate() invalid in state %s", before)
	}
	s.dispatch(after, listeners)
	if after == Deactivating {
		// No REST state changes for deactivation itself; the fsm moves
		// straight on to INACTIVE since the bridge is already realized.
		_, after2, listeners2, ok2 := s.fire(evFabricCreated)
		if ok2 {
			s.dispatch(after2, listeners2)
		}
	}
	return nil
}

// Release drops the bridge reference (if any) and moves toward RELEASED.
// Valid in any non-terminal state.
func (s *Service) Release() error {
	before, after, listeners, ok := s.fire(evRelease)
	if !ok {
		return fmt.Errorf("service: release() invalid in state %s", before)
	}
	s.dispatch(after, listeners)
	return nil
}

// Bridge returns the service's current bridge reference, or nil if none has
// been reserved (still DORMANT) or it's already been released.
func (s *Service) Bridge() *fabric.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// GetSegment returns the currently defined segment, or nil if unset.
func (s *Service) GetSegment() Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment
}

// Errors returns the ordered list of failures accumulated by this service.
func (s *Service) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errs...)
}

func validateSegment(segment Segment) error {
	if len(segment) < 2 {
		return fmt.Errorf("need >= 2 circuits")
	}
	for c, flow := range segment {
		if flow.IngressKbps < 0 || flow.EgressKbps < 0 {
			return fmt.Errorf("circuit %s: ingress/egress must be non-negative", c)
		}
		if isNonFinite(flow.IngressKbps) || isNonFinite(flow.EgressKbps) {
			return fmt.Errorf("circuit %s: ingress/egress must be finite", c)
		}
	}
	return nil
}

func isNonFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// fabricListener adapts fabric.Listener callbacks onto the owning
// service's fsm events. It is delivered outside the fabric manager's lock
// (see pkg/fabric/manager.go), so calling back into s here is safe.
type fabricListener struct {
	s *Service
}

func (l *fabricListener) Created() {
	_, after, listeners, ok := l.s.fire(evFabricCreated)
	if ok {
		l.s.dispatch(after, listeners)
	}
}

func (l *fabricListener) Destroyed() {
	_, after, listeners, ok := l.s.fire(evFabricDestroyed)
	if ok {
		l.s.dispatch(after, listeners)
	}
}

func (l *fabricListener) Error(kind, msg string) {
	l.s.mu.Lock()
	l.s.errs = append(l.s.errs, fmt.Sprintf("%s: %s", kind, msg))
	l.s.mu.Unlock()
	_, after, listeners, ok := l.s.fire(evFabricError)
	if ok {
		l.s.dispatch(after, listeners)
	}
}

var _ fabric.Listener = (*fabricListener)(nil)
