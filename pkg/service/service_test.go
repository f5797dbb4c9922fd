package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fabricbroker/fabricd/pkg/fabric"
	"github.com/fabricbroker/fabricd/pkg/workpool"
)

// minimalSwitch answers just enough of the switch/controller REST contract
// for a service's define/activate/release cycle to run end to end.
type minimalSwitch struct {
	mu      sync.Mutex
	next    int
	bridges map[string]string
	tunnels map[string]map[int]fabric.TunnelDesc
}

func newMinimalSwitch() *minimalSwitch {
	return &minimalSwitch{bridges: map[string]string{}, tunnels: map[string]map[int]fabric.TunnelDesc{}}
}

func (f *minimalSwitch) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == "POST" {
			var req struct{ Descr string }
			json.NewDecoder(r.Body).Decode(&req)
			f.next++
			name := fmt.Sprintf("vfc%d", f.next)
			f.bridges[name] = req.Descr
			f.tunnels[name] = map[int]fabric.TunnelDesc{}
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]string{"name": name})
			return
		}
		names := make([]string, 0, len(f.bridges))
		for n := range f.bridges {
			names = append(names, n)
		}
		w.WriteHeader(200)
		json.NewEncoder(w).Encode(names)
	})
	mux.HandleFunc("/bridges/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		path := r.URL.Path[len("/bridges/"):]
		bridgeID, rest := path, ""
		for i := 0; i < len(path); i++ {
			if path[i] == '/' {
				bridgeID, rest = path[:i], path[i+1:]
				break
			}
		}
		switch {
		case rest == "" && r.Method == "PATCH":
			var req struct{ Descr string }
			json.NewDecoder(r.Body).Decode(&req)
			f.bridges[bridgeID] = req.Descr
			w.WriteHeader(204)
		case rest == "" && r.Method == "DELETE":
			delete(f.bridges, bridgeID)
			delete(f.tunnels, bridgeID)
			w.WriteHeader(204)
		case rest == "tunnels" && r.Method == "POST":
			var td fabric.TunnelDesc
			json.NewDecoder(r.Body).Decode(&td)
			port := len(f.tunnels[bridgeID]) + 1
			f.tunnels[bridgeID][port] = td
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]int{"ofport": port})
		case rest != "" && r.Method == "DELETE":
			w.WriteHeader(204)
		default:
			w.WriteHeader(404)
		}
	})
	return httptest.NewServer(mux)
}

func newTestService(t *testing.T, id uint32) (*Service, func()) {
	t.Helper()
	fs := newMinimalSwitch()
	fsServer := fs.server()
	ctlServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		json.NewEncoder(w).Encode([][]int{})
	}))

	sw, err := fabric.NewSwitchClient(fabric.RESTConfig{BaseURL: fsServer.URL, BearerToken: "t"})
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := fabric.NewControllerClient(fabric.RESTConfig{BaseURL: ctlServer.URL, BearerToken: "t"})
	if err != nil {
		t.Fatal(err)
	}
	pool := workpool.New(4)
	mgr := fabric.NewVFCPerServiceManager(fabric.Config{
		DescrPrefix: "fabricd:", PartialSuffix: "partial", CompleteSuffix: "complete",
	}, sw, ctl, pool)
	mgr.RegisterTerminal("t1", "phys.1")
	mgr.RegisterTerminal("t2", "phys.2")

	s := New(id, "", "netA", "tok", mgr)
	return s, func() { fsServer.Close(); ctlServer.Close(); pool.Close() }
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) StatusChanged(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func waitForStatus(t *testing.T, s *Service, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("service never reached %s, stuck at %s", want, s.Status())
}

func validSegment() Segment {
	return Segment{
		{Terminal: "t1", Label: 100}: {IngressKbps: 10, EgressKbps: 10},
		{Terminal: "t2", Label: 200}: {IngressKbps: 10, EgressKbps: 10},
	}
}

func TestDefineActivateHappyPath(t *testing.T) {
	s, cleanup := newTestService(t, 1)
	defer cleanup()

	rec := &statusRecorder{}
	s.AddListener(rec)

	if err := s.Define(validSegment()); err != nil {
		t.Fatalf("define: %v", err)
	}
	waitForStatus(t, s, Inactive)

	if err := s.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	waitForStatus(t, s, Active)

	seen := rec.snapshot()
	if len(seen) < 3 || seen[0] != Establishing || seen[len(seen)-1] != Active {
		t.Fatalf("unexpected transition sequence: %v", seen)
	}
}

func TestDefineRejectsShortSegment(t *testing.T) {
	s, cleanup := newTestService(t, 2)
	defer cleanup()

	rec := &statusRecorder{}
	s.AddListener(rec)

	segment := Segment{{Terminal: "t1", Label: 100}: {IngressKbps: 1, EgressKbps: 1}}
	if err := s.Define(segment); err == nil {
		t.Fatal("expected segment-invalid error")
	}
	if s.Status() != Failed {
		t.Fatalf("expected FAILED, got %s", s.Status())
	}
	seen := rec.snapshot()
	if len(seen) != 1 || seen[0] != Failed {
		t.Fatalf("expected single FAILED delivery, got %v", seen)
	}
}

func TestReleaseFromDormantIsDirect(t *testing.T) {
	s, cleanup := newTestService(t, 3)
	defer cleanup()
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if s.Status() != Released {
		t.Fatalf("expected RELEASED, got %s", s.Status())
	}
}

func TestMonotonicityAfterRelease(t *testing.T) {
	s, cleanup := newTestService(t, 4)
	defer cleanup()
	s.Release()
	if err := s.Activate(); err == nil {
		t.Fatal("expected activate() to fail once RELEASED")
	}
	if s.Status() != Released {
		t.Fatalf("status moved out of RELEASED: %s", s.Status())
	}
}

func TestAddListenerAfterDormantDeliversCurrentStatus(t *testing.T) {
	s, cleanup := newTestService(t, 5)
	defer cleanup()
	if err := s.Define(validSegment()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, Inactive)

	rec := &statusRecorder{}
	s.AddListener(rec)
	seen := rec.snapshot()
	if len(seen) != 1 || seen[0] != Inactive {
		t.Fatalf("expected immediate current-status delivery, got %v", seen)
	}
}

func TestActivateIsIdempotentOnceActive(t *testing.T) {
	s, cleanup := newTestService(t, 7)
	defer cleanup()

	if err := s.Define(validSegment()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, Inactive)
	if err := s.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	waitForStatus(t, s, Active)

	if err := s.Activate(); err != nil {
		t.Fatalf("repeated activate() on an ACTIVE service must be a no-op, got error: %v", err)
	}
	if s.Status() != Active {
		t.Fatalf("expected ACTIVE, got %s", s.Status())
	}
}

func TestDeactivateIsIdempotentWhileInactive(t *testing.T) {
	s, cleanup := newTestService(t, 8)
	defer cleanup()

	if err := s.Define(validSegment()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, Inactive)

	if err := s.Deactivate(); err != nil {
		t.Fatalf("deactivate() on an INACTIVE service must be a no-op, got error: %v", err)
	}
	if s.Status() != Inactive {
		t.Fatalf("expected INACTIVE, got %s", s.Status())
	}
}

func TestAwaitStatusTimesOut(t *testing.T) {
	s, cleanup := newTestService(t, 6)
	defer cleanup()
	got := s.AwaitStatus(map[Status]struct{}{Active: {}}, 30*time.Millisecond)
	if got != Dormant {
		t.Fatalf("expected DORMANT on timeout, got %s", got)
	}
}
