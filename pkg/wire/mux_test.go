package wire

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func pipeMuxes(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	c1, c2 := net.Pipe()
	clientMux := NewMux(NewChannel(c1), Client)
	serverMux := NewMux(NewChannel(c2), Server)
	return clientMux, serverMux
}

func TestMultiplexIsolation(t *testing.T) {
	clientMux, serverMux := pipeMuxes(t)
	defer clientMux.Close()
	defer serverMux.Close()

	const sessions = 3
	const perSession = 20

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		s, err := clientMux.Open()
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		wg.Add(1)
		go func(s *Session, idx int) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				if err := s.Write(Message{"idx": float64(idx), "seq": float64(j)}); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(s, i)
	}

	seen := make([][]int, sessions)
	var seenMu sync.Mutex
	var serverWG sync.WaitGroup
	for i := 0; i < sessions; i++ {
		serverWG.Add(1)
		go func() {
			defer serverWG.Done()
			srvSession, err := serverMux.Accept()
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			var idx int = -1
			var got []int
			for {
				msg, err := srvSession.Read()
				if errors.Is(err, ErrEOS) {
					break
				}
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				idx = int(msg["idx"].(float64))
				got = append(got, int(msg["seq"].(float64)))
				if len(got) == perSession {
					break
				}
			}
			seenMu.Lock()
			seen[idx] = got
			seenMu.Unlock()
		}()
	}

	wg.Wait()
	serverWG.Wait()

	for i := 0; i < sessions; i++ {
		if len(seen[i]) != perSession {
			t.Fatalf("session %d: got %d messages, want %d", i, len(seen[i]), perSession)
		}
		for j, v := range seen[i] {
			if v != j {
				t.Fatalf("session %d: out-of-order delivery at %d: got %d", i, j, v)
			}
		}
	}
}

func TestEnvelopeInvariantIgnoresNoise(t *testing.T) {
	clientMux, serverMux := pipeMuxes(t)
	defer clientMux.Close()
	defer serverMux.Close()

	// Raw access to the underlying base channel to inject malformed
	// envelopes the Session/Mux API could never produce itself.
	base := clientMux.base

	if err := base.Write(Message{"no-session-field": true}); err != nil {
		t.Fatalf("write noise: %v", err)
	}
	if err := base.Write(Message{"session": float64(1), "content": Message{"x": 1}, "extra": true}); err != nil {
		t.Fatalf("write noise: %v", err)
	}
	if err := base.Write(Message{"session": "not-a-number"}); err != nil {
		t.Fatalf("write noise: %v", err)
	}

	// A well-formed message afterward must still arrive, proving the
	// noise above was silently ignored rather than desynchronizing the
	// stream.
	s, err := clientMux.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Write(Message{"ok": true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv, err := serverMux.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	msg, err := srv.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["ok"] != true {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestSessionHalfCloseDeliversEOS(t *testing.T) {
	clientMux, serverMux := pipeMuxes(t)
	defer clientMux.Close()
	defer serverMux.Close()

	s, err := clientMux.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Write(Message{"first": true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	srv, err := serverMux.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	msg, err := srv.Read()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if msg["first"] != true {
		t.Fatalf("unexpected first message: %v", msg)
	}
	if _, err := srv.Read(); !errors.Is(err, ErrEOS) {
		t.Fatalf("expected ErrEOS after close, got %v", err)
	}
}

func TestBaseCloseNotifiesAllSessions(t *testing.T) {
	clientMux, serverMux := pipeMuxes(t)
	defer clientMux.Close()

	s1, _ := clientMux.Open()
	s2, _ := clientMux.Open()
	if err := s1.Write(Message{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s2.Write(Message{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv1, err := serverMux.Accept()
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	srv2, err := serverMux.Accept()
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	if _, err := srv1.Read(); err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if _, err := srv2.Read(); err != nil {
		t.Fatalf("read 2: %v", err)
	}

	done := make(chan struct{})
	go func() {
		serverMux.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serverMux.Close() did not return")
	}

	if _, err := srv1.Read(); !errors.Is(err, ErrEOS) {
		t.Fatalf("session 1: expected ErrEOS, got %v", err)
	}
	if _, err := srv2.Read(); !errors.Is(err, ErrEOS) {
		t.Fatalf("session 2: expected ErrEOS, got %v", err)
	}
}
