package wire

import (
	"fmt"
	"sync"
)

// Mode selects whether a Mux offers sessions opened by the remote peer
// (Server) or only opens sessions itself (Client). The mode also decides
// whether the base channel closes when the last session closes: client
// mode does, server mode does not.
type Mode int

const (
	// Client mode: unknown inbound session ids are ignored; the base
	// channel is closed once the last locally-opened session closes.
	Client Mode = iota
	// Server mode: unknown inbound session ids spawn a new session,
	// offered via Accept(); the base channel outlives individual
	// sessions.
	Server
)

// envelope is the wire shape of a multiplexed message:
// {"session": uint32, "content"?: object}.
type envelope struct {
	id      uint32
	hasContent bool
	content Message
}

// Mux carves a single base Channel into independently-ordered session
// channels, discriminated by a small non-negative integer id.
type Mux struct {
	base *Channel
	mode Mode

	mu       sync.Mutex
	sessions map[uint32]*Session
	nextID   uint32
	closed   bool

	accept chan *Session

	writeMu sync.Mutex
}

// NewMux starts a Mux over base. The base reader runs on its own goroutine
// for the lifetime of the Mux; call Close (or close base) to stop it.
func NewMux(base *Channel, mode Mode) *Mux {
	m := &Mux{
		base:     base,
		mode:     mode,
		sessions: make(map[uint32]*Session),
	}
	if mode == Server {
		// Buffered generously; a slow Accept consumer still lets the
		// base reader make progress dispatching to already-open
		// sessions, it just delays offering new ones.
		m.accept = make(chan *Session, 64)
	}
	go m.readLoop()
	return m
}

// Accept returns the next session opened by the peer. Only valid in server
// mode. Returns ErrEOS once the base has closed and no more sessions will
// ever be offered.
func (m *Mux) Accept() (*Session, error) {
	if m.mode != Server {
		return nil, fmt.Errorf("wire: Accept called on a client-mode mux")
	}
	s, ok := <-m.accept
	if !ok {
		return nil, ErrEOS
	}
	return s, nil
}

// Open creates a new locally-initiated session. Used by client-mode callers
// (and, rarely, by a server pushing an unsolicited session).
func (m *Mux) Open() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrEOS
	}
	for {
		id := m.nextID
		m.nextID++
		if _, exists := m.sessions[id]; !exists {
			s := newSession(id, m)
			m.sessions[id] = s
			return s, nil
		}
	}
}

// Close tears down the mux: every open session is notified with EOS and the
// base channel is closed.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[uint32]*Session)
	if m.accept != nil {
		close(m.accept)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.deliverEOS()
	}
	return m.base.Close()
}

// writeEnvelope sends one multiplexed message. Callers hold no session
// locks while calling this; the mux's own write lock serializes onto the
// base channel.
func (m *Mux) writeEnvelope(id uint32, content Message, hasContent bool) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	obj := Message{"session": id}
	if hasContent {
		obj["content"] = content
	}
	return m.base.Write(obj)
}

// sessionClosedLocally removes a session from the routing table after its
// local Close has sent the half-close envelope. In client mode, closing the
// last session closes the base.
func (m *Mux) sessionClosedLocally(id uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	empty := len(m.sessions) == 0
	closed := m.closed
	m.mu.Unlock()

	if m.mode == Client && empty && !closed {
		m.Close()
	}
}

func (m *Mux) readLoop() {
	for {
		msg, err := m.base.Read()
		if err != nil {
			m.Close()
			return
		}

		env, ok := parseEnvelope(msg)
		if !ok {
			// Envelope invariant: malformed/noise messages are
			// ignored entirely — no close, no delivery.
			continue
		}

		m.dispatch(env)
	}
}

func (m *Mux) dispatch(env envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	s, exists := m.sessions[env.id]
	if !exists {
		if !env.hasContent {
			// Half-close for a session we never opened: nothing
			// to do.
			m.mu.Unlock()
			return
		}
		if m.mode != Server {
			// Client mode ignores peer-initiated sessions.
			m.mu.Unlock()
			return
		}
		s = newSession(env.id, m)
		m.sessions[env.id] = s
		m.mu.Unlock()

		s.enqueue(env.content)
		// Content is already queued on the session, so a full accept
		// channel only delays the new session's visibility via
		// Accept — it never drops content, it just backpressures the
		// base reader until the consumer catches up.
		m.accept <- s
		return
	}
	m.mu.Unlock()

	if env.hasContent {
		s.enqueue(env.content)
	} else {
		s.deliverPeerClose()
	}
}

// parseEnvelope validates the envelope invariant: the message must have a
// "session" field that decodes to a non-negative integer, and no fields
// beyond "session" and "content".
func parseEnvelope(msg Message) (envelope, bool) {
	rawID, ok := msg["session"]
	if !ok {
		return envelope{}, false
	}
	n, ok := rawID.(float64)
	if !ok || n < 0 || n != float64(uint32(n)) {
		return envelope{}, false
	}

	for k := range msg {
		if k != "session" && k != "content" {
			return envelope{}, false
		}
	}

	content, hasContent := msg["content"]
	var contentObj Message
	if hasContent {
		contentObj, ok = content.(map[string]interface{})
		if !ok {
			return envelope{}, false
		}
	}

	return envelope{id: uint32(n), hasContent: hasContent, content: contentObj}, true
}
