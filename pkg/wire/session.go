package wire

import (
	"fmt"
	"sync"
)

// Session is one logical, independently-ordered channel carved out of a
// Mux's base channel.
type Session struct {
	id  uint32
	mux *Mux

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []sessionItem
	localClosed bool
	doneForever bool
}

type sessionItem struct {
	content Message
	isClose bool
}

func newSession(id uint32, mux *Mux) *Session {
	s := &Session{id: id, mux: mux}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the session's discriminator.
func (s *Session) ID() uint32 { return s.id }

// Read blocks for the next object sent on this session, returning ErrEOS
// once the session (or the underlying mux) has closed and no further
// content remains queued ahead of the close.
func (s *Session) Read() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		if s.doneForever {
			return nil, ErrEOS
		}
		s.cond.Wait()
	}

	item := s.queue[0]
	s.queue = s.queue[1:]
	if item.isClose {
		s.doneForever = true
		return nil, ErrEOS
	}
	return item.content, nil
}

// Write sends obj on this session.
func (s *Session) Write(obj Message) error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return fmt.Errorf("wire: write on closed session %d", s.id)
	}
	s.mu.Unlock()
	return s.mux.writeEnvelope(s.id, obj, true)
}

// Close half-closes this session locally: it sends the empty-content
// envelope, wakes any pending local Read with ErrEOS, and removes the
// session from the mux's routing table.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	s.mu.Unlock()

	err := s.mux.writeEnvelope(s.id, nil, false)
	s.deliverEOS()
	s.mux.sessionClosedLocally(s.id)
	return err
}

// enqueue appends inbound content, preserving send order.
func (s *Session) enqueue(content Message) {
	s.mu.Lock()
	s.queue = append(s.queue, sessionItem{content: content})
	s.cond.Signal()
	s.mu.Unlock()
}

// deliverPeerClose records that the peer half-closed this session: any
// content already queued is still delivered first, then Read returns EOS.
func (s *Session) deliverPeerClose() {
	s.deliverEOS()
}

// deliverEOS queues the close sentinel, used both for a peer half-close and
// for mux-wide teardown.
func (s *Session) deliverEOS() {
	s.mu.Lock()
	s.queue = append(s.queue, sessionItem{isClose: true})
	s.cond.Signal()
	s.mu.Unlock()
}
