// Package session implements the transport-independent SockJS session: a
// durable FIFO message queue with lifecycle, heartbeat and timeout
// semantics, plus the garbage-collected pool that owns all sessions.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is how long an idle session survives before the pool's
// garbage collector reaps it. Activity slides the deadline.
const DefaultTTL = 5 * time.Second

var (
	// ErrTimeout is returned by GetMessages when no message arrived
	// within the wait budget.
	ErrTimeout = errors.New("session: queue empty")

	// ErrClosed is returned by GetMessages when the session was killed
	// while waiting.
	ErrClosed = errors.New("session: closed")
)

// Session is one logical message channel between the server and a single
// browser identity. The client chooses the session id; the server id is a
// load-balancer hint and is ignored beyond bookkeeping.
type Session struct {
	id       string
	serverID string

	mu       sync.Mutex
	messages []string
	wake     chan struct{}

	hits       int
	heartbeats int

	connected    bool
	expired      bool
	interrupted  bool
	forever      bool
	networkError bool
	opened       bool

	ttl       time.Duration
	expiresAt time.Time

	// heap bookkeeping, owned by the pool
	cycle uint64
	seq   uint64
	index int

	timeoutCh   chan struct{}
	timeoutOnce sync.Once

	reader atomic.Bool
}

// New creates a session with the given identity and idle TTL. A zero ttl
// selects DefaultTTL.
func New(id, serverID string, ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Session{
		id:        id,
		serverID:  serverID,
		wake:      make(chan struct{}, 1),
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
		timeoutCh: make(chan struct{}),
		index:     -1,
	}
}

// ID returns the client-chosen session identifier.
func (s *Session) ID() string { return s.id }

// ServerID returns the load-balancer hint from the URL.
func (s *Session) ServerID() string { return s.serverID }

// AddMessage enqueues a message for delivery to the client. Producers do
// not keep sessions alive; the expiry deadline is untouched.
func (s *Session) AddMessage(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Send enqueues a message. It is the application-facing alias for
// AddMessage.
func (s *Session) Send(msg string) {
	s.AddMessage(msg)
}

// GetMessages drains and returns every message currently queued. If the
// queue is empty it blocks until at least one message arrives, the
// session is killed (ErrClosed), or timeout elapses (ErrTimeout). A
// non-positive timeout waits indefinitely.
func (s *Session) GetMessages(timeout time.Duration) ([]string, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if len(s.messages) > 0 {
			batch := s.messages
			s.messages = nil
			s.mu.Unlock()
			return batch, nil
		}
		closed := s.expired
		s.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-s.wake:
		case <-s.timeoutCh:
			// Drain anything that raced in ahead of the kill.
			s.mu.Lock()
			batch := s.messages
			s.messages = nil
			s.mu.Unlock()
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, ErrClosed
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

// QueueLen reports the number of undelivered messages.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// IsNew reports whether the session has seen no inbound requests yet.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits == 0
}

// FirstOpen reports whether the caller is the first to open the
// session. The application's on_open hook hangs off this: exactly one
// request wins.
func (s *Session) FirstOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return false
	}
	s.opened = true
	return true
}

// IncrHits records an inbound request: it marks the session connected
// and clears the disconnect timeout by sliding the expiry deadline.
func (s *Session) IncrHits() {
	s.mu.Lock()
	s.hits++
	s.connected = true
	if !s.forever {
		s.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()
}

// Hits returns the number of inbound requests observed.
func (s *Session) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// Heartbeat clears the disconnect timeout, bumps the heartbeat counter
// and returns the new count.
func (s *Session) Heartbeat() int {
	s.mu.Lock()
	s.heartbeats++
	n := s.heartbeats
	if !s.forever {
		s.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()
	return n
}

// Heartbeats returns the number of heartbeats emitted on this session.
func (s *Session) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// Persist extends the session's lifetime. A zero extension slides the
// deadline by the session TTL; forever pins the session until it is
// explicitly killed.
func (s *Session) Persist(extension time.Duration, forever bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = false
	if forever {
		s.forever = true
		return
	}
	if extension <= 0 {
		extension = s.ttl
	}
	s.expiresAt = time.Now().Add(extension)
	s.forever = false
}

// Expire marks the session expired without waking waiters. The pool
// removes it in the first sweep after its expiry deadline.
func (s *Session) Expire() {
	s.mu.Lock()
	s.expired = true
	s.forever = false
	s.mu.Unlock()
}

// Expired reports whether the session has been expired or killed.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Forever reports whether the session is pinned against expiry.
func (s *Session) Forever() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forever
}

// Interrupt records a client-initiated close and kills the session.
func (s *Session) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	s.Kill()
}

// Interrupted reports whether the session was closed through a
// client-visible endpoint rather than collected.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// MarkNetworkError flags the session as having died from a socket error
// mid-response and expires it.
func (s *Session) MarkNetworkError() {
	s.mu.Lock()
	s.networkError = true
	s.mu.Unlock()
	s.Expire()
}

// NetworkError reports whether a socket error took the session down.
func (s *Session) NetworkError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkError
}

// Kill disconnects the session, marks it expired and fires the timeout
// event, waking every blocked reader. Idempotent.
func (s *Session) Kill() {
	s.mu.Lock()
	s.connected = false
	s.expired = true
	s.forever = false
	s.mu.Unlock()

	s.timeoutOnce.Do(func() { close(s.timeoutCh) })
}

// TimeoutNotify returns a channel closed when the session is killed.
func (s *Session) TimeoutNotify() <-chan struct{} {
	return s.timeoutCh
}

// TryLock attempts to acquire the single-reader latch. It never blocks;
// a false return means another consumer already owns the session.
func (s *Session) TryLock() bool {
	return s.reader.CompareAndSwap(false, true)
}

// Unlock releases the single-reader latch.
func (s *Session) Unlock() {
	s.reader.Store(false)
}

// IsLocked reports whether a reader currently owns the session.
func (s *Session) IsLocked() bool {
	return s.reader.Load()
}

// Connected reports whether the session has an active client.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// String renders the session for log lines.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := fmt.Sprintf("session_id=%q", s.id)
	if s.connected {
		out += " connected"
	} else {
		out += " disconnected"
	}
	if n := len(s.messages); n > 0 {
		out += fmt.Sprintf(" queue[%d]", n)
	}
	if s.hits > 0 {
		out += fmt.Sprintf(" hits=%d", s.hits)
	}
	if s.heartbeats > 0 {
		out += fmt.Sprintf(" heartbeats=%d", s.heartbeats)
	}
	return out
}
