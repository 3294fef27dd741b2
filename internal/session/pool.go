package session

import (
	"container/heap"
	"log"
	"sync"
	"time"

	"github.com/sockjet/sockjs-server/internal/metrics"
)

// DefaultGCCycle is the interval between garbage collection sweeps.
const DefaultGCCycle = 2 * time.Second

// expiryHeap orders sessions by expiry deadline; insertion order breaks
// ties so sweeps are stable.
type expiryHeap []*Session

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	ei, ej := h[i].ExpiresAt(), h[j].ExpiresAt()
	if ei.Equal(ej) {
		return h[i].seq < h[j].seq
	}
	return ei.Before(ej)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	s := x.(*Session)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// Pool is the garbage-collected session registry. It is the sole owner
// of sessions; transports receive them by parameter.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pool     expiryHeap
	seq      uint64
	cycle    uint64

	gcCycle    time.Duration
	postDelete func(*Session)

	done     chan struct{}
	doneOnce sync.Once
	started  bool
}

// NewPool creates an empty pool sweeping at the given interval. A zero
// interval selects DefaultGCCycle. postDelete, if non-nil, is invoked
// after a session is removed from the registry.
func NewPool(gcCycle time.Duration, postDelete func(*Session)) *Pool {
	if gcCycle <= 0 {
		gcCycle = DefaultGCCycle
	}
	return &Pool{
		sessions:   make(map[string]*Session),
		gcCycle:    gcCycle,
		postDelete: postDelete,
		done:       make(chan struct{}),
	}
}

// Add inserts a session into the registry. Sessions already expired are
// registered but never enter the expiry heap.
func (p *Pool) Add(s *Session) {
	p.mu.Lock()
	p.seq++
	s.seq = p.seq
	s.cycle = 0
	p.sessions[s.ID()] = s
	if !s.Expired() {
		heap.Push(&p.pool, s)
	}
	n := len(p.sessions)
	p.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
}

// Get returns the session for id if it exists and has not expired.
func (p *Pool) Get(id string) *Session {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()

	if s == nil || s.Expired() {
		return nil
	}
	return s
}

// Lookup returns the session for id regardless of expiry state. Expired
// sessions linger until the sweeper removes them so that late readers
// can still be told to go away.
func (p *Pool) Lookup(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

// Remove deletes a session from the registry and runs the post-delete
// hook.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	n := len(p.sessions)
	p.mu.Unlock()

	if ok {
		metrics.SessionsActive.Set(float64(n))
		if p.postDelete != nil {
			p.postDelete(s)
		}
	}
}

// Len returns the number of registered sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// StartGC launches the background sweeper. Subsequent calls are no-ops.
func (p *Pool) StartGC() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		log.Printf("session: rejected attempt to start a second garbage collector")
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.gcCycle)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.GC()
			}
		}
	}()
}

// GC performs one collection sweep. Heap heads whose deadline passed are
// popped; expired or overdue sessions leave the registry, live ones are
// tagged with the cycle id and re-pushed so the sweep terminates. The
// pool lock is held for the whole sweep, so concurrent adds wait for it.
func (p *Pool) GC() {
	p.mu.Lock()
	p.cycle++
	cycle := p.cycle
	now := time.Now()

	var deleted []*Session
	for len(p.pool) > 0 {
		head := p.pool[0]

		if head.cycle == cycle || head.ExpiresAt().After(now) {
			break
		}

		heap.Pop(&p.pool)
		head.cycle = cycle

		if head.Expired() {
			delete(p.sessions, head.ID())
			deleted = append(deleted, head)
			continue
		}

		if !head.Forever() && head.ExpiresAt().Before(now) {
			head.Kill()
			delete(p.sessions, head.ID())
			deleted = append(deleted, head)
		} else {
			heap.Push(&p.pool, head)
		}
	}
	n := len(p.sessions)
	p.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	for _, s := range deleted {
		log.Printf("session: collected %s", s)
		if p.postDelete != nil {
			p.postDelete(s)
		}
	}
}

// Shutdown stops the sweeper, expires every pooled session and fires
// their timeout events so blocked readers unwind.
func (p *Pool) Shutdown() {
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	var killed []*Session
	for len(p.pool) > 0 {
		head := heap.Pop(&p.pool).(*Session)
		killed = append(killed, head)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range killed {
		s.Kill()
	}
	metrics.SessionsActive.Set(0)
}
