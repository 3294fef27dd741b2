package session

import (
	"testing"
	"time"
)

func TestPoolAddGet(t *testing.T) {
	p := NewPool(time.Hour, nil)
	s := New("s1", "srv", time.Hour)
	p.Add(s)

	if got := p.Get("s1"); got != s {
		t.Fatal("Get should return the added session")
	}
	if got := p.Get("missing"); got != nil {
		t.Errorf("Get of unknown id should return nil, got %v", got)
	}
	if p.Len() != 1 {
		t.Errorf("expected pool length 1, got %d", p.Len())
	}
}

func TestPoolGetHidesExpired(t *testing.T) {
	p := NewPool(time.Hour, nil)
	s := New("s1", "srv", time.Hour)
	p.Add(s)

	s.Kill()

	if got := p.Get("s1"); got != nil {
		t.Error("Get should hide expired sessions")
	}
	if got := p.Lookup("s1"); got != s {
		t.Error("Lookup should still return expired sessions until GC")
	}
}

func TestPoolRemoveRunsHook(t *testing.T) {
	var deleted []string
	p := NewPool(time.Hour, func(s *Session) {
		deleted = append(deleted, s.ID())
	})

	s := New("s1", "srv", time.Hour)
	p.Add(s)
	p.Remove("s1")

	if p.Lookup("s1") != nil {
		t.Error("session should be gone after Remove")
	}
	if len(deleted) != 1 || deleted[0] != "s1" {
		t.Errorf("post-delete hook not invoked, got %v", deleted)
	}

	// Removing twice must not re-run the hook.
	p.Remove("s1")
	if len(deleted) != 1 {
		t.Errorf("hook re-ran on double remove: %v", deleted)
	}
}

func TestGCCollectsOverdue(t *testing.T) {
	deleted := make(chan string, 4)
	p := NewPool(time.Hour, func(s *Session) { deleted <- s.ID() })

	short := New("short", "srv", 10*time.Millisecond)
	long := New("long", "srv", time.Hour)
	p.Add(short)
	p.Add(long)

	time.Sleep(30 * time.Millisecond)
	p.GC()

	if p.Lookup("short") != nil {
		t.Error("overdue session should have been collected")
	}
	if !short.Expired() {
		t.Error("collected session should be killed")
	}
	if p.Lookup("long") != long {
		t.Error("live session should survive the sweep")
	}

	select {
	case id := <-deleted:
		if id != "short" {
			t.Errorf("unexpected post-delete target %s", id)
		}
	default:
		t.Error("post-delete hook did not run")
	}
}

func TestGCCollectsKilled(t *testing.T) {
	p := NewPool(time.Hour, nil)
	s := New("s1", "srv", 200*time.Millisecond)
	p.Add(s)

	s.Kill()
	p.GC()

	// A killed session lingers until its deadline so that late readers
	// can still be told to go away.
	if p.Lookup("s1") != s {
		t.Error("killed session should stay registered until its deadline")
	}

	time.Sleep(300 * time.Millisecond)
	p.GC()

	if p.Lookup("s1") != nil {
		t.Error("killed session should be collected once its deadline passed")
	}
}

func TestGCSparesForever(t *testing.T) {
	p := NewPool(time.Hour, nil)
	s := New("s1", "srv", 10*time.Millisecond)
	s.Persist(0, true)
	p.Add(s)

	time.Sleep(30 * time.Millisecond)
	p.GC()

	if p.Lookup("s1") != s {
		t.Error("forever session should never be collected")
	}
}

func TestGCTerminatesWithRepushedHead(t *testing.T) {
	p := NewPool(time.Hour, nil)

	// Overdue deadlines on pinned sessions: each gets popped, tagged
	// with the cycle id and re-pushed. The tag must stop the loop from
	// spinning on them forever.
	a := New("a", "srv", time.Millisecond)
	b := New("b", "srv", time.Millisecond)
	a.Persist(0, true)
	b.Persist(0, true)
	p.Add(a)
	p.Add(b)
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.GC()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GC did not terminate")
	}

	if p.Lookup("a") == nil || p.Lookup("b") == nil {
		t.Error("persisted sessions should survive")
	}
}

func TestShutdownKillsAll(t *testing.T) {
	p := NewPool(time.Hour, nil)
	a := New("a", "srv", time.Hour)
	b := New("b", "srv", time.Hour)
	p.Add(a)
	p.Add(b)

	woken := make(chan struct{})
	go func() {
		a.GetMessages(5 * time.Second)
		close(woken)
	}()
	time.Sleep(20 * time.Millisecond)

	p.Shutdown()

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not wake blocked readers")
	}

	if !a.Expired() || !b.Expired() {
		t.Error("all sessions should be expired after Shutdown")
	}
	if p.Len() != 0 {
		t.Errorf("pool should be empty after Shutdown, has %d", p.Len())
	}
}

func TestStartGCIdempotent(t *testing.T) {
	p := NewPool(10 * time.Millisecond, nil)
	p.StartGC()
	p.StartGC() // second start must be refused, not spawn a second sweeper

	s := New("s1", "srv", 10*time.Millisecond)
	p.Add(s)

	time.Sleep(100 * time.Millisecond)
	if p.Lookup("s1") != nil {
		t.Error("background sweeper did not collect the session")
	}
	p.Shutdown()
}
