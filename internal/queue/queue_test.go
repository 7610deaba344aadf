package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

type fakeCatalog struct {
	keys   []string
	bypass map[string]bool
}

func (c fakeCatalog) Has(key string) bool {
	for _, k := range c.keys {
		if k == key {
			return true
		}
	}
	return false
}
func (c fakeCatalog) Keys() []string                { return c.keys }
func (c fakeCatalog) BypassConcurrency(k string) bool { return c.bypass[k] }

// testClock hands out strictly increasing timestamps so creation-time
// ordering is deterministic.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestManager(t *testing.T, cat Catalog, policy Policy) (*Manager, *testClock) {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	m := NewManager(st, cat, policy, logx.Nop())
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("task-%03d", seq)
	}
	return m, clock
}

func defaultCatalog() fakeCatalog {
	return fakeCatalog{keys: []string{"sync", "report", "ping"}, bypass: map[string]bool{"ping": true}}
}

func TestAddRejectsUnknownType(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	_, err := m.Add(ctx, NewTask{Type: "bogus"})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	_, err = m.Add(ctx, NewTask{Type: "  "})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for blank type, got %v", err)
	}

	// Rejected submissions must leave no trace.
	tasks, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue, got %d tasks", len(tasks))
	}
}

func TestAddDefaultsCategory(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	id, err := m.Add(ctx, NewTask{Type: "sync"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Category != "default" {
		t.Fatalf("Category = %q, want %q", got.Category, "default")
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	// Two categories; the high-priority task sits in the second one.
	a1, _ := m.Add(ctx, NewTask{Type: "sync", Category: "alpha", Priority: 1})
	b1, _ := m.Add(ctx, NewTask{Type: "sync", Category: "beta", Priority: 5})
	a2, _ := m.Add(ctx, NewTask{Type: "sync", Category: "alpha", Priority: 1})

	pick := func(want string) {
		t.Helper()
		next, err := m.NextEligible(ctx)
		if err != nil {
			t.Fatalf("NextEligible: %v", err)
		}
		if next == nil {
			t.Fatalf("NextEligible = nil, want %s", want)
		}
		if next.ID != want {
			t.Fatalf("NextEligible = %s (category %s), want %s", next.ID, next.Category, want)
		}
		if err := m.MarkStarted(ctx, next.ID, 1, "host"); err != nil {
			t.Fatalf("MarkStarted: %v", err)
		}
		if err := m.MarkCompleted(ctx, next.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}

	// The rotation starts one past the last-used pointer, so the second
	// category goes first, then alternates; within alpha, older first.
	pick(b1)
	pick(a1)
	pick(a2)

	next, err := m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next != nil {
		t.Fatalf("expected empty queue, got %s", next.ID)
	}
}

func TestRotationSkipsEmptyCategories(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	// alpha gets drained; remaining picks must come from beta without the
	// rotation stalling on the empty slot.
	a1, _ := m.Add(ctx, NewTask{Type: "sync", Category: "alpha"})
	b1, _ := m.Add(ctx, NewTask{Type: "sync", Category: "beta"})
	b2, _ := m.Add(ctx, NewTask{Type: "sync", Category: "beta"})

	order := []string{b1, a1, b2}
	for _, want := range order {
		next, err := m.NextEligible(ctx)
		if err != nil {
			t.Fatalf("NextEligible: %v", err)
		}
		if next == nil || next.ID != want {
			t.Fatalf("got %+v, want %s", next, want)
		}
		if err := m.MarkStarted(ctx, next.ID, 1, "host"); err != nil {
			t.Fatalf("MarkStarted: %v", err)
		}
		if err := m.MarkCompleted(ctx, next.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	id, _ := m.Add(ctx, NewTask{Type: "sync"})
	if err := m.MarkStarted(ctx, id, 1, "host"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := m.MarkStarted(ctx, id, 2, "host"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second MarkStarted: expected ErrBadTransition, got %v", err)
	}

	// A running task is never selected again.
	next, err := m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next != nil {
		t.Fatalf("running task re-selected: %s", next.ID)
	}
}

func TestTerminalTransitions(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	id, _ := m.Add(ctx, NewTask{Type: "sync"})
	if err := m.MarkStarted(ctx, id, 1, "host"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := m.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := m.MarkCompleted(ctx, id); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition after terminal, got %v", err)
	}

	got, _ := m.Get(ctx, id)
	if got.Status != StatusFailed || got.LastError != "boom" {
		t.Fatalf("got %+v", got)
	}
}

func TestRequeueRunning(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{})
	ctx := context.Background()

	id, _ := m.Add(ctx, NewTask{Type: "sync"})
	if err := m.MarkStarted(ctx, id, 4242, "ghost"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := m.RequeueRunning(ctx, id); err != nil {
		t.Fatalf("RequeueRunning: %v", err)
	}

	got, _ := m.Get(ctx, id)
	if got.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	if got.OwnerPID != 0 || got.OwnerHost != "" || !got.StartedAt.IsZero() {
		t.Fatalf("owner not cleared: %+v", got)
	}

	if err := m.RequeueRunning(ctx, id); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition for pending task, got %v", err)
	}
}

func TestMaxConcurrentGate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, defaultCatalog(), Policy{Mode: PolicyMaxConcurrent, MaxConcurrent: 1})
	ctx := context.Background()

	first, _ := m.Add(ctx, NewTask{Type: "sync"})
	m.Add(ctx, NewTask{Type: "sync"})

	if err := m.MarkStarted(ctx, first, 1, "host"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	next, err := m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next != nil {
		t.Fatalf("gate closed but got %s", next.ID)
	}

	// Bypass-concurrency types ignore the gate.
	pingID, _ := m.Add(ctx, NewTask{Type: "ping"})
	next, err = m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next == nil || next.ID != pingID {
		t.Fatalf("got %+v, want bypass task %s", next, pingID)
	}

	// Gate reopens once the running task finishes.
	if err := m.MarkCompleted(ctx, first); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	next, err = m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next == nil {
		t.Fatal("expected a pick after gate reopened")
	}
}

// Two managers on one store stand in for two cooperating processes; every
// submission must survive the lock contention.
func TestConcurrentAddLosesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st1, err := store.Open(dir, store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	st2, err := store.Open(dir, store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	m1 := NewManager(st1, defaultCatalog(), Policy{}, logx.Nop())
	m2 := NewManager(st2, defaultCatalog(), Policy{}, logx.Nop())

	const perManager = 20
	ctx := context.Background()
	errs := make(chan error, 2)
	for _, m := range []*Manager{m1, m2} {
		m := m
		go func() {
			for i := 0; i < perManager; i++ {
				if _, err := m.Add(ctx, NewTask{Type: "sync"}); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	tasks, err := m1.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 2*perManager {
		t.Fatalf("len = %d, want %d", len(tasks), 2*perManager)
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		if seen[task.ID] {
			t.Fatalf("duplicate id %s", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestStaggerGate(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, defaultCatalog(), Policy{Mode: PolicyStagger, MinStagger: time.Hour})
	ctx := context.Background()

	first, _ := m.Add(ctx, NewTask{Type: "sync"})
	m.Add(ctx, NewTask{Type: "sync"})

	if err := m.MarkStarted(ctx, first, 1, "host"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := m.MarkCompleted(ctx, first); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	next, err := m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next != nil {
		t.Fatalf("stagger window open too early: got %s", next.ID)
	}

	clock.t = clock.t.Add(time.Hour)
	next, err = m.NextEligible(ctx)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if next == nil {
		t.Fatal("expected a pick after the stagger window passed")
	}
}
