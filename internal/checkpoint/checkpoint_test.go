package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

type fakePhases map[string][]string

func (f fakePhases) PhasesFor(key string) ([]string, bool) {
	p, ok := f[key]
	return p, ok
}

// fakeProber marks specific PIDs dead; everything else counts as alive.
type fakeProber struct {
	dead map[int]bool
}

func (f fakeProber) Alive(o Owner) bool { return !f.dead[o.PID] }

var syncPhases = fakePhases{
	"sync": {"fetch", "merge", "write", PhaseComplete},
}

func newTestManager(t *testing.T, probe Prober) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return NewManager(st, syncPhases, probe, logx.Nop())
}

func TestStartWorkRecordsFirstPhase(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, fakeProber{})
	ctx := context.Background()

	if err := m.StartWork(ctx, "t1", "sync", "run-1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}

	cp, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Phase != "fetch" {
		t.Fatalf("Phase = %q, want fetch", cp.Phase)
	}
	if cp.Owner.PID != os.Getpid() {
		t.Fatalf("Owner.PID = %d, want %d", cp.Owner.PID, os.Getpid())
	}
	if cp.Complete() {
		t.Fatal("fresh checkpoint must not read as complete")
	}

	if err := m.StartWork(ctx, "t2", "unregistered", "run-2"); err == nil {
		t.Fatal("expected error for unknown workflow type")
	}
}

func TestUpdateCheckpointMergesOutputsAndCounters(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, fakeProber{})
	ctx := context.Background()

	if err := m.StartWork(ctx, "t1", "sync", "run-1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}

	out1 := map[string]json.RawMessage{"fetch": json.RawMessage(`{"rows":10}`)}
	if err := m.UpdateCheckpoint(ctx, "t1", "merge", out1, map[string]int64{"rows": 10}); err != nil {
		t.Fatalf("UpdateCheckpoint: %v", err)
	}
	out2 := map[string]json.RawMessage{"merge": json.RawMessage(`{"rows":8}`)}
	if err := m.UpdateCheckpoint(ctx, "t1", "write", out2, map[string]int64{"rows": 8}); err != nil {
		t.Fatalf("UpdateCheckpoint: %v", err)
	}

	cp, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Phase != "write" {
		t.Fatalf("Phase = %q, want write", cp.Phase)
	}
	if len(cp.PhaseOutputs) != 2 {
		t.Fatalf("PhaseOutputs = %v, want both phases kept", cp.PhaseOutputs)
	}
	if cp.Counters["rows"] != 18 {
		t.Fatalf("Counters[rows] = %d, want 18 (accumulated)", cp.Counters["rows"])
	}
}

func TestUpdateCheckpointRejectsUnknownPhase(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, fakeProber{})
	ctx := context.Background()

	if err := m.StartWork(ctx, "t1", "sync", "run-1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}
	err := m.UpdateCheckpoint(ctx, "t1", "shredding", nil, nil)
	if !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("expected ErrUnknownPhase, got %v", err)
	}
	err = m.UpdateCheckpoint(ctx, "missing", "merge", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// The terminal phase is always legal.
	if err := m.UpdateCheckpoint(ctx, "t1", PhaseComplete, nil, nil); err != nil {
		t.Fatalf("UpdateCheckpoint(complete): %v", err)
	}
}

func TestIncompleteWorkFiltersLiveAndComplete(t *testing.T) {
	t.Parallel()
	probe := fakeProber{dead: map[int]bool{}}
	m := newTestManager(t, probe)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	step := 0
	m.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	for _, id := range []string{"old", "mid", "new", "done"} {
		if err := m.StartWork(ctx, id, "sync", "run-"+id); err != nil {
			t.Fatalf("StartWork(%s): %v", id, err)
		}
	}
	if err := m.UpdateCheckpoint(ctx, "done", PhaseComplete, nil, nil); err != nil {
		t.Fatalf("UpdateCheckpoint: %v", err)
	}

	// Everyone is alive: nothing to resume.
	got, err := m.IncompleteWork(ctx)
	if err != nil {
		t.Fatalf("IncompleteWork: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected none while owners live, got %d", len(got))
	}

	probe.dead[os.Getpid()] = true
	got, err = m.IncompleteWork(ctx)
	if err != nil {
		t.Fatalf("IncompleteWork: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 abandoned, got %d", len(got))
	}
	// Oldest first; the complete one never appears.
	if got[0].TaskID != "old" || got[1].TaskID != "mid" || got[2].TaskID != "new" {
		t.Fatalf("order = %s, %s, %s", got[0].TaskID, got[1].TaskID, got[2].TaskID)
	}
}

func TestAdoptTransfersOwner(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, fakeProber{})
	ctx := context.Background()

	if err := m.StartWork(ctx, "t1", "sync", "run-1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}
	if err := m.UpdateCheckpoint(ctx, "t1", "merge",
		map[string]json.RawMessage{"fetch": json.RawMessage(`1`)}, nil); err != nil {
		t.Fatalf("UpdateCheckpoint: %v", err)
	}

	if err := m.Adopt(ctx, "t1"); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	cp, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Phase != "merge" {
		t.Fatalf("Phase = %q, adoption must not reset progress", cp.Phase)
	}
	if len(cp.PhaseOutputs) != 1 {
		t.Fatalf("PhaseOutputs lost on adoption: %v", cp.PhaseOutputs)
	}
	if cp.Owner.PID != os.Getpid() {
		t.Fatalf("Owner.PID = %d, want adopter", cp.Owner.PID)
	}

	if err := m.Adopt(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearWork(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, fakeProber{})
	ctx := context.Background()

	if err := m.StartWork(ctx, "t1", "sync", "run-1"); err != nil {
		t.Fatalf("StartWork: %v", err)
	}
	if err := m.ClearWork(ctx, "t1"); err != nil {
		t.Fatalf("ClearWork: %v", err)
	}
	if _, err := m.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
	// Clearing twice is harmless.
	if err := m.ClearWork(ctx, "t1"); err != nil {
		t.Fatalf("ClearWork (again): %v", err)
	}
}
