package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"taskmill/internal/checkpoint"
)

func noopRun(ctx context.Context, in RunInput) (Outputs, error) { return nil, nil }

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := New()

	ok := Descriptor{Key: "sync", Phases: []string{"fetch", checkpoint.PhaseComplete}, Run: noopRun}
	if err := r.Register(ok); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Register(ok); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	err := r.Register(Descriptor{Key: "bad", Phases: []string{"fetch"}, Run: noopRun})
	if !errors.Is(err, ErrBadPhases) {
		t.Fatalf("expected ErrBadPhases, got %v", err)
	}
	err = r.Register(Descriptor{Key: "bad", Phases: nil, Run: noopRun})
	if !errors.Is(err, ErrBadPhases) {
		t.Fatalf("expected ErrBadPhases for empty phases, got %v", err)
	}
	err = r.Register(Descriptor{Key: "norun", Phases: []string{checkpoint.PhaseComplete}})
	if err == nil {
		t.Fatal("expected error for missing Run")
	}
	err = r.Register(Descriptor{Key: "  ", Phases: []string{checkpoint.PhaseComplete}, Run: noopRun})
	if err == nil {
		t.Fatal("expected error for blank key")
	}
}

func TestGetListsKnownKeysOnMiss(t *testing.T) {
	t.Parallel()
	r := New()
	r.MustRegister(Descriptor{Key: "sync", Phases: []string{checkpoint.PhaseComplete}, Run: noopRun})
	r.MustRegister(Descriptor{Key: "report", Phases: []string{checkpoint.PhaseComplete}, Run: noopRun})

	_, err := r.Get("reprot")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "report") || !strings.Contains(err.Error(), "sync") {
		t.Fatalf("miss error should list registered keys: %v", err)
	}
}

func TestCatalogSurfaces(t *testing.T) {
	t.Parallel()
	r := New()
	r.MustRegister(Descriptor{
		Key:               "ping",
		Phases:            []string{"probe", checkpoint.PhaseComplete},
		BypassConcurrency: true,
		Run:               noopRun,
	})

	if !r.Has("ping") || r.Has("pong") {
		t.Fatal("Has mismatch")
	}
	if !r.BypassConcurrency("ping") || r.BypassConcurrency("pong") {
		t.Fatal("BypassConcurrency mismatch")
	}
	phases, ok := r.PhasesFor("ping")
	if !ok || len(phases) != 2 || phases[0] != "probe" {
		t.Fatalf("PhasesFor = %v, %v", phases, ok)
	}
	if _, ok := r.PhasesFor("pong"); ok {
		t.Fatal("PhasesFor must miss for unknown keys")
	}
}
