// Package registry holds the closed mapping from workflow type keys to their
// descriptors. It is populated once at process start; unknown keys fail
// loudly at submission time so unprocessable tasks are never persisted.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskmill/internal/checkpoint"
	"taskmill/internal/incremental"
	"taskmill/internal/queue"
)

var (
	ErrUnknownKey   = errors.New("registry: unknown workflow type")
	ErrDuplicateKey = errors.New("registry: duplicate workflow type")
	ErrBadPhases    = errors.New("registry: phase list must be non-empty and end in \"complete\"")
)

// Outputs is the accumulated result of a workflow run, keyed by phase.
type Outputs map[string]json.RawMessage

// SpawnRequest submits a child task from inside a running workflow. The
// scheduler records the parent in SourceTaskID; beyond normal queue
// admission there is no special handling for spawned tasks.
type SpawnRequest struct {
	Type     string
	Category string
	Priority int
	Payload  json.RawMessage
}

// Hooks is the callback surface handed by value into Run. It carries no
// scheduler internals; workflows report progress and spawn children through
// it and nothing else.
type Hooks interface {
	// Checkpoint records that a phase finished, with optional outputs and
	// counter increments. Call it after completing each phase, before
	// starting the next.
	Checkpoint(ctx context.Context, phase string, outputs Outputs, counters map[string]int64) error

	// SaveIncremental persists iteration-level progress inside the current
	// phase. interval throttles actual writes (1 = every iteration).
	SaveIncremental(ctx context.Context, iteration int, partial json.RawMessage, interval int) error

	// Spawn enqueues a child task linked to the running one.
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// RunInput is everything a workflow gets for one run attempt.
//
// Checkpoint is non-nil when resuming: the workflow interprets its Phase
// against the declared phase list to decide which phases to skip (re-using
// PhaseOutputs) versus re-execute. Incremental, when non-nil, seeds the
// current phase's loop.
type RunInput struct {
	Task        queue.Task
	Checkpoint  *checkpoint.Checkpoint
	Incremental *incremental.State
	Hooks       Hooks
}

// Descriptor is a statically registered workflow type.
type Descriptor struct {
	Key string

	// Phases is the ordered checkpoint sequence; the last entry must be
	// checkpoint.PhaseComplete.
	Phases []string

	// ZeroCost marks workflows that incur no metered external cost; they
	// bypass budget admission.
	ZeroCost bool

	// BypassConcurrency exempts the workflow from pacing/parallelism limits
	// (lightweight, low-overhead work).
	BypassConcurrency bool

	Run         func(ctx context.Context, in RunInput) (Outputs, error)
	SaveOutputs func(ctx context.Context, task queue.Task, out Outputs) error
}

// Registry is safe for concurrent reads after construction. Register is not
// meant to be called once dispatch has started.
type Registry struct {
	byKey map[string]Descriptor
}

func New() *Registry {
	return &Registry{byKey: map[string]Descriptor{}}
}

func (r *Registry) Register(d Descriptor) error {
	key := strings.TrimSpace(d.Key)
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrUnknownKey)
	}
	if _, ok := r.byKey[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	if len(d.Phases) == 0 || d.Phases[len(d.Phases)-1] != checkpoint.PhaseComplete {
		return fmt.Errorf("%w: %q", ErrBadPhases, key)
	}
	if d.Run == nil {
		return fmt.Errorf("registry: %q has no Run", key)
	}
	d.Key = key
	r.byKey[key] = d
	return nil
}

// MustRegister panics on registration errors; intended for process-start
// wiring where a bad descriptor is a programming error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get resolves a workflow type, reporting all registered keys on a miss so a
// typo'd submission is diagnosable from the error alone.
func (r *Registry) Get(key string) (Descriptor, error) {
	d, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (registered: %s)",
			ErrUnknownKey, key, strings.Join(r.Keys(), ", "))
	}
	return d, nil
}

func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has implements queue.Catalog.
func (r *Registry) Has(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

// BypassConcurrency implements queue.Catalog.
func (r *Registry) BypassConcurrency(key string) bool {
	return r.byKey[key].BypassConcurrency
}

// PhasesFor implements checkpoint.PhaseSource.
func (r *Registry) PhasesFor(key string) ([]string, bool) {
	d, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return d.Phases, true
}
