// Package echo provides a trivial builtin workflow used to smoke-test the
// scheduler end to end: it copies its payload into its outputs. Zero-cost
// and concurrency-exempt, so it dispatches even under a budget pause.
package echo

import (
	"context"
	"encoding/json"

	"taskmill/internal/checkpoint"
	"taskmill/internal/registry"
)

const (
	Key         = "echo"
	phaseRender = "render"
)

func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Key:               Key,
		Phases:            []string{phaseRender, checkpoint.PhaseComplete},
		ZeroCost:          true,
		BypassConcurrency: true,
		Run:               run,
	}
}

func run(ctx context.Context, in registry.RunInput) (registry.Outputs, error) {
	// Resume: if render already finished, reuse its recorded output.
	if in.Checkpoint != nil {
		if out, ok := in.Checkpoint.PhaseOutputs[phaseRender]; ok {
			return registry.Outputs{phaseRender: out}, nil
		}
	}

	payload := in.Task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	out := registry.Outputs{phaseRender: payload}

	if err := in.Hooks.Checkpoint(ctx, checkpoint.PhaseComplete, out, map[string]int64{"echoed": 1}); err != nil {
		return nil, err
	}
	return out, nil
}
