package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"taskmill/internal/checkpoint"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
)

type recordingHooks struct {
	phase    string
	outputs  registry.Outputs
	counters map[string]int64
}

func (h *recordingHooks) Checkpoint(ctx context.Context, phase string, outputs registry.Outputs, counters map[string]int64) error {
	h.phase = phase
	h.outputs = outputs
	h.counters = counters
	return nil
}

func (h *recordingHooks) SaveIncremental(ctx context.Context, iteration int, partial json.RawMessage, interval int) error {
	return nil
}

func (h *recordingHooks) Spawn(ctx context.Context, req registry.SpawnRequest) (string, error) {
	return "", nil
}

func TestDescriptorShape(t *testing.T) {
	d := Descriptor()
	require.Equal(t, Key, d.Key)
	require.True(t, d.ZeroCost)
	require.True(t, d.BypassConcurrency)
	require.Equal(t, checkpoint.PhaseComplete, d.Phases[len(d.Phases)-1])
}

func TestRunEchoesPayload(t *testing.T) {
	hooks := &recordingHooks{}
	in := registry.RunInput{
		Task:  queue.Task{ID: "t1", Type: Key, Payload: json.RawMessage(`{"msg":"hi"}`)},
		Hooks: hooks,
	}
	out, err := run(context.Background(), in)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi"}`, string(out[phaseRender]))
	require.Equal(t, checkpoint.PhaseComplete, hooks.phase)
	require.Equal(t, int64(1), hooks.counters["echoed"])
}

func TestRunDefaultsEmptyPayload(t *testing.T) {
	hooks := &recordingHooks{}
	out, err := run(context.Background(), registry.RunInput{Task: queue.Task{ID: "t1", Type: Key}, Hooks: hooks})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out[phaseRender]))
}

func TestRunReusesCheckpointedOutput(t *testing.T) {
	hooks := &recordingHooks{}
	in := registry.RunInput{
		Task: queue.Task{ID: "t1", Type: Key, Payload: json.RawMessage(`{"msg":"new"}`)},
		Checkpoint: &checkpoint.Checkpoint{
			TaskID: "t1",
			Phase:  checkpoint.PhaseComplete,
			PhaseOutputs: map[string]json.RawMessage{
				phaseRender: json.RawMessage(`{"msg":"original"}`),
			},
		},
		Hooks: hooks,
	}
	out, err := run(context.Background(), in)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"original"}`, string(out[phaseRender]))
	// No re-checkpointing on the resume path.
	require.Empty(t, hooks.phase)
}
