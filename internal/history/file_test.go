package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "taskmill/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		rec, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if rec != nil {
			t.Fatalf("Open(%q): expected nil recorder", driver)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileRecorderAppendRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	rec, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := Entry{
			At:     base.Add(time.Duration(i) * time.Minute),
			TaskID: "t" + string(rune('0'+i)),
			Type:   "sync",
			Event:  "completed",
		}
		if err := rec.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	got, err := rec.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Last three, oldest of them first.
	if got[0].TaskID != "t2" || got[2].TaskID != "t4" {
		t.Fatalf("window = %s..%s, want t2..t4", got[0].TaskID, got[2].TaskID)
	}
}

func TestFileRecorderSkipsTornLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"at":"2026-03-01T09:00:00Z","task_id":"a","event":"completed"}
{"at":"2026-03-01T09:01:00Z","task_id":"b","eve
{"at":"2026-03-01T09:02:00Z","task_id":"c","event":"failed","error":"boom"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	got, err := rec.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (torn line skipped)", len(got))
	}
	if got[1].TaskID != "c" || got[1].Error != "boom" {
		t.Fatalf("got %+v", got[1])
	}
}
