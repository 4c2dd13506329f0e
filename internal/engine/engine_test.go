package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/stepline/internal/config"
	"github.com/ehrlich-b/stepline/internal/control"
	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/step"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "stepline.db")
	cfg.BadgerPath = filepath.Join(cfg.DataDir, "badger")
	cfg.BufferTimeoutMS = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts Options) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func session() []event.Event {
	return []event.Event{
		event.ToolCall("Read", "read main.go"),
		event.ToolResult("package main"),
		event.ToolCall("Edit", "fix the handler"),
		event.ToolResult("ok"),
		event.ToolCall("Bash", "go test ./..."),
		event.ToolResult("PASS"),
	}
}

type results struct {
	mu  sync.Mutex
	got []control.Result
}

func (r *results) add(res control.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
	return nil
}

func (r *results) types() []step.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []step.Type
	for _, res := range r.got {
		if res.Kind == control.ResultStep {
			out = append(out, res.Step.Type)
		}
	}
	return out
}

func equalTypes(t *testing.T, got, want []step.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunAutomatic(t *testing.T) {
	e := newTestEngine(t, testConfig(t), Options{})
	var r results
	if err := e.Run(context.Background(), event.NewSliceSource(session()...), RunOptions{OnResult: r.add}); err != nil {
		t.Fatalf("run: %v", err)
	}
	equalTypes(t, r.types(), []step.Type{step.TypeFileOperation, step.TypeCodeModification, step.TypeSystemCommand})

	if err := e.State().Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	hist, err := e.State().History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Errorf("history = %d steps, want 3", len(hist))
	}
}

func TestRunManualSkip(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlMode = "manual"
	e := newTestEngine(t, cfg, Options{})

	var decided int
	decide := func(ctx context.Context, res control.Result) (control.Decision, error) {
		decided++
		if res.Step != nil && res.Step.Type == step.TypeCodeModification {
			return control.Decision{Action: control.Skip}, nil
		}
		return control.Decision{Action: control.Continue}, nil
	}
	var r results
	if err := e.Run(context.Background(), event.NewSliceSource(session()...), RunOptions{Decide: decide, OnResult: r.add}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if decided != 3 {
		t.Errorf("decisions = %d, want 3", decided)
	}
	equalTypes(t, r.types(), []step.Type{step.TypeFileOperation, step.TypeSystemCommand})
	if s := e.Controller().Stats(); s.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped)
	}
	hist, _ := e.State().History(context.Background())
	if len(hist) != 2 {
		t.Errorf("history = %d, want only delivered steps", len(hist))
	}
}

func TestRunAbortStopsEarly(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlMode = "manual"
	e := newTestEngine(t, cfg, Options{})
	decide := func(context.Context, control.Result) (control.Decision, error) {
		return control.Decision{Action: control.Abort}, nil
	}
	var r results
	if err := e.Run(context.Background(), event.NewSliceSource(session()...), RunOptions{Decide: decide, OnResult: r.add}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.types()) != 0 {
		t.Errorf("delivered %v after abort", r.types())
	}
	if e.Controller().State() != control.Terminated {
		t.Errorf("state = %s", e.Controller().State())
	}
}

func TestReviewRequiredNeedsReviewer(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlMode = "review_required"
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected error without reviewer")
	}
}

func TestFeedAndCloseInput(t *testing.T) {
	e := newTestEngine(t, testConfig(t), Options{})
	ctx := context.Background()
	go func() {
		for _, ev := range session()[:2] {
			if err := e.Feed(ctx, ev); err != nil {
				t.Errorf("feed: %v", err)
			}
		}
		e.CloseInput()
	}()
	res, err := e.Controller().Next(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != control.ResultStep || res.Step.Type != step.TypeFileOperation || len(res.Step.Messages) != 2 {
		t.Fatalf("first result = %+v", res)
	}
	res, err = e.Controller().Next(ctx, 5*time.Second)
	if err != nil || res.Kind != control.ResultCompleted {
		t.Fatalf("second result = %+v, %v", res, err)
	}
}

func TestResumeFromFileAdapter(t *testing.T) {
	cfg := testConfig(t)
	cfg.PersistenceAdapter = "file"
	ctx := context.Background()

	first, err := New(ctx, cfg, Options{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Run(ctx, event.NewSliceSource(session()...), RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(HistoryDir(cfg), "c1.json")); err != nil {
		t.Fatalf("history file: %v", err)
	}

	second := newTestEngine(t, cfg, Options{ConversationID: "c1"})
	hist, err := second.State().History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Errorf("resumed history = %d, want 3", len(hist))
	}
}

func TestAdapters(t *testing.T) {
	for _, name := range []string{"memory", "file", "database", "custom"} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.PersistenceAdapter = name
			cfg.PersistenceCodec = "cbor"
			e := newTestEngine(t, cfg, Options{})
			ctx := context.Background()
			if err := e.Run(ctx, event.NewSliceSource(session()[:2]...), RunOptions{}); err != nil {
				t.Fatal(err)
			}
			cp, err := e.State().Checkpoint(ctx, "after-read")
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if err := e.State().Restore(ctx, cp.ID); err != nil {
				t.Fatalf("restore: %v", err)
			}
		})
	}
}

func TestExplicitAdapterOption(t *testing.T) {
	a := state.NewMemoryAdapter()
	e := newTestEngine(t, testConfig(t), Options{Adapter: a, ConversationID: "x"})
	ctx := context.Background()
	if err := e.Run(ctx, event.NewSliceSource(event.Text("here is the summary")), RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := e.State().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Load(ctx, "x"); err != nil {
		t.Errorf("document not written to supplied adapter: %v", err)
	}
}

func TestPatternsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PatternsFile = filepath.Join(t.TempDir(), "patterns.yaml")
	os.WriteFile(cfg.PatternsFile, []byte(`
patterns:
  - id: db_migration
    step_type: database_migration
    priority: 99
    confidence: 0.95
    triggers:
      - tools: [psql]
`), 0644)
	e := newTestEngine(t, cfg, Options{})
	var r results
	err := e.Run(context.Background(), event.NewSliceSource(event.ToolCall("psql", "ALTER TABLE")), RunOptions{OnResult: r.add})
	if err != nil {
		t.Fatal(err)
	}
	equalTypes(t, r.types(), []step.Type{"database_migration"})
}
