package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/step"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("load missing: got %v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "a", []byte("two")); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := s.Load(ctx, "a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("data = %q, want %q", got, "two")
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	if _, err := s.Load(ctx, "a"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("after delete: got %v", err)
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a", state.CheckpointKey("a", "1")} {
		if err := s.Save(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "a.checkpoint.1", "b"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("migrations recorded = %d, want 1", n)
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	for k, v := range map[string]string{"a": "alpha", "b": "beta"} {
		if err := src.Save(ctx, k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "backup.jsonl.zst")
	n, err := src.Backup(ctx, path)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if n != 2 {
		t.Errorf("backed up %d, want 2", n)
	}

	dst := openTestStore(t)
	if err := dst.Save(ctx, "a", []byte("local")); err != nil {
		t.Fatal(err)
	}
	res, err := dst.RestoreBackup(ctx, path, RestoreOptions{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res != (RestoreResult{Inserted: 1, Skipped: 1}) {
		t.Errorf("result = %+v", res)
	}
	got, _ := dst.Load(ctx, "a")
	if string(got) != "local" {
		t.Errorf("a = %q, want local copy kept", got)
	}

	res, err = dst.RestoreBackup(ctx, path, RestoreOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("restore overwrite: %v", err)
	}
	if res != (RestoreResult{Overwritten: 2}) {
		t.Errorf("overwrite result = %+v", res)
	}
	got, _ = dst.Load(ctx, "a")
	if string(got) != "alpha" {
		t.Errorf("a = %q, want alpha", got)
	}
}

func TestManagerOverStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := state.NewManager(s, state.Config{ConversationID: "conv"})
	if err := m.Init(ctx); err != nil {
		t.Fatal(err)
	}
	st := step.Open(step.TypeAnalysis, 0.8, time.Now())
	if err := st.Close(step.StatusCompleted, "end", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(ctx, *st); err != nil {
		t.Fatal(err)
	}
	cp, err := m.Checkpoint(ctx, "one")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := s.Load(ctx, state.CheckpointKey("conv", cp.ID)); err != nil {
		t.Errorf("checkpoint row: %v", err)
	}
	if err := m.Restore(ctx, cp.ID); err != nil {
		t.Errorf("restore: %v", err)
	}
}
