package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/step"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "history"), "")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "conv-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("data = %s", got)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "conv-1.json")); err != nil {
		t.Errorf("expected conv-1.json: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"../escape", "a/b", "", ".hidden", "a..b"} {
		if err := s.Save(context.Background(), key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Save(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestCustomExtension(t *testing.T) {
	s := NewStore(t.TempDir(), "cbor")
	ctx := context.Background()
	if err := s.Save(ctx, "c", []byte{0xa0}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "c.cbor")); err != nil {
		t.Errorf("expected c.cbor: %v", err)
	}
}

func TestListSkipsTempAndQuarantined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a", "bad"} {
		if err := s.Save(ctx, k, []byte("{}")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Quarantine(ctx, "bad"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	os.WriteFile(filepath.Join(s.Dir(), "a.json.123.tmp"), []byte("partial"), 0644)

	keys, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(keys, ",") != "a,b" {
		t.Errorf("keys = %v, want [a b]", keys)
	}
}

func TestCleanupRemovesTempFiles(t *testing.T) {
	s := newTestStore(t)
	tmp := filepath.Join(s.Dir(), "conv.json.999.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
}

func TestQuarantineMovesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "conv", []byte("garbage"))
	moved, err := s.Quarantine(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(moved, ".corrupted.") {
		t.Errorf("moved to %s", moved)
	}
	if _, err := s.Load(ctx, "conv"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("original still loadable: %v", err)
	}
}

func TestManagerQuarantinesCorruptHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "conv", []byte("{truncated"))

	m := state.NewManager(s, state.Config{ConversationID: "conv"})
	defer m.Close(ctx)
	if err := m.Init(ctx); err != nil {
		t.Fatal(err)
	}
	err := m.Load(ctx)
	if !errors.Is(err, state.ErrCorrupt) {
		t.Fatalf("load = %v, want ErrCorrupt", err)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "conv.json.corrupted.*"))
	if len(matches) != 1 {
		t.Errorf("quarantined files = %v", matches)
	}

	st := step.Open(step.TypeCommunication, 0.6, time.Now())
	st.Close(step.StatusCompleted, "end", time.Now())
	if err := m.Save(ctx, *st); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := s.Load(ctx, "conv"); err != nil {
		t.Errorf("fresh history not written: %v", err)
	}
}

func TestWatchSeesWrites(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := s.Save(ctx, "watched", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case c := <-changes:
			if c.Key == "watched" && !c.Removed {
				return
			}
		case <-ctx.Done():
			t.Fatal("no change event for watched")
		}
	}
}
