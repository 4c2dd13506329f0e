package history

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Change reports that a document was written or removed, possibly by
// another process sharing the directory.
type Change struct {
	Key     string
	Removed bool
}

// Watch streams document changes until ctx is done. Temp files are
// ignored; a rename onto the target shows up as a write of its key.
func (s *Store) Watch(ctx context.Context) (<-chan Change, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, err
	}
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				c, ok := s.change(ev)
				if !ok {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("history watch error", "dir", s.dir, "error", err)
			}
		}
	}()
	return out, nil
}

func (s *Store) change(ev fsnotify.Event) (Change, bool) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, s.ext) || strings.Contains(name, corruptMarker) {
		return Change{}, false
	}
	key := strings.TrimSuffix(name, s.ext)
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return Change{Key: key}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Change{Key: key, Removed: true}, true
	}
	return Change{}, false
}
