// Package history stores conversation documents as one file per key.
package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ehrlich-b/stepline/internal/state"
)

const (
	tmpSuffix     = ".tmp"
	corruptMarker = ".corrupted."
)

var ErrInvalidKey = errors.New("invalid document key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// Store is a state.Adapter over a directory. Writes go to a temp file
// that is synced and renamed over the target, so a reader never sees a
// partial document.
type Store struct {
	dir string
	ext string
}

var (
	_ state.Adapter     = (*Store)(nil)
	_ state.Quarantiner = (*Store)(nil)
)

// NewStore returns a store rooted at dir. ext defaults to ".json".
func NewStore(dir, ext string) *Store {
	if ext == "" {
		ext = ".json"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Store{dir: dir, ext: ext}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) (string, error) {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+s.ext), nil
}

func (s *Store) Init(context.Context) error {
	return os.MkdirAll(s.dir, 0755)
}

func (s *Store) Save(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, state.ErrNotFound
	}
	return data, err
}

func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the stored keys sorted. Temp and quarantined files are
// not documents.
func (s *Store) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, entry := range entries {
		if key, ok := s.keyOf(entry); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) keyOf(entry fs.DirEntry) (string, bool) {
	name := entry.Name()
	if entry.IsDir() || !strings.HasSuffix(name, s.ext) || strings.Contains(name, corruptMarker) {
		return "", false
	}
	return strings.TrimSuffix(name, s.ext), true
}

// Cleanup removes temp files left by writes that never reached rename.
func (s *Store) Cleanup(context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Quarantine renames the document to <name>.corrupted.<unix-nanos> and
// returns the new path.
func (s *Store) Quarantine(_ context.Context, key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	moved := fmt.Sprintf("%s%s%d", path, corruptMarker, time.Now().UnixNano())
	if err := os.Rename(path, moved); err != nil {
		return "", err
	}
	return moved, nil
}

func (s *Store) Close() error { return nil }
