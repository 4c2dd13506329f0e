// Package state records step history, checkpoints it and persists both
// through a pluggable Adapter.
package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrCorrupt  = errors.New("document corrupt")
)

// Adapter stores opaque documents by key. The Manager calls an adapter
// from a single goroutine; adapters shared between processes rely on
// their own atomic write to stay consistent.
type Adapter interface {
	// Init prepares the backing store (directories, schema).
	Init(ctx context.Context) error
	Save(ctx context.Context, key string, data []byte) error
	// Load returns ErrNotFound for unknown keys.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for unknown keys.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	// Cleanup removes leftovers of interrupted writes.
	Cleanup(ctx context.Context) error
	Close() error
}

// Quarantiner is implemented by adapters that can set a corrupt document
// aside instead of letting the next save overwrite it.
type Quarantiner interface {
	Quarantine(ctx context.Context, key string) (string, error)
}

// MemoryAdapter keeps documents in a map. Data does not survive the
// process; it is meant for tests and development.
type MemoryAdapter struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{docs: map[string][]byte{}}
}

func (m *MemoryAdapter) Init(context.Context) error { return nil }

func (m *MemoryAdapter) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryAdapter) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryAdapter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *MemoryAdapter) List(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryAdapter) Cleanup(context.Context) error { return nil }

func (m *MemoryAdapter) Close() error { return nil }

// CheckpointKey is the adapter key of one checkpoint document.
func CheckpointKey(conversationID, checkpointID string) string {
	return conversationID + ".checkpoint." + checkpointID
}

// IsCheckpointKey reports whether key names a checkpoint document.
func IsCheckpointKey(key string) bool {
	return strings.Contains(key, ".checkpoint.")
}
