package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/stepline/internal/step"
)

var (
	ErrClosed             = errors.New("state manager closed")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointCorrupt  = errors.New("checkpoint corrupt")
)

// CheckpointInfo is the index entry kept in the conversation document.
// StepIDs pins the steps the checkpoint references against pruning.
type CheckpointInfo struct {
	ID        string    `json:"id" cbor:"id"`
	Label     string    `json:"label" cbor:"label"`
	Cursor    int       `json:"cursor" cbor:"cursor"`
	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
	StepIDs   []string  `json:"step_ids" cbor:"step_ids"`
}

// Checkpoint is an immutable snapshot of history.
type Checkpoint struct {
	ID             string      `json:"id" cbor:"id"`
	Label          string      `json:"label" cbor:"label"`
	ConversationID string      `json:"conversation_id" cbor:"conversation_id"`
	History        []step.Step `json:"history" cbor:"history"`
	Cursor         int         `json:"cursor" cbor:"cursor"`
	CreatedAt      time.Time   `json:"created_at" cbor:"created_at"`
}

// Document is what the Manager stores under the conversation ID.
type Document struct {
	ConversationID string           `json:"conversation_id" cbor:"conversation_id"`
	History        []step.Step      `json:"history" cbor:"history"`
	Cursor         int              `json:"cursor" cbor:"cursor"`
	Checkpoints    []CheckpointInfo `json:"checkpoints,omitempty" cbor:"checkpoints,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at" cbor:"updated_at"`
}

type Config struct {
	ConversationID string
	// MaxHistory bounds history when pruning. Zero means unbounded.
	MaxHistory     int
	MaxCheckpoints int
	// CheckpointEvery creates an automatic checkpoint every N saves.
	CheckpointEvery int
	AutoPrune       bool
	Codec           Codec
	Logger          *slog.Logger
}

// Manager is an actor owning one conversation's history. Save never
// waits for the adapter; Checkpoint and Restore do.
type Manager struct {
	cfg    Config
	codec  Codec
	logger *slog.Logger
	p      *persister

	ops       chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the actor goroutine.
	history     []*step.Step
	cursor      int
	checkpoints []CheckpointInfo
}

func NewManager(adapter Adapter, cfg Config) *Manager {
	if cfg.ConversationID == "" {
		cfg.ConversationID = "default"
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", cfg.ConversationID)
	m := &Manager{
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		p:       newPersister(adapter, logger),
		ops:     make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) do(ctx context.Context, fn func()) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	ran := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(ran) }:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (m *Manager) ConversationID() string { return m.cfg.ConversationID }

// Init prepares the adapter and clears leftovers of interrupted writes.
func (m *Manager) Init(ctx context.Context) error {
	return m.p.run(ctx, "init", "", func(ctx context.Context, a Adapter) error {
		if err := a.Init(ctx); err != nil {
			return &step.PersistenceError{Op: "init", Err: err}
		}
		if err := a.Cleanup(ctx); err != nil {
			return &step.PersistenceError{Op: "cleanup", Err: err}
		}
		return nil
	})
}

// Load replaces in-memory state with the persisted conversation. A
// missing document leaves history empty. A corrupt one is quarantined
// when the adapter supports it, and reported.
func (m *Manager) Load(ctx context.Context) error {
	var err error
	if derr := m.do(ctx, func() { err = m.load(ctx) }); derr != nil {
		return derr
	}
	return err
}

func (m *Manager) load(ctx context.Context) error {
	key := m.cfg.ConversationID
	var data []byte
	err := m.p.run(ctx, "load", key, func(ctx context.Context, a Adapter) error {
		var err error
		data, err = a.Load(ctx, key)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return &step.PersistenceError{Op: "load", Key: key, Err: err}
	}
	var doc Document
	if derr := m.codec.Unmarshal(data, &doc); derr != nil {
		perr := &step.PersistenceError{Op: "load", Key: key, Err: fmt.Errorf("%w: %v", ErrCorrupt, derr)}
		m.quarantine(ctx, key)
		return perr
	}
	m.history = make([]*step.Step, len(doc.History))
	for i := range doc.History {
		m.history[i] = &doc.History[i]
	}
	m.cursor = doc.Cursor
	m.checkpoints = doc.Checkpoints
	m.logger.Info("history loaded", "steps", len(m.history), "checkpoints", len(m.checkpoints))
	return nil
}

func (m *Manager) quarantine(ctx context.Context, key string) {
	err := m.p.run(ctx, "quarantine", key, func(ctx context.Context, a Adapter) error {
		q, ok := a.(Quarantiner)
		if !ok {
			return nil
		}
		moved, err := q.Quarantine(ctx, key)
		if err == nil {
			m.logger.Warn("corrupt document moved aside", "key", key, "backup", moved)
		}
		return err
	})
	if err != nil {
		m.logger.Error("quarantine corrupt document", "key", key, "error", err)
	}
}

// Save appends a copy of s to history and schedules persistence. Adapter
// failures are logged, never returned.
func (m *Manager) Save(ctx context.Context, s step.Step) error {
	return m.do(ctx, func() {
		m.history = append(m.history, s.Clone())
		m.cursor++
		if m.cfg.CheckpointEvery > 0 && m.cursor%m.cfg.CheckpointEvery == 0 {
			if _, err := m.checkpoint(ctx, fmt.Sprintf("auto-%d", m.cursor)); err != nil {
				m.logger.Warn("automatic checkpoint failed", "cursor", m.cursor, "error", err)
			}
		}
		if m.cfg.AutoPrune {
			m.prune()
		}
		m.persist()
	})
}

func (m *Manager) persist() {
	doc := m.document()
	data, err := m.codec.Marshal(doc)
	if err != nil {
		m.p.failed("encode", m.cfg.ConversationID, err)
		return
	}
	m.p.enqueue(m.cfg.ConversationID, data)
}

func (m *Manager) document() Document {
	doc := Document{
		ConversationID: m.cfg.ConversationID,
		History:        m.snapshot(),
		Cursor:         m.cursor,
		Checkpoints:    cloneInfos(m.checkpoints),
		UpdatedAt:      time.Now(),
	}
	return doc
}

func (m *Manager) snapshot() []step.Step {
	out := make([]step.Step, len(m.history))
	for i, s := range m.history {
		out[i] = *s.Clone()
	}
	return out
}

// History returns a copy of the working history, oldest first.
func (m *Manager) History(ctx context.Context) ([]step.Step, error) {
	var out []step.Step
	err := m.do(ctx, func() { out = m.snapshot() })
	return out, err
}

// Cursor is the number of steps saved over the manager's lifetime.
func (m *Manager) Cursor(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() { n = m.cursor })
	return n, err
}

// Checkpoint snapshots history and persists it before returning.
func (m *Manager) Checkpoint(ctx context.Context, label string) (*Checkpoint, error) {
	var cp *Checkpoint
	var err error
	if derr := m.do(ctx, func() { cp, err = m.checkpoint(ctx, label) }); derr != nil {
		return nil, derr
	}
	return cp, err
}

func (m *Manager) checkpoint(ctx context.Context, label string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:             uuid.New().String(),
		Label:          label,
		ConversationID: m.cfg.ConversationID,
		History:        m.snapshot(),
		Cursor:         m.cursor,
		CreatedAt:      time.Now(),
	}
	key := CheckpointKey(m.cfg.ConversationID, cp.ID)
	data, err := m.codec.Marshal(cp)
	if err != nil {
		return nil, &step.PersistenceError{Op: "checkpoint", Key: key, Err: err}
	}
	if err := m.p.run(ctx, "checkpoint", key, func(ctx context.Context, a Adapter) error {
		return a.Save(ctx, key, data)
	}); err != nil {
		persistFailures.WithLabelValues("checkpoint").Inc()
		return nil, &step.PersistenceError{Op: "checkpoint", Key: key, Err: err}
	}

	info := CheckpointInfo{ID: cp.ID, Label: label, Cursor: cp.Cursor, CreatedAt: cp.CreatedAt}
	for _, s := range cp.History {
		info.StepIDs = append(info.StepIDs, s.ID)
	}
	prev := m.checkpoints
	m.checkpoints = append(cloneInfos(prev), info)
	dropped := m.dropOldCheckpoints()
	m.persist()
	if err := m.p.flush(ctx); err != nil {
		// The index never recorded this checkpoint, so nothing may refer to it.
		m.checkpoints = prev
		m.deleteCheckpoints(cp.ID)
		m.persist()
		return nil, &step.PersistenceError{Op: "checkpoint index", Key: m.cfg.ConversationID, Err: err}
	}
	m.deleteCheckpoints(dropped...)
	m.logger.Info("checkpoint created", "checkpoint_id", cp.ID, "label", label, "steps", len(cp.History))
	out := *cp
	out.History = cloneSteps(cp.History)
	return &out, nil
}

// dropOldCheckpoints trims the index to MaxCheckpoints and returns the
// IDs it removed. Their documents are left for deleteCheckpoints.
func (m *Manager) dropOldCheckpoints() []string {
	if m.cfg.MaxCheckpoints <= 0 {
		return nil
	}
	var ids []string
	for len(m.checkpoints) > m.cfg.MaxCheckpoints {
		ids = append(ids, m.checkpoints[0].ID)
		m.checkpoints = m.checkpoints[1:]
	}
	return ids
}

func (m *Manager) deleteCheckpoints(ids ...string) {
	for _, id := range ids {
		key := CheckpointKey(m.cfg.ConversationID, id)
		m.p.async("delete", key, func(ctx context.Context, a Adapter) error {
			return a.Delete(ctx, key)
		})
		m.logger.Debug("checkpoint dropped", "checkpoint_id", id)
	}
}

// Checkpoints lists the retained checkpoints, oldest first.
func (m *Manager) Checkpoints(ctx context.Context) ([]CheckpointInfo, error) {
	var out []CheckpointInfo
	err := m.do(ctx, func() { out = cloneInfos(m.checkpoints) })
	return out, err
}

// Restore replaces working history with a copy of the checkpoint's
// snapshot. It fails with ErrCheckpointNotFound or ErrCheckpointCorrupt.
func (m *Manager) Restore(ctx context.Context, checkpointID string) error {
	var err error
	if derr := m.do(ctx, func() { err = m.restore(ctx, checkpointID) }); derr != nil {
		return derr
	}
	return err
}

func (m *Manager) restore(ctx context.Context, id string) error {
	key := CheckpointKey(m.cfg.ConversationID, id)
	var data []byte
	err := m.p.run(ctx, "restore", key, func(ctx context.Context, a Adapter) error {
		var err error
		data, err = a.Load(ctx, key)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return &step.PersistenceError{Op: "restore", Key: key, Err: ErrCheckpointNotFound}
	}
	if err != nil {
		return &step.PersistenceError{Op: "restore", Key: key, Err: err}
	}
	var cp Checkpoint
	if err := m.codec.Unmarshal(data, &cp); err != nil {
		return &step.PersistenceError{Op: "restore", Key: key, Err: fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)}
	}
	if cp.ID != id || cp.ConversationID != m.cfg.ConversationID {
		return &step.PersistenceError{Op: "restore", Key: key, Err: fmt.Errorf("%w: document is checkpoint %s of %s", ErrCheckpointCorrupt, cp.ID, cp.ConversationID)}
	}
	m.history = make([]*step.Step, len(cp.History))
	for i := range cp.History {
		m.history[i] = cp.History[i].Clone()
	}
	m.cursor = cp.Cursor
	if !m.hasCheckpoint(id) {
		info := CheckpointInfo{ID: cp.ID, Label: cp.Label, Cursor: cp.Cursor, CreatedAt: cp.CreatedAt}
		for _, s := range cp.History {
			info.StepIDs = append(info.StepIDs, s.ID)
		}
		m.checkpoints = append(m.checkpoints, info)
	}
	m.persist()
	m.logger.Info("checkpoint restored", "checkpoint_id", id, "steps", len(m.history))
	return nil
}

func (m *Manager) hasCheckpoint(id string) bool {
	for _, c := range m.checkpoints {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Prune drops the oldest steps beyond MaxHistory, skipping any step a
// retained checkpoint references. It returns the number removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() {
		n = m.prune()
		if n > 0 {
			m.persist()
		}
	})
	return n, err
}

func (m *Manager) prune() int {
	limit := m.cfg.MaxHistory
	if limit <= 0 || len(m.history) <= limit {
		return 0
	}
	pinned := map[string]bool{}
	for _, c := range m.checkpoints {
		for _, id := range c.StepIDs {
			pinned[id] = true
		}
	}
	// Only the oldest len-limit steps are candidates, so a pinned step can
	// leave history above the limit.
	excess := len(m.history) - limit
	kept := m.history[:0:0]
	removed := 0
	for i, s := range m.history {
		if i < excess && !pinned[s.ID] {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.history = kept
	if removed > 0 {
		m.logger.Debug("history pruned", "removed", removed, "kept", len(kept))
	}
	return removed
}

// Flush waits until every scheduled write has reached the adapter and
// reports the last write error.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.p.flush(ctx); err != nil {
		return &step.PersistenceError{Op: "flush", Key: m.cfg.ConversationID, Err: err}
	}
	return nil
}

// Close flushes, stops the actor and closes the adapter.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		err = m.Flush(ctx)
		close(m.done)
		<-m.stopped
		m.p.close()
		if cerr := m.p.adapter.Close(); cerr != nil && err == nil {
			err = &step.PersistenceError{Op: "close", Err: cerr}
		}
	})
	return err
}

func cloneSteps(in []step.Step) []step.Step {
	out := make([]step.Step, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

func cloneInfos(in []CheckpointInfo) []CheckpointInfo {
	if in == nil {
		return nil
	}
	out := make([]CheckpointInfo, len(in))
	for i, c := range in {
		out[i] = c
		out[i].StepIDs = append([]string(nil), c.StepIDs...)
	}
	return out
}
