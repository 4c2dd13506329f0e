// Package buffer holds the events of the currently open step and emits
// steps as they close.
//
// A Buffer is an actor: one goroutine owns the open step, the timeout
// timer and the subscriber list, and every operation is a closure run on
// that goroutine. Two concurrent Add calls therefore never race on the
// open step.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehrlich-b/stepline/internal/detector"
	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

var ErrClosed = errors.New("buffer closed")

// Close reasons recorded under step.MetaCloseReason.
const (
	ReasonBoundary = "boundary"
	ReasonEnd      = "end"
	ReasonTimeout  = "timeout"
	ReasonCapacity = "capacity"
	ReasonFlush    = "flush"
)

var stepsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepline_steps_emitted_total",
	Help: "Steps closed and emitted by the buffer, by status",
}, []string{"status"})

// Analyzer is the part of the detector the buffer needs.
type Analyzer interface {
	Analyze(ev event.Event, open *step.Step) (detector.Decision, error)
}

type Config struct {
	// Timeout closes a step that has seen no event for this long.
	// Zero disables the timer.
	Timeout time.Duration
	// MaxBytes and MaxEvents bound a single step. A step reaching either
	// limit is emitted with status timeout. Zero means unlimited.
	MaxBytes  int
	MaxEvents int
	Logger    *slog.Logger
}

type Buffer struct {
	det    Analyzer
	cfg    Config
	logger *slog.Logger

	ops       chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the actor goroutine.
	open    *step.Step
	lastAt  time.Time
	timer   *time.Timer
	gen     uint64
	subs    map[int]func(step.Step)
	nextSub int
	emitted int
}

func New(det Analyzer, cfg Config) *Buffer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		det:     det,
		cfg:     cfg,
		logger:  logger,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    map[int]func(step.Step){},
	}
	go b.loop()
	return b
}

func (b *Buffer) loop() {
	defer close(b.stopped)
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.done:
			if b.timer != nil {
				b.timer.Stop()
			}
			b.gen++
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (b *Buffer) do(ctx context.Context, fn func()) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	ran := make(chan struct{})
	select {
	case b.ops <- func() { fn(); close(ran) }:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Add runs detection for ev and applies the decision. Closed steps are
// handed to subscribers before Add returns. A detector error leaves the
// buffer untouched and is returned.
func (b *Buffer) Add(ctx context.Context, ev event.Event) error {
	var err error
	if derr := b.do(ctx, func() { err = b.add(ev) }); derr != nil {
		return derr
	}
	return err
}

func (b *Buffer) add(ev event.Event) error {
	dec, err := b.det.Analyze(ev, b.open)
	if err != nil {
		return err
	}
	switch dec.Kind {
	case detector.Start:
		if b.open != nil {
			b.closeOpen(step.StatusCompleted, ReasonBoundary)
		}
		b.openStep(dec)
	case detector.Continue, detector.End:
		if b.open == nil {
			b.openStep(dec)
		}
	}
	if err := b.open.Append(ev); err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	b.lastAt = time.Now()
	if dec.Kind == detector.End {
		b.closeOpen(step.StatusCompleted, ReasonEnd)
		return nil
	}
	if b.overCapacity() {
		cerr := &step.CapacityError{StepID: b.open.ID, Bytes: b.open.Size(), Events: len(b.open.Messages)}
		b.logger.Warn("step reached buffer ceiling", "step_id", cerr.StepID, "bytes", cerr.Bytes, "events", cerr.Events)
		b.closeOpen(step.StatusTimeout, ReasonCapacity)
		return nil
	}
	b.arm()
	return nil
}

// overCapacity reports whether the open step has gone past a ceiling.
// Reaching a ceiling exactly is still within it.
func (b *Buffer) overCapacity() bool {
	if b.cfg.MaxEvents > 0 && len(b.open.Messages) > b.cfg.MaxEvents {
		return true
	}
	return b.cfg.MaxBytes > 0 && b.open.Size() > b.cfg.MaxBytes
}

func (b *Buffer) openStep(dec detector.Decision) {
	s := step.Open(dec.Type, dec.Confidence, time.Now())
	if dec.PatternID != "" {
		s.SetMeta(step.MetaPatternID, dec.PatternID)
	}
	if dec.Strategy != "" {
		s.SetMeta(step.MetaStrategy, string(dec.Strategy))
	}
	b.open = s
	b.logger.Debug("step opened", "step_id", s.ID, "type", s.Type, "confidence", s.Confidence)
}

// arm (re)starts the idle timer for the open step. Each arm bumps the
// generation so a timer that already fired for an older arm is ignored.
func (b *Buffer) arm() {
	if b.cfg.Timeout <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.cfg.Timeout, func() {
		select {
		case b.ops <- func() { b.expire(gen) }:
		case <-b.done:
		}
	})
}

func (b *Buffer) expire(gen uint64) {
	if gen != b.gen || b.open == nil {
		return
	}
	terr := &step.TimeoutError{StepID: b.open.ID, After: time.Since(b.lastAt)}
	b.logger.Info("step timed out", "step_id", terr.StepID, "idle", terr.After)
	b.closeOpen(step.StatusTimeout, ReasonTimeout)
}

func (b *Buffer) closeOpen(status step.Status, reason string) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	s := b.open
	b.open = nil
	if err := s.Close(status, reason, time.Now()); err != nil {
		b.logger.Error("close step", "step_id", s.ID, "error", err)
		return
	}
	b.emitted++
	stepsEmitted.WithLabelValues(string(status)).Inc()
	b.logger.Debug("step closed", "step_id", s.ID, "status", status, "reason", reason, "events", len(s.Messages))
	for _, id := range slices.Sorted(maps.Keys(b.subs)) {
		b.subs[id](*s.Clone())
	}
}

// Flush closes the open step, if any, with status completed.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.do(ctx, func() {
		if b.open != nil {
			b.closeOpen(step.StatusCompleted, ReasonFlush)
		}
	})
}

// Open returns a copy of the open step, or nil.
func (b *Buffer) Open(ctx context.Context) (*step.Step, error) {
	var out *step.Step
	err := b.do(ctx, func() {
		if b.open != nil {
			out = b.open.Clone()
		}
	})
	return out, err
}

// Emitted reports how many steps have been closed so far.
func (b *Buffer) Emitted(ctx context.Context) (int, error) {
	var n int
	err := b.do(ctx, func() { n = b.emitted })
	return n, err
}

// Subscribe registers fn for every emitted step. fn runs on the buffer
// goroutine and must not block or call back into the buffer. The
// returned func removes the subscription.
func (b *Buffer) Subscribe(fn func(step.Step)) (func(), error) {
	var id int
	err := b.do(context.Background(), func() {
		id = b.nextSub
		b.nextSub++
		b.subs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = b.do(context.Background(), func() { delete(b.subs, id) })
	}, nil
}

// Close stops the actor and its timer. The open step, if any, is
// discarded; call Flush first to emit it.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}
