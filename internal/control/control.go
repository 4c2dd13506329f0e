// Package control gates a step stream behind automatic, manual or
// review-required execution.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/stepline/internal/step"
)

type Mode string

const (
	Automatic      Mode = "automatic"
	Manual         Mode = "manual"
	ReviewRequired Mode = "review_required"
)

type Action string

const (
	Continue  Action = "continue"
	Skip      Action = "skip"
	Abort     Action = "abort"
	Intervene Action = "intervene"
)

// Decision answers a paused step, either from the caller (Resume) or from
// a reviewer. For reviewers, Continue approves and Skip rejects.
type Decision struct {
	Action       Action
	Intervention *step.Intervention
	// ThenContinue delivers the step right after a successful intervention
	// instead of staying paused.
	ThenContinue bool
}

// Fallback is applied when a review does not resolve in time or fails.
type Fallback string

const (
	FallbackPause   Fallback = "pause"
	FallbackApprove Fallback = "approve"
	FallbackSkip    Fallback = "skip"
	FallbackAbort   Fallback = "abort"
)

type State string

const (
	Idle             State = "idle"
	AwaitingDecision State = "awaiting_decision"
	Terminated       State = "terminated"
	Completed        State = "completed"
)

type ResultKind string

const (
	ResultStep      ResultKind = "step"
	ResultPaused    ResultKind = "paused"
	ResultSkipped   ResultKind = "skipped"
	ResultCompleted ResultKind = "completed"
)

// Result is what Next and Resume hand back. Step is a copy.
type Result struct {
	Kind ResultKind
	Step *step.Step
	// Cause explains a pause the caller did not ask for, such as a review
	// timeout.
	Cause error
}

var (
	ErrTerminated  = errors.New("controller terminated")
	ErrNotPaused   = errors.New("controller is not awaiting a decision")
	ErrWaitTimeout = errors.New("no step within timeout")
	ErrNoReviewer  = errors.New("review_required mode needs a reviewer")
)

// Reviewer decides on a step before it is delivered. It must honor ctx.
type Reviewer func(ctx context.Context, s step.Step) (Decision, error)

// Puller is the upstream step sequence, normally a *stream.Stream.
type Puller interface {
	Pull(ctx context.Context) (step.Step, error)
}

type Config struct {
	Mode          Mode
	Reviewer      Reviewer
	ReviewTimeout time.Duration
	Fallback      Fallback
	Logger        *slog.Logger
}

// Controller is an actor: all state lives on one goroutine and every
// method is a message to it. Subscribers run on that goroutine, in
// delivery order, and must not call back into the controller.
type Controller struct {
	src    Puller
	cfg    Config
	logger *slog.Logger

	pauseRequested atomic.Bool
	snap           atomic.Pointer[snapshot]

	// life is cancelled by Close and bounds every upstream pull and review.
	life      context.Context
	kill      context.CancelFunc
	ops       chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the actor goroutine.
	state   State
	pending *step.Step
	cause   error
	err     error
	subs    map[int]func(step.Step)
	nextSub int
	stats   Stats
}

// snapshot is the copy of state and stats published after every message,
// so State and Stats answer while a Next is waiting on upstream.
type snapshot struct {
	state State
	stats Stats
}

type Stats struct {
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Paused    int `json:"paused"`
	Reviewed  int `json:"reviewed"`
	Fallbacks int `json:"fallbacks"`
}

func New(src Puller, cfg Config) (*Controller, error) {
	if cfg.Mode == "" {
		cfg.Mode = Automatic
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackPause
	}
	switch cfg.Mode {
	case Automatic, Manual:
	case ReviewRequired:
		if cfg.Reviewer == nil {
			return nil, ErrNoReviewer
		}
	default:
		return nil, &step.ValidationError{Field: "control_mode", Reason: fmt.Sprintf("%q is not one of [automatic manual review_required]", cfg.Mode)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life, kill := context.WithCancel(context.Background())
	c := &Controller{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		life:    life,
		kill:    kill,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   Idle,
		subs:    map[int]func(step.Step){},
	}
	c.publish()
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) publish() {
	c.snap.Store(&snapshot{state: c.state, stats: c.stats})
}

// bind derives a context that is also cancelled when the controller closes.
func (c *Controller) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.life, cancel)
	return bctx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) do(ctx context.Context, fn func()) error {
	select {
	case <-c.done:
		return ErrTerminated
	default:
	}
	ran := make(chan struct{})
	select {
	case c.ops <- func() { fn(); c.publish(); close(ran) }:
	case <-c.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Next returns the next step according to the mode. timeout bounds the
// wait for upstream; zero waits until ctx is done. While a step awaits a
// decision Next keeps returning it as paused.
func (c *Controller) Next(ctx context.Context, timeout time.Duration) (Result, error) {
	var res Result
	var err error
	if derr := c.do(ctx, func() { res, err = c.next(ctx, timeout) }); derr != nil {
		return Result{}, derr
	}
	return res, err
}

func (c *Controller) next(ctx context.Context, timeout time.Duration) (Result, error) {
	switch c.state {
	case Terminated:
		return Result{}, ErrTerminated
	case Completed:
		return Result{Kind: ResultCompleted}, c.err
	case AwaitingDecision:
		return c.paused(), nil
	}
	for {
		st, err := c.pull(ctx, timeout)
		if err != nil {
			return Result{}, err
		}
		if st == nil {
			return Result{Kind: ResultCompleted}, c.err
		}
		if c.pauseRequested.Swap(false) {
			return c.hold(st, nil), nil
		}
		switch c.cfg.Mode {
		case Manual:
			c.hold(st, nil)
			return Result{Kind: ResultStep, Step: st.Clone()}, nil
		case ReviewRequired:
			res, again := c.review(ctx, st)
			if again {
				continue
			}
			return res, nil
		default:
			c.deliver(st)
			return Result{Kind: ResultStep, Step: st.Clone()}, nil
		}
	}
}

// pull returns nil at the end of upstream and moves to Completed.
func (c *Controller) pull(ctx context.Context, timeout time.Duration) (*step.Step, error) {
	pctx, cancel := c.bind(ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		pctx, tcancel = context.WithTimeout(pctx, timeout)
		defer tcancel()
	}
	st, err := c.src.Pull(pctx)
	switch {
	case err == nil:
		return &st, nil
	case errors.Is(err, io.EOF):
		c.state = Completed
		return nil, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case c.life.Err() != nil:
		return nil, ErrTerminated
	case pctx.Err() != nil:
		return nil, ErrWaitTimeout
	}
	c.state = Completed
	c.err = err
	c.logger.Error("step stream failed", "error", err)
	return nil, nil
}

// review runs the reviewer under the review timeout. again means the step
// was rejected and the next one should be pulled.
func (c *Controller) review(ctx context.Context, st *step.Step) (Result, bool) {
	st.ReviewStatus = step.ReviewPending
	c.stats.Reviewed++
	dec, err := c.callReviewer(ctx, *st.Clone())
	if err != nil {
		c.stats.Fallbacks++
		c.logger.Warn("review did not resolve, applying fallback", "step_id", st.ID, "fallback", c.cfg.Fallback, "error", err)
		switch c.cfg.Fallback {
		case FallbackApprove:
			dec = Decision{Action: Continue}
		case FallbackSkip:
			dec = Decision{Action: Skip}
		case FallbackAbort:
			dec = Decision{Action: Abort}
		default:
			return c.hold(st, err), false
		}
	}
	if dec.Action == Intervene {
		if _, err := c.intervene(st, dec); err != nil {
			c.logger.Warn("reviewer intervention rejected", "step_id", st.ID, "error", err)
			return c.hold(st, err), false
		}
		if !dec.ThenContinue {
			return c.hold(st, nil), false
		}
		dec.Action = Continue
	}
	switch dec.Action {
	case Continue:
		st.ReviewStatus = step.ReviewApproved
		c.deliver(st)
		return Result{Kind: ResultStep, Step: st.Clone()}, false
	case Skip:
		st.ReviewStatus = step.ReviewRejected
		c.stats.Skipped++
		c.logger.Info("step rejected by review", "step_id", st.ID)
		return Result{}, true
	case Abort:
		c.terminate(st.ID)
		return Result{Kind: ResultCompleted}, false
	}
	err = fmt.Errorf("reviewer returned unknown action %q", dec.Action)
	c.logger.Warn("bad review decision", "step_id", st.ID, "error", err)
	return c.hold(st, err), false
}

func (c *Controller) callReviewer(ctx context.Context, st step.Step) (Decision, error) {
	rctx, cancel := c.bind(ctx)
	defer cancel()
	if c.cfg.ReviewTimeout > 0 {
		var tcancel context.CancelFunc
		rctx, tcancel = context.WithTimeout(rctx, c.cfg.ReviewTimeout)
		defer tcancel()
	}

	type answer struct {
		dec Decision
		err error
	}
	ch := make(chan answer, 1)
	start := time.Now()
	go func() {
		dec, err := c.cfg.Reviewer(rctx, st)
		ch <- answer{dec, err}
	}()
	select {
	case a := <-ch:
		if a.err != nil {
			return Decision{}, &step.ReviewTimeoutError{StepID: st.ID, After: time.Since(start), Err: a.err}
		}
		return a.dec, nil
	case <-rctx.Done():
		if c.life.Err() != nil {
			return Decision{}, &step.ReviewTimeoutError{StepID: st.ID, After: time.Since(start), Err: ErrTerminated}
		}
		return Decision{}, &step.ReviewTimeoutError{StepID: st.ID, After: time.Since(start)}
	}
}

func (c *Controller) hold(st *step.Step, cause error) Result {
	c.state = AwaitingDecision
	c.pending = st
	c.cause = cause
	c.stats.Paused++
	return c.paused()
}

func (c *Controller) paused() Result {
	return Result{Kind: ResultPaused, Step: c.pending.Clone(), Cause: c.cause}
}

func (c *Controller) release() {
	c.state = Idle
	c.pending = nil
	c.cause = nil
}

func (c *Controller) deliver(st *step.Step) {
	c.stats.Delivered++
	for _, id := range slices.Sorted(maps.Keys(c.subs)) {
		c.subs[id](*st.Clone())
	}
}

func (c *Controller) terminate(stepID string) {
	c.state = Terminated
	c.pending = nil
	c.cause = nil
	c.logger.Info("controller aborted", "step_id", stepID)
}

func (c *Controller) intervene(st *step.Step, dec Decision) (step.Intervention, error) {
	if dec.Intervention == nil {
		return step.Intervention{}, &step.ValidationError{Field: "intervention", Reason: "is required"}
	}
	return st.ApplyIntervention(*dec.Intervention)
}

// Resume answers the step awaiting a decision.
func (c *Controller) Resume(ctx context.Context, dec Decision) (Result, error) {
	var res Result
	var err error
	if derr := c.do(ctx, func() { res, err = c.resume(dec) }); derr != nil {
		return Result{}, derr
	}
	return res, err
}

func (c *Controller) resume(dec Decision) (Result, error) {
	if c.state == Terminated {
		return Result{}, ErrTerminated
	}
	if c.state != AwaitingDecision {
		return Result{}, ErrNotPaused
	}
	st := c.pending
	switch dec.Action {
	case Continue:
		if c.cfg.Mode == ReviewRequired {
			st.ReviewStatus = step.ReviewApproved
		}
		c.release()
		c.deliver(st)
		return Result{Kind: ResultStep, Step: st.Clone()}, nil
	case Skip:
		if c.cfg.Mode == ReviewRequired {
			st.ReviewStatus = step.ReviewRejected
		}
		c.release()
		c.stats.Skipped++
		return Result{Kind: ResultSkipped, Step: st.Clone()}, nil
	case Abort:
		c.terminate(st.ID)
		return Result{Kind: ResultCompleted}, nil
	case Intervene:
		if _, err := c.intervene(st, dec); err != nil {
			return c.paused(), err
		}
		c.cause = nil
		if dec.ThenContinue {
			return c.resume(Decision{Action: Continue})
		}
		return c.paused(), nil
	}
	return c.paused(), &step.ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not one of [continue skip abort intervene]", dec.Action)}
}

// Rollback removes an intervention from the step awaiting a decision.
func (c *Controller) Rollback(ctx context.Context, interventionID string) (Result, error) {
	var res Result
	var err error
	derr := c.do(ctx, func() {
		switch c.state {
		case Terminated:
			err = ErrTerminated
			return
		case AwaitingDecision:
		default:
			err = ErrNotPaused
			return
		}
		_, err = c.pending.RollbackIntervention(interventionID)
		res = c.paused()
	})
	if derr != nil {
		return Result{}, derr
	}
	return res, err
}

// Pause asks the controller to hold the next step for a decision,
// whatever the mode.
func (c *Controller) Pause() { c.pauseRequested.Store(true) }

// Subscribe registers fn for every step delivered downstream. It is a
// message to the actor, so it waits while a Next is blocked on upstream.
func (c *Controller) Subscribe(fn func(step.Step)) (func(), error) {
	var id int
	err := c.do(context.Background(), func() {
		id = c.nextSub
		c.nextSub++
		c.subs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = c.do(context.Background(), func() { delete(c.subs, id) })
	}, nil
}

// State is the state as of the last completed message. It never waits on
// the actor.
func (c *Controller) State() State {
	select {
	case <-c.done:
		return Terminated
	default:
	}
	return c.snap.Load().state
}

func (c *Controller) Stats() Stats { return c.snap.Load().stats }

func (c *Controller) Mode() Mode { return c.cfg.Mode }

// Close stops the actor. A pull or review in flight is cancelled.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.kill()
		close(c.done)
	})
	<-c.stopped
}
