package control

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

// slicePuller hands out fixed steps, then io.EOF.
type slicePuller struct {
	mu    sync.Mutex
	steps []step.Step
	err   error
}

func (p *slicePuller) Pull(ctx context.Context) (step.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		if p.err != nil {
			return step.Step{}, p.err
		}
		return step.Step{}, io.EOF
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	return st, nil
}

// blockingPuller never produces a step.
type blockingPuller struct{}

func (blockingPuller) Pull(ctx context.Context) (step.Step, error) {
	<-ctx.Done()
	return step.Step{}, ctx.Err()
}

func closedStep(t *testing.T, typ step.Type) step.Step {
	t.Helper()
	s := step.Open(typ, 0.9, time.Now())
	require.NoError(t, s.Append(event.Text(string(typ))))
	require.NoError(t, s.Close(step.StatusCompleted, "boundary", time.Now()))
	return *s
}

func steps(t *testing.T, types ...step.Type) *slicePuller {
	p := &slicePuller{}
	for _, typ := range types {
		p.steps = append(p.steps, closedStep(t, typ))
	}
	return p
}

type recorder struct {
	mu  sync.Mutex
	got []step.Step
}

func (r *recorder) add(s step.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) types() []step.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]step.Type, len(r.got))
	for i, s := range r.got {
		out[i] = s.Type
	}
	return out
}

func newTestController(t *testing.T, src Puller, cfg Config) (*Controller, *recorder) {
	t.Helper()
	c, err := New(src, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	rec := &recorder{}
	_, err = c.Subscribe(rec.add)
	require.NoError(t, err)
	return c, rec
}

var ctx = context.Background()

func TestAutomaticPassesThrough(t *testing.T) {
	c, rec := newTestController(t, steps(t, step.TypeFileOperation, step.TypeSystemCommand), Config{})
	for _, want := range []step.Type{step.TypeFileOperation, step.TypeSystemCommand} {
		res, err := c.Next(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, ResultStep, res.Kind)
		assert.Equal(t, want, res.Step.Type)
	}
	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Kind)
	assert.Equal(t, Completed, c.State())
	assert.Equal(t, []step.Type{step.TypeFileOperation, step.TypeSystemCommand}, rec.types())
}

func TestNextTimeout(t *testing.T) {
	c, _ := newTestController(t, blockingPuller{}, Config{})
	_, err := c.Next(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, Idle, c.State())
}

// waitingPuller blocks like blockingPuller and reports each Pull.
type waitingPuller struct {
	blockingPuller
	pulling chan struct{}
}

func (p waitingPuller) Pull(ctx context.Context) (step.Step, error) {
	p.pulling <- struct{}{}
	return p.blockingPuller.Pull(ctx)
}

func TestCloseCancelsPendingNext(t *testing.T) {
	src := waitingPuller{pulling: make(chan struct{}, 1)}
	c, err := New(src, Config{})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background(), 0)
		errc <- err
	}()
	<-src.pulling

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a Next waiting for upstream")
	}
	assert.ErrorIs(t, <-errc, ErrTerminated)
	assert.Equal(t, Terminated, c.State())
}

func TestStateDoesNotWaitForPull(t *testing.T) {
	src := waitingPuller{pulling: make(chan struct{}, 1)}
	c, _ := newTestController(t, src, Config{})
	go c.Next(context.Background(), 0)
	<-src.pulling

	got := make(chan State, 1)
	go func() { got <- c.State(); _ = c.Stats() }()
	select {
	case s := <-got:
		assert.Equal(t, Idle, s)
	case <-time.After(time.Second):
		t.Fatal("State blocked on a Next waiting for upstream")
	}
}

func TestUpstreamErrorSurfaces(t *testing.T) {
	boom := errors.New("detector failed")
	c, _ := newTestController(t, &slicePuller{err: boom}, Config{})
	res, err := c.Next(ctx, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ResultCompleted, res.Kind)
	_, err = c.Next(ctx, 0)
	assert.ErrorIs(t, err, boom)
}

func TestManualHoldsUntilDecision(t *testing.T) {
	c, rec := newTestController(t, steps(t, step.TypeFileOperation, step.TypeSystemCommand, step.TypeAnalysis), Config{Mode: Manual})

	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultStep, res.Kind)
	assert.Equal(t, AwaitingDecision, c.State())
	assert.Empty(t, rec.types(), "nothing delivered before continue")

	res, err = c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res.Kind, "next while awaiting stays paused")

	res, err = c.Resume(ctx, Decision{Action: Continue})
	require.NoError(t, err)
	assert.Equal(t, ResultStep, res.Kind)
	assert.Equal(t, Idle, c.State())

	_, err = c.Next(ctx, 0)
	require.NoError(t, err)
	res, err = c.Resume(ctx, Decision{Action: Skip})
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res.Kind)

	_, err = c.Next(ctx, 0)
	require.NoError(t, err)
	_, err = c.Resume(ctx, Decision{Action: Continue})
	require.NoError(t, err)

	assert.Equal(t, []step.Type{step.TypeFileOperation, step.TypeAnalysis}, rec.types())
	assert.Equal(t, 1, c.Stats().Skipped)
}

func TestResumeWhenNotPaused(t *testing.T) {
	c, _ := newTestController(t, steps(t, step.TypeAnalysis), Config{})
	_, err := c.Resume(ctx, Decision{Action: Continue})
	assert.ErrorIs(t, err, ErrNotPaused)
	_, err = c.Rollback(ctx, "x")
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestAbortIsPermanent(t *testing.T) {
	c, rec := newTestController(t, steps(t, step.TypeFileOperation, step.TypeSystemCommand), Config{Mode: Manual})
	_, err := c.Next(ctx, 0)
	require.NoError(t, err)
	res, err := c.Resume(ctx, Decision{Action: Abort})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Kind)
	assert.Equal(t, Terminated, c.State())

	for _, dec := range []Decision{{Action: Continue}, {Action: Skip}, {Action: Abort}} {
		_, err := c.Resume(ctx, dec)
		assert.ErrorIs(t, err, ErrTerminated)
	}
	_, err = c.Next(ctx, 0)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Empty(t, rec.types())
}

func TestInterveneValidatesAndApplies(t *testing.T) {
	c, rec := newTestController(t, steps(t, step.TypeCodeModification), Config{Mode: Manual})
	_, err := c.Next(ctx, 0)
	require.NoError(t, err)

	res, err := c.Resume(ctx, Decision{Action: Intervene, Intervention: &step.Intervention{
		Type: "shout", Content: "x", Priority: step.PriorityLow,
	}})
	assert.ErrorIs(t, err, step.ErrValidation)
	assert.Equal(t, ResultPaused, res.Kind)
	assert.Empty(t, res.Step.Interventions, "invalid intervention must not be applied")

	_, err = c.Resume(ctx, Decision{Action: Intervene})
	assert.ErrorIs(t, err, step.ErrValidation)

	res, err = c.Resume(ctx, Decision{Action: Intervene, Intervention: &step.Intervention{
		Type: step.InterventionCorrection, Content: "Rename parser helpers", Priority: step.PriorityHigh,
	}})
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res.Kind)
	require.Len(t, res.Step.Interventions, 1)
	assert.Equal(t, "Rename parser helpers", res.Step.Description)

	res, err = c.Rollback(ctx, res.Step.Interventions[0].ID)
	require.NoError(t, err)
	assert.Empty(t, res.Step.Interventions)
	assert.NotEqual(t, "Rename parser helpers", res.Step.Description)

	res, err = c.Resume(ctx, Decision{Action: Intervene, ThenContinue: true, Intervention: &step.Intervention{
		Type: step.InterventionGuidance, Content: "keep the diff small", Priority: step.PriorityMedium,
	}})
	require.NoError(t, err)
	assert.Equal(t, ResultStep, res.Kind)
	require.Len(t, rec.got, 1)
	assert.Len(t, rec.got[0].Interventions, 1)
}

func TestPauseInAutomatic(t *testing.T) {
	c, rec := newTestController(t, steps(t, step.TypeExploration, step.TypeAnalysis), Config{})
	c.Pause()
	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res.Kind)
	assert.Empty(t, rec.types())
	_, err = c.Resume(ctx, Decision{Action: Continue})
	require.NoError(t, err)
	res, err = c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultStep, res.Kind)
	assert.Len(t, rec.types(), 2)
}

func TestReviewApproveAndReject(t *testing.T) {
	reviewer := func(_ context.Context, s step.Step) (Decision, error) {
		if s.Type == step.TypeSystemCommand {
			return Decision{Action: Skip}, nil
		}
		return Decision{Action: Continue}, nil
	}
	c, rec := newTestController(t, steps(t, step.TypeSystemCommand, step.TypeFileOperation), Config{
		Mode: ReviewRequired, Reviewer: reviewer, ReviewTimeout: time.Second,
	})
	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, ResultStep, res.Kind)
	assert.Equal(t, step.TypeFileOperation, res.Step.Type, "rejected step is not delivered")
	assert.Equal(t, step.ReviewApproved, res.Step.ReviewStatus)
	assert.Equal(t, []step.Type{step.TypeFileOperation}, rec.types())
}

func TestReviewTimeoutPauses(t *testing.T) {
	var cancelled sync.WaitGroup
	cancelled.Add(1)
	reviewer := func(rctx context.Context, _ step.Step) (Decision, error) {
		<-rctx.Done()
		cancelled.Done()
		return Decision{}, rctx.Err()
	}
	c, rec := newTestController(t, steps(t, step.TypeCodeModification), Config{
		Mode: ReviewRequired, Reviewer: reviewer, ReviewTimeout: 100 * time.Millisecond,
	})
	start := time.Now()
	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, ResultPaused, res.Kind)
	assert.ErrorIs(t, res.Cause, step.ErrReviewTimeout)
	assert.Equal(t, step.ReviewPending, res.Step.ReviewStatus)
	assert.Equal(t, AwaitingDecision, c.State())
	assert.Empty(t, rec.types(), "timed out review must not auto-approve")
	cancelled.Wait()

	res, err = c.Resume(ctx, Decision{Action: Continue})
	require.NoError(t, err)
	assert.Equal(t, step.ReviewApproved, res.Step.ReviewStatus)
	assert.Len(t, rec.types(), 1)
}

func TestReviewFallbacks(t *testing.T) {
	slow := func(rctx context.Context, _ step.Step) (Decision, error) {
		<-rctx.Done()
		return Decision{}, rctx.Err()
	}
	cases := []struct {
		fallback Fallback
		kind     ResultKind
		state    State
		got      int
	}{
		{FallbackApprove, ResultStep, Idle, 1},
		{FallbackSkip, ResultCompleted, Completed, 0},
		{FallbackAbort, ResultCompleted, Terminated, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.fallback), func(t *testing.T) {
			c, rec := newTestController(t, steps(t, step.TypeAnalysis), Config{
				Mode: ReviewRequired, Reviewer: slow, ReviewTimeout: 10 * time.Millisecond, Fallback: tc.fallback,
			})
			res, err := c.Next(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, tc.state, c.State())
			assert.Len(t, rec.types(), tc.got)
		})
	}
}

func TestReviewerErrorUsesFallback(t *testing.T) {
	failing := func(context.Context, step.Step) (Decision, error) {
		return Decision{}, errors.New("reviewer offline")
	}
	c, _ := newTestController(t, steps(t, step.TypeAnalysis), Config{Mode: ReviewRequired, Reviewer: failing})
	res, err := c.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res.Kind)
	assert.ErrorIs(t, res.Cause, step.ErrReviewTimeout)
}

func TestConfigErrors(t *testing.T) {
	_, err := New(blockingPuller{}, Config{Mode: ReviewRequired})
	assert.ErrorIs(t, err, ErrNoReviewer)
	_, err = New(blockingPuller{}, Config{Mode: "yolo"})
	assert.ErrorIs(t, err, step.ErrValidation)
}
