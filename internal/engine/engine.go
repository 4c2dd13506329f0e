// Package engine wires configuration into the event to step pipeline:
// detector, buffer, stream, controller and state manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/stepline/internal/buffer"
	"github.com/ehrlich-b/stepline/internal/config"
	"github.com/ehrlich-b/stepline/internal/control"
	"github.com/ehrlich-b/stepline/internal/detector"
	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/optimizer"
	"github.com/ehrlich-b/stepline/internal/pattern"
	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/step"
	"github.com/ehrlich-b/stepline/internal/stream"
)

const DefaultConversation = "default"

type Options struct {
	ConversationID string
	// Reviewer is required in review_required mode.
	Reviewer control.Reviewer
	// Adapter overrides persistence_adapter. The engine closes it.
	Adapter state.Adapter
	// Patterns are added to the library after patterns_file, replacing
	// patterns with the same ID.
	Patterns []*pattern.Pattern
	Logger   *slog.Logger
}

type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	lib   *pattern.Library
	opt   *optimizer.Optimizer
	det   *detector.Detector
	buf   *buffer.Buffer
	input *event.ChanSource
	steps *stream.Stream
	ctrl  *control.Controller
	state *state.Manager
}

// New builds the pipeline and loads the conversation's saved history.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConversationID == "" {
		opts.ConversationID = DefaultConversation
	}

	lib, err := Library(cfg, opts.Patterns...)
	if err != nil {
		return nil, err
	}
	opt := optimizer.Compile(lib, optimizer.Options{
		Indexing:  cfg.IndexingEnabled,
		Caching:   cfg.CacheEnabled,
		CacheSize: cfg.CacheSize,
	})
	det := detector.New(opt, detector.Config{
		Strategy:    detector.Strategy(cfg.Strategy),
		Threshold:   cfg.ConfidenceThreshold,
		ErrorPolicy: detector.ErrorPolicy(cfg.PatternErrorPolicy),
		Logger:      logger,
	})
	buf := buffer.New(det, buffer.Config{
		Timeout:   cfg.BufferTimeout(),
		MaxBytes:  cfg.MaxBufferBytes,
		MaxEvents: cfg.MaxBufferEvents,
		Logger:    logger,
	})
	input := event.NewChanSource()
	steps, err := stream.New(input, buf)
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}
	ctrl, err := control.New(steps, control.Config{
		Mode:          control.Mode(cfg.ControlMode),
		Reviewer:      opts.Reviewer,
		ReviewTimeout: cfg.ReviewTimeout(),
		Fallback:      control.Fallback(cfg.ReviewFallback),
		Logger:        logger,
	})
	if err != nil {
		steps.Close()
		buf.Close()
		return nil, fmt.Errorf("create controller: %w", err)
	}

	adapter := opts.Adapter
	if adapter == nil {
		adapter, err = OpenAdapter(cfg, logger)
		if err != nil {
			ctrl.Close()
			steps.Close()
			buf.Close()
			return nil, fmt.Errorf("open %s adapter: %w", cfg.PersistenceAdapter, err)
		}
	}
	codec, err := state.CodecByName(cfg.PersistenceCodec)
	if err != nil {
		adapter.Close()
		ctrl.Close()
		steps.Close()
		buf.Close()
		return nil, err
	}
	mgr := state.NewManager(adapter, state.Config{
		ConversationID:  opts.ConversationID,
		MaxHistory:      cfg.MaxStepHistory,
		MaxCheckpoints:  cfg.MaxCheckpoints,
		CheckpointEvery: cfg.CheckpointEvery,
		AutoPrune:       cfg.AutoPrune,
		Codec:           codec,
		Logger:          logger,
	})

	e := &Engine{
		cfg: cfg, logger: logger,
		lib: lib, opt: opt, det: det, buf: buf,
		input: input, steps: steps, ctrl: ctrl, state: mgr,
	}
	if err := mgr.Init(ctx); err != nil {
		e.Close(ctx)
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		if !errors.Is(err, state.ErrCorrupt) {
			e.Close(ctx)
			return nil, err
		}
		logger.Warn("starting with empty history", "error", err)
	}
	if _, err := ctrl.Subscribe(func(s step.Step) {
		if err := mgr.Save(context.Background(), s); err != nil {
			logger.Warn("record step", "step_id", s.ID, "error", err)
		}
	}); err != nil {
		e.Close(ctx)
		return nil, err
	}
	return e, nil
}

// Library is the built-in patterns plus patterns_file plus extra.
func Library(cfg *config.Config, extra ...*pattern.Pattern) (*pattern.Library, error) {
	lib := pattern.Default()
	var custom []*pattern.Pattern
	if cfg.PatternsFile != "" {
		ps, err := pattern.LoadFile(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		custom = append(custom, ps...)
	}
	custom = append(custom, extra...)
	if len(custom) == 0 {
		return lib, nil
	}
	return lib.With(custom...)
}

// Feed is the single ingestion point. It blocks until the pipeline takes
// the event, which happens only while a consumer is pulling steps.
func (e *Engine) Feed(ctx context.Context, ev event.Event) error {
	return e.input.Feed(ctx, ev)
}

// CloseInput marks the end of the source. The open step is flushed and
// the controller completes once every step is consumed.
func (e *Engine) CloseInput() { e.input.Close() }

func (e *Engine) Controller() *control.Controller { return e.ctrl }

func (e *Engine) State() *state.Manager { return e.state }

func (e *Engine) Optimizer() *optimizer.Optimizer { return e.opt }

func (e *Engine) Library() *pattern.Library { return e.lib }

// Decider answers a step held for a decision.
type Decider func(ctx context.Context, res control.Result) (control.Decision, error)

type RunOptions struct {
	// Decide is consulted whenever the controller holds a step. Nil
	// continues every held step.
	Decide Decider
	// OnResult sees every delivered or skipped step.
	OnResult func(res control.Result) error
}

// Run feeds src into the engine and drains the controller until src ends
// or the run is aborted. It returns after src.Next has returned.
func (e *Engine) Run(ctx context.Context, src event.Source, ro RunOptions) error {
	decide := ro.Decide
	if decide == nil {
		decide = func(context.Context, control.Result) (control.Decision, error) {
			return control.Decision{Action: control.Continue}, nil
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer e.CloseInput()
		for {
			ev, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if err := e.Feed(gctx, ev); err != nil {
				if errors.Is(err, event.ErrSourceClosed) {
					return nil
				}
				return err
			}
		}
	})
	g.Go(func() error {
		defer e.CloseInput()
		return e.drain(gctx, decide, ro.OnResult)
	})
	return g.Wait()
}

func (e *Engine) drain(ctx context.Context, decide Decider, onResult func(control.Result) error) error {
	for {
		res, err := e.ctrl.Next(ctx, 0)
		if errors.Is(err, control.ErrTerminated) {
			return nil
		}
		if err != nil {
			return err
		}
		for e.ctrl.State() == control.AwaitingDecision {
			dec, err := decide(ctx, res)
			if err != nil {
				return err
			}
			res, err = e.ctrl.Resume(ctx, dec)
			if errors.Is(err, step.ErrValidation) {
				e.logger.Warn("decision rejected", "error", err)
				continue
			}
			if err != nil {
				return err
			}
		}
		switch res.Kind {
		case control.ResultCompleted:
			return nil
		case control.ResultStep, control.ResultSkipped:
			if onResult != nil {
				if err := onResult(res); err != nil {
					return err
				}
			}
		}
	}
}

// Close stops the pipeline, flushes pending writes and closes the adapter.
func (e *Engine) Close(ctx context.Context) error {
	e.input.Close()
	e.ctrl.Close()
	e.steps.Close()
	e.buf.Close()
	return e.state.Close(ctx)
}
