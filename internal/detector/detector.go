// Package detector decides, one event at a time, whether the event starts,
// continues or ends a step.
package detector

import (
	"fmt"
	"log/slog"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/optimizer"
	"github.com/ehrlich-b/stepline/internal/pattern"
	"github.com/ehrlich-b/stepline/internal/step"
)

type Strategy string

const (
	PatternBased Strategy = "pattern_based"
	Heuristic    Strategy = "heuristic"
	Hybrid       Strategy = "hybrid"
)

// ErrorPolicy says what happens when a pattern fails during evaluation.
type ErrorPolicy string

const (
	SkipPattern  ErrorPolicy = "skip"
	AbortOnError ErrorPolicy = "abort"
)

type Kind int

const (
	Continue Kind = iota
	Start
	End
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "step_start"
	case End:
		return "step_end"
	}
	return "step_continue"
}

// Decision is the outcome for one event. Type and Confidence describe the
// step to open for Start, and for End when no step is open.
type Decision struct {
	Kind       Kind
	Type       step.Type
	Confidence float64
	PatternID  string
	Strategy   Strategy
}

const (
	DefaultThreshold = 0.7
	// unmatchedConfidence is used for events that start a step without
	// any pattern or heuristic support.
	unmatchedConfidence = 0.3
)

type Config struct {
	Strategy    Strategy
	Threshold   float64
	ErrorPolicy ErrorPolicy
	Logger      *slog.Logger
}

type Detector struct {
	opt    *optimizer.Optimizer
	cfg    Config
	logger *slog.Logger
}

func New(opt *optimizer.Optimizer, cfg Config) *Detector {
	if cfg.Strategy == "" {
		cfg.Strategy = PatternBased
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = SkipPattern
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{opt: opt, cfg: cfg, logger: logger}
}

func (d *Detector) Strategy() Strategy { return d.cfg.Strategy }

// Analyze classifies ev against the currently open step (nil when none).
// The open step is only read. An error is returned only under the abort
// policy; with skip, failing patterns are logged and ignored.
func (d *Detector) Analyze(ev event.Event, open *step.Step) (Decision, error) {
	if d.cfg.Strategy == Heuristic {
		typ, conf, _ := Classify(ev)
		return d.relative(open, typ, conf, ""), nil
	}

	best, err := d.match(ev)
	if err != nil {
		return Decision{}, err
	}
	if best == nil {
		if d.cfg.Strategy == Hybrid {
			if typ, conf, hits := Classify(ev); hits > 0 {
				return d.relative(open, typ, conf, ""), nil
			}
		}
		if open != nil {
			return d.decision(Continue, open.Type, open.Confidence, ""), nil
		}
		return d.decision(Start, step.TypeCommunication, unmatchedConfidence, ""), nil
	}

	if best.Action == pattern.ActionEnd {
		dec := d.decision(End, step.TypeCommunication, best.Confidence, best.ID)
		if open != nil {
			dec.Type, dec.Confidence = open.Type, open.Confidence
		}
		return dec, nil
	}

	typ, conf := best.StepType, best.Confidence
	if conf < d.cfg.Threshold {
		if htyp, hconf, hits := Classify(ev); hits > 0 {
			typ, conf = htyp, hconf
		}
	}
	return d.relative(open, typ, conf, best.ID), nil
}

// relative turns a classification into a boundary decision. Weak signals
// never split an open step.
func (d *Detector) relative(open *step.Step, typ step.Type, conf float64, patternID string) Decision {
	switch {
	case open == nil:
		return d.decision(Start, typ, conf, patternID)
	case open.Type == typ:
		return d.decision(Continue, typ, conf, patternID)
	case conf >= d.cfg.Threshold:
		return d.decision(Start, typ, conf, patternID)
	default:
		return d.decision(Continue, open.Type, open.Confidence, patternID)
	}
}

func (d *Detector) decision(k Kind, typ step.Type, conf float64, patternID string) Decision {
	return Decision{Kind: k, Type: typ, Confidence: conf, PatternID: patternID, Strategy: d.cfg.Strategy}
}

// match returns the best matching pattern, consulting the cache first.
// Candidates arrive in priority order, so the first match is the best.
func (d *Detector) match(ev event.Event) (*pattern.Pattern, error) {
	key := optimizer.Fingerprint(ev)
	if r, ok := d.opt.Get(key); ok {
		if r.PatternID == "" {
			return nil, nil
		}
		if p, ok := d.opt.Pattern(r.PatternID); ok {
			return p, nil
		}
	}

	failed := false
	var best *pattern.Pattern
	for _, p := range d.opt.CandidatesFor(ev) {
		ok, err := p.Match(ev)
		if err != nil {
			derr := &step.DetectionError{PatternID: p.ID, Err: err}
			if d.cfg.ErrorPolicy == AbortOnError {
				return nil, fmt.Errorf("analyze event %s: %w", ev.ID, derr)
			}
			d.logger.Warn("pattern evaluation failed, skipping", "pattern_id", p.ID, "event_id", ev.ID, "error", err)
			failed = true
			continue
		}
		if ok {
			best = p
			break
		}
	}
	// Results computed while a pattern failed are not cached.
	if !failed {
		r := optimizer.Result{}
		if best != nil {
			r.PatternID = best.ID
		}
		d.opt.Put(key, r)
	}
	return best, nil
}
