package pattern

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

// Action says what a firing pattern does to step boundaries.
type Action string

const (
	// ActionStart begins a step of the pattern's type, or extends the
	// open step when it already has that type.
	ActionStart Action = "start"
	// ActionEnd appends the event to the open step, then closes it.
	ActionEnd Action = "end"
)

type TriggerKind string

const (
	TriggerTools     TriggerKind = "tools"
	TriggerKeywords  TriggerKind = "keywords"
	TriggerContent   TriggerKind = "content"
	TriggerPredicate TriggerKind = "predicate"
)

// Predicate inspects a single event. Predicates must only look at the
// event's kind, role, tools and content: detection results are cached by
// a fingerprint of exactly those fields.
type Predicate func(ev event.Event) (bool, error)

// Trigger is one way a pattern can fire.
type Trigger struct {
	Kind      TriggerKind
	Tools     []string
	Keywords  []string
	Content   *regexp.Regexp
	Predicate Predicate
	// EventKinds restricts the trigger to these event kinds. Empty means any.
	EventKinds []event.Kind
}

// Validator can veto a trigger match.
type Validator struct {
	Name  string
	Check Predicate
}

// Pattern is immutable once it has been added to a Library.
type Pattern struct {
	ID          string
	Name        string
	StepType    step.Type
	Action      Action
	Triggers    []Trigger
	Validators  []Validator
	Priority    int
	Confidence  float64
	Description string
}

// Match reports whether any trigger fires and every validator passes.
// A panic inside a custom predicate is returned as an error.
func (p *Pattern) Match(ev event.Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	lower := strings.ToLower(ev.Content)
	fired := false
	for i := range p.Triggers {
		f, err := p.Triggers[i].fires(ev, lower)
		if err != nil {
			return false, fmt.Errorf("trigger %d: %w", i, err)
		}
		if f {
			fired = true
			break
		}
	}
	if !fired {
		return false, nil
	}
	for _, v := range p.Validators {
		pass, err := v.Check(ev)
		if err != nil {
			return false, fmt.Errorf("validator %s: %w", v.Name, err)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

func (t *Trigger) fires(ev event.Event, lowerContent string) (bool, error) {
	if len(t.EventKinds) > 0 && !slices.Contains(t.EventKinds, ev.Kind) {
		return false, nil
	}
	switch t.Kind {
	case TriggerTools:
		for _, have := range ev.Tools {
			for _, want := range t.Tools {
				if strings.EqualFold(have, want) {
					return true, nil
				}
			}
		}
		return false, nil
	case TriggerKeywords:
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lowerContent, strings.ToLower(kw)) {
				return true, nil
			}
		}
		return false, nil
	case TriggerContent:
		if t.Content == nil {
			return false, nil
		}
		return t.Content.MatchString(ev.Content), nil
	case TriggerPredicate:
		if t.Predicate == nil {
			return false, nil
		}
		return t.Predicate(ev)
	}
	return false, fmt.Errorf("unknown trigger kind %q", t.Kind)
}

func (p *Pattern) validate() error {
	if p.ID == "" {
		return &step.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return &step.ValidationError{Field: p.ID + ".confidence", Reason: "must be within [0, 1]"}
	}
	if len(p.Triggers) == 0 {
		return &step.ValidationError{Field: p.ID + ".triggers", Reason: "must not be empty"}
	}
	switch p.Action {
	case ActionStart, ActionEnd:
	default:
		return &step.ValidationError{Field: p.ID + ".action", Reason: fmt.Sprintf("%q is not one of [start end]", p.Action)}
	}
	if p.Action == ActionStart && p.StepType == "" {
		return &step.ValidationError{Field: p.ID + ".step_type", Reason: "must not be empty"}
	}
	for i, t := range p.Triggers {
		switch t.Kind {
		case TriggerTools:
			if len(t.Tools) == 0 {
				return &step.ValidationError{Field: fmt.Sprintf("%s.triggers[%d].tools", p.ID, i), Reason: "must not be empty"}
			}
		case TriggerKeywords:
			if len(t.Keywords) == 0 {
				return &step.ValidationError{Field: fmt.Sprintf("%s.triggers[%d].keywords", p.ID, i), Reason: "must not be empty"}
			}
		case TriggerContent:
			if t.Content == nil {
				return &step.ValidationError{Field: fmt.Sprintf("%s.triggers[%d].regex", p.ID, i), Reason: "must not be empty"}
			}
		case TriggerPredicate:
			if t.Predicate == nil {
				return &step.ValidationError{Field: fmt.Sprintf("%s.triggers[%d].predicate", p.ID, i), Reason: "must not be nil"}
			}
		default:
			return &step.ValidationError{Field: fmt.Sprintf("%s.triggers[%d]", p.ID, i), Reason: fmt.Sprintf("unknown kind %q", t.Kind)}
		}
	}
	return nil
}

// Tools builds a tool-name trigger.
func Tools(names ...string) Trigger {
	return Trigger{Kind: TriggerTools, Tools: names}
}

// Keywords builds a case-insensitive substring trigger.
func Keywords(words ...string) Trigger {
	return Trigger{Kind: TriggerKeywords, Keywords: words}
}

// Content builds a regular expression trigger.
func Content(re *regexp.Regexp) Trigger {
	return Trigger{Kind: TriggerContent, Content: re}
}

// When builds a custom predicate trigger.
func When(fn Predicate) Trigger {
	return Trigger{Kind: TriggerPredicate, Predicate: fn}
}

// Only restricts a trigger to the given event kinds.
func (t Trigger) Only(kinds ...event.Kind) Trigger {
	t.EventKinds = kinds
	return t
}
