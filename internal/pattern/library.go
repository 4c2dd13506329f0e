package pattern

import (
	"sort"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

// Library is an ordered, read-only set of patterns keyed by ID.
type Library struct {
	patterns []*Pattern
	byID     map[string]int
}

// NewLibrary validates the patterns and freezes them. Later patterns with
// a duplicate ID are rejected.
func NewLibrary(patterns ...*Pattern) (*Library, error) {
	lib := &Library{byID: make(map[string]int, len(patterns))}
	for _, p := range patterns {
		if err := lib.add(p, false); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Default returns the built-in library.
func Default() *Library {
	lib, err := NewLibrary(Builtins()...)
	if err != nil {
		panic("pattern: built-in library invalid: " + err.Error())
	}
	return lib
}

// With returns a new library holding l's patterns plus custom ones. A
// custom pattern whose ID matches an existing one replaces it.
func (l *Library) With(custom ...*Pattern) (*Library, error) {
	out := &Library{byID: make(map[string]int, len(l.patterns)+len(custom))}
	for _, p := range l.patterns {
		if err := out.add(p, false); err != nil {
			return nil, err
		}
	}
	for _, p := range custom {
		if err := out.add(p, true); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Library) add(p *Pattern, replace bool) error {
	if p.Action == "" {
		p.Action = ActionStart
	}
	if err := p.validate(); err != nil {
		return err
	}
	if i, ok := l.byID[p.ID]; ok {
		if !replace {
			return &step.ValidationError{Field: "id", Reason: "duplicate pattern " + p.ID}
		}
		l.patterns[i] = p
		return nil
	}
	l.byID[p.ID] = len(l.patterns)
	l.patterns = append(l.patterns, p)
	return nil
}

func (l *Library) Len() int { return len(l.patterns) }

// Patterns returns the patterns in insertion order. The slice is a copy;
// the patterns themselves must not be modified.
func (l *Library) Patterns() []*Pattern {
	return append([]*Pattern(nil), l.patterns...)
}

func (l *Library) Get(id string) (*Pattern, bool) {
	i, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return l.patterns[i], true
}

// ByPriority returns patterns ordered by priority, then confidence, then ID.
func (l *Library) ByPriority() []*Pattern {
	out := l.Patterns()
	sort.SliceStable(out, func(i, j int) bool { return Better(out[i], out[j]) })
	return out
}

// Better reports whether a outranks b when both match the same event.
func Better(a, b *Pattern) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.ID < b.ID
}

// Builtins returns fresh copies of the built-in patterns.
func Builtins() []*Pattern {
	return []*Pattern{
		{
			ID:         "turn_complete",
			Name:       "Turn complete",
			Action:     ActionEnd,
			Triggers:   []Trigger{When(kindIs(event.KindResult))},
			Priority:   100,
			Confidence: 1.0,
		},
		{
			ID:         "code_modification",
			Name:       "Code modification",
			StepType:   step.TypeCodeModification,
			Triggers:   []Trigger{Tools("Edit", "MultiEdit", "editFile", "applyPatch", "str_replace", "NotebookEdit")},
			Priority:   95,
			Confidence: 0.9,
		},
		{
			ID:         "file_operation",
			Name:       "File operation",
			StepType:   step.TypeFileOperation,
			Triggers:   []Trigger{Tools("Read", "Write", "readFile", "writeFile", "LS", "listFiles", "createFile", "deleteFile")},
			Priority:   90,
			Confidence: 0.95,
		},
		{
			ID:         "system_command",
			Name:       "System command",
			StepType:   step.TypeSystemCommand,
			Triggers:   []Trigger{Tools("Bash", "shell", "runCommand", "exec", "terminal")},
			Priority:   88,
			Confidence: 0.95,
		},
		{
			ID:         "exploration",
			Name:       "Exploration",
			StepType:   step.TypeExploration,
			Triggers:   []Trigger{Tools("Grep", "Glob", "search", "find", "WebSearch", "WebFetch")},
			Priority:   80,
			Confidence: 0.85,
		},
		{
			ID:       "analysis",
			Name:     "Analysis",
			StepType: step.TypeAnalysis,
			Triggers: []Trigger{
				Keywords("analyze", "analyse", "analysis", "review", "examine", "investigat", "inspect").Only(event.KindAssistant),
			},
			Validators: []Validator{NoTools()},
			Priority:   60,
			Confidence: 0.75,
		},
		{
			ID:       "communication",
			Name:     "Communication",
			StepType: step.TypeCommunication,
			Triggers: []Trigger{
				Keywords("explain", "let me", "here is", "here's", "summary", "in short", "to summarize").Only(event.KindAssistant),
			},
			Validators: []Validator{NoTools()},
			Priority:   40,
			Confidence: 0.6,
		},
	}
}

// NoTools vetoes events that reference any tool.
func NoTools() Validator {
	return Validator{Name: "no_tools", Check: func(ev event.Event) (bool, error) {
		return len(ev.Tools) == 0, nil
	}}
}

// HasTools vetoes events without tool references.
func HasTools() Validator {
	return Validator{Name: "has_tools", Check: func(ev event.Event) (bool, error) {
		return len(ev.Tools) > 0, nil
	}}
}

// MinLength vetoes events whose content is shorter than n bytes.
func MinLength(n int) Validator {
	return Validator{Name: "min_length", Check: func(ev event.Event) (bool, error) {
		return len(ev.Content) >= n, nil
	}}
}

// KindIs vetoes events of other kinds.
func KindIs(kinds ...event.Kind) Validator {
	return Validator{Name: "kind", Check: kindIs(kinds...)}
}

func kindIs(kinds ...event.Kind) Predicate {
	return func(ev event.Event) (bool, error) {
		for _, k := range kinds {
			if ev.Kind == k {
				return true, nil
			}
		}
		return false, nil
	}
}
