package pattern

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

// File is the YAML shape of a custom pattern file:
//
//	patterns:
//	  - id: db_migration
//	    step_type: database_migration
//	    priority: 92
//	    confidence: 0.9
//	    triggers:
//	      - tools: [psql, migrate]
//	      - keywords: [migration]
//	        kinds: [assistant]
//	      - regex: '(?i)alter\s+table'
//	    validators: [no_tools, "min_length:20"]
type File struct {
	Patterns []FilePattern `yaml:"patterns"`
}

type FilePattern struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	StepType    string        `yaml:"step_type"`
	Action      string        `yaml:"action"`
	Priority    int           `yaml:"priority"`
	Confidence  float64       `yaml:"confidence"`
	Description string        `yaml:"description"`
	Triggers    []FileTrigger `yaml:"triggers"`
	Validators  []string      `yaml:"validators"`
}

type FileTrigger struct {
	Tools    []string `yaml:"tools"`
	Keywords []string `yaml:"keywords"`
	Regex    string   `yaml:"regex"`
	Kinds    []string `yaml:"kinds"`
}

// LoadFile reads custom patterns from a YAML file.
func LoadFile(path string) ([]*Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns file: %w", err)
	}
	return Parse(data)
}

// Parse decodes custom patterns from YAML.
func Parse(data []byte) ([]*Pattern, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse patterns file: %w", err)
	}
	out := make([]*Pattern, 0, len(f.Patterns))
	for i, fp := range f.Patterns {
		p, err := fp.build()
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, fp.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (fp FilePattern) build() (*Pattern, error) {
	p := &Pattern{
		ID:          fp.ID,
		Name:        fp.Name,
		StepType:    step.Type(fp.StepType),
		Action:      Action(fp.Action),
		Priority:    fp.Priority,
		Confidence:  fp.Confidence,
		Description: fp.Description,
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Action == "" {
		p.Action = ActionStart
	}
	for _, ft := range fp.Triggers {
		kinds := make([]event.Kind, len(ft.Kinds))
		for i, k := range ft.Kinds {
			kinds[i] = event.Kind(k)
		}
		n := 0
		if len(ft.Tools) > 0 {
			p.Triggers = append(p.Triggers, Tools(ft.Tools...).Only(kinds...))
			n++
		}
		if len(ft.Keywords) > 0 {
			p.Triggers = append(p.Triggers, Keywords(ft.Keywords...).Only(kinds...))
			n++
		}
		if ft.Regex != "" {
			re, err := regexp.Compile(ft.Regex)
			if err != nil {
				return nil, &step.ValidationError{Field: "regex", Reason: err.Error()}
			}
			p.Triggers = append(p.Triggers, Content(re).Only(kinds...))
			n++
		}
		if n == 0 {
			return nil, &step.ValidationError{Field: "triggers", Reason: "trigger needs tools, keywords or regex"}
		}
	}
	for _, spec := range fp.Validators {
		v, err := parseValidator(spec)
		if err != nil {
			return nil, err
		}
		p.Validators = append(p.Validators, v)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseValidator(spec string) (Validator, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch name {
	case "no_tools":
		return NoTools(), nil
	case "has_tools":
		return HasTools(), nil
	case "min_length":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return Validator{}, &step.ValidationError{Field: "validators", Reason: fmt.Sprintf("bad min_length %q", arg)}
		}
		return MinLength(n), nil
	case "kind":
		var kinds []event.Kind
		for _, k := range strings.Split(arg, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, event.Kind(k))
			}
		}
		if len(kinds) == 0 {
			return Validator{}, &step.ValidationError{Field: "validators", Reason: "kind needs at least one event kind"}
		}
		return KindIs(kinds...), nil
	}
	return Validator{}, &step.ValidationError{Field: "validators", Reason: fmt.Sprintf("unknown validator %q", name)}
}
