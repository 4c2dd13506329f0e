package step

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type InterventionType string

const (
	InterventionGuidance   InterventionType = "guidance"
	InterventionCorrection InterventionType = "correction"
	InterventionContext    InterventionType = "context"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type InterventionStatus string

const (
	InterventionPending    InterventionStatus = "pending"
	InterventionApplied    InterventionStatus = "applied"
	InterventionRolledBack InterventionStatus = "rolled_back"
)

var ErrInterventionNotFound = errors.New("intervention not found")

// Intervention is an externally injected change to a step. Guidance and
// context interventions append their content to metadata lists; a
// correction replaces the description. Intervention metadata is merged
// into the step metadata in every case.
type Intervention struct {
	ID        string             `json:"id" cbor:"id"`
	Type      InterventionType   `json:"type" cbor:"type" validate:"required,oneof=guidance correction context"`
	Content   string             `json:"content" cbor:"content" validate:"notblank"`
	Metadata  map[string]any     `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Status    InterventionStatus `json:"status" cbor:"status"`
	Priority  Priority           `json:"priority" cbor:"priority" validate:"required,oneof=low medium high"`
	CreatedAt time.Time          `json:"created_at" cbor:"created_at"`
	Undo      *Undo              `json:"undo,omitempty" cbor:"undo,omitempty"`
}

// Undo holds what an applied intervention overwrote.
type Undo struct {
	Keys        map[string]any `json:"keys,omitempty" cbor:"keys,omitempty"`
	Absent      []string       `json:"absent,omitempty" cbor:"absent,omitempty"`
	Description *string        `json:"description,omitempty" cbor:"description,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"yaml", "json"} {
			name := strings.SplitN(f.Tag.Get(key), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validator exposes the shared validator so other packages register the
// same custom tags.
func Validator() *validator.Validate { return validate }

// ValidateStruct runs struct-tag validation and converts the first failure
// into a ValidationError.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: snake(fe.Field()), Reason: reason(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func (iv Intervention) Validate() error {
	return ValidateStruct(iv)
}

// ApplyIntervention validates iv and applies it to s. On a validation
// error s is left untouched.
func (s *Step) ApplyIntervention(iv Intervention) (Intervention, error) {
	if err := iv.Validate(); err != nil {
		return Intervention{}, err
	}
	if iv.ID == "" {
		iv.ID = uuid.New().String()
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = time.Now()
	}
	iv.Metadata = cloneMap(iv.Metadata)
	iv = s.apply(iv)
	return iv.clone(), nil
}

// RollbackIntervention removes the intervention with the given ID and
// reverses its effect. Interventions applied after it are replayed so
// their effects survive.
func (s *Step) RollbackIntervention(id string) (Intervention, error) {
	idx := -1
	for i, iv := range s.Interventions {
		if iv.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Intervention{}, fmt.Errorf("rollback %s: %w", id, ErrInterventionNotFound)
	}
	for j := len(s.Interventions) - 1; j >= idx; j-- {
		s.revert(s.Interventions[j])
	}
	target := s.Interventions[idx]
	later := append([]Intervention(nil), s.Interventions[idx+1:]...)
	s.Interventions = s.Interventions[:idx]
	for _, iv := range later {
		iv.Undo = nil
		s.apply(iv)
	}
	target.Status = InterventionRolledBack
	target.Undo = nil
	return target, nil
}

func (s *Step) apply(iv Intervention) Intervention {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	undo := &Undo{Keys: map[string]any{}}
	seen := map[string]bool{}
	record := func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		if v, ok := s.Metadata[key]; ok {
			undo.Keys[key] = cloneValue(v)
		} else {
			undo.Absent = append(undo.Absent, key)
		}
	}
	for k, v := range iv.Metadata {
		record(k)
		s.Metadata[k] = cloneValue(v)
	}
	switch iv.Type {
	case InterventionGuidance:
		record(MetaGuidance)
		s.Metadata[MetaGuidance] = append(asStrings(s.Metadata[MetaGuidance]), iv.Content)
	case InterventionContext:
		record(MetaContext)
		s.Metadata[MetaContext] = append(asStrings(s.Metadata[MetaContext]), iv.Content)
	case InterventionCorrection:
		prev := s.Description
		undo.Description = &prev
		s.Description = iv.Content
	}
	iv.Status = InterventionApplied
	iv.Undo = undo
	s.Interventions = append(s.Interventions, iv)
	return iv
}

func (s *Step) revert(iv Intervention) {
	if iv.Undo == nil {
		return
	}
	for k, v := range iv.Undo.Keys {
		s.Metadata[k] = cloneValue(v)
	}
	for _, k := range iv.Undo.Absent {
		delete(s.Metadata, k)
	}
	if iv.Undo.Description != nil {
		s.Description = *iv.Undo.Description
	}
}

func (iv Intervention) clone() Intervention {
	out := iv
	out.Metadata = cloneMap(iv.Metadata)
	if iv.Undo != nil {
		u := &Undo{Keys: cloneMap(iv.Undo.Keys), Absent: append([]string(nil), iv.Undo.Absent...)}
		if iv.Undo.Description != nil {
			d := *iv.Undo.Description
			u.Description = &d
		}
		out.Undo = u
	}
	return out
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "must not be empty"
	case "oneof":
		return fmt.Sprintf("%q is not one of [%s]", fe.Value(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

// snake turns a Go field name into the snake_case key used in YAML and JSON.
func snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
