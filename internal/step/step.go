package step

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/stepline/internal/event"
)

type Type string

const (
	TypeFileOperation    Type = "file_operation"
	TypeCodeModification Type = "code_modification"
	TypeSystemCommand    Type = "system_command"
	TypeExploration      Type = "exploration"
	TypeAnalysis         Type = "analysis"
	TypeCommunication    Type = "communication"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusTimeout    Status = "timeout"
	StatusAborted    Status = "aborted"
	StatusError      Status = "error"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Metadata keys written by the engine itself.
const (
	MetaPatternID   = "pattern_id"
	MetaCloseReason = "close_reason"
	MetaStrategy    = "strategy"
	MetaGuidance    = "guidance"
	MetaContext     = "context"
	MetaTags        = "tags"
	MetaCost        = "cost"
)

var ErrClosed = errors.New("step already closed")

// Step is a group of consecutive events that form one unit of agent work.
type Step struct {
	ID            string         `json:"id" cbor:"id"`
	Type          Type           `json:"type" cbor:"type"`
	Description   string         `json:"description" cbor:"description"`
	Messages      []event.Event  `json:"messages" cbor:"messages"`
	ToolsUsed     []string       `json:"tools_used" cbor:"tools_used"`
	StartedAt     time.Time      `json:"started_at" cbor:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" cbor:"completed_at,omitempty"`
	Status        Status         `json:"status" cbor:"status"`
	Confidence    float64        `json:"confidence" cbor:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	ReviewStatus  ReviewStatus   `json:"review_status,omitempty" cbor:"review_status,omitempty"`
	Interventions []Intervention `json:"interventions,omitempty" cbor:"interventions,omitempty"`
}

// Open starts a new in-progress step.
func Open(typ Type, confidence float64, at time.Time) *Step {
	return &Step{
		ID:          uuid.New().String(),
		Type:        typ,
		Description: describe(typ),
		StartedAt:   at,
		Status:      StatusInProgress,
		Confidence:  confidence,
		Metadata:    map[string]any{},
	}
}

func (s *Step) IsOpen() bool { return s.Status == StatusInProgress }

// Append adds ev to an open step and records any new tool names.
func (s *Step) Append(ev event.Event) error {
	if !s.IsOpen() {
		return fmt.Errorf("append to step %s: %w", s.ID, ErrClosed)
	}
	s.Messages = append(s.Messages, ev.Clone())
	for _, tool := range ev.Tools {
		if !s.UsedTool(tool) {
			s.ToolsUsed = append(s.ToolsUsed, tool)
		}
	}
	return nil
}

func (s *Step) UsedTool(tool string) bool {
	for _, t := range s.ToolsUsed {
		if t == tool {
			return true
		}
	}
	return false
}

// Close moves the step out of in_progress. CompletedAt is set exactly once.
func (s *Step) Close(status Status, reason string, at time.Time) error {
	if !s.IsOpen() {
		return fmt.Errorf("close step %s: %w", s.ID, ErrClosed)
	}
	if status == StatusInProgress {
		return fmt.Errorf("close step %s: status %q is not terminal", s.ID, status)
	}
	s.Status = status
	s.CompletedAt = &at
	if reason != "" {
		s.SetMeta(MetaCloseReason, reason)
	}
	return nil
}

func (s *Step) SetMeta(key string, v any) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = v
}

// Size is the summed size of the step's events.
func (s *Step) Size() int {
	n := 0
	for _, m := range s.Messages {
		n += m.Size()
	}
	return n
}

// Duration is zero while the step is open.
func (s *Step) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy. Checkpoints and subscribers always receive
// clones so no two owners share mutable state.
func (s *Step) Clone() *Step {
	out := *s
	if s.Messages != nil {
		out.Messages = make([]event.Event, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.ToolsUsed != nil {
		out.ToolsUsed = append([]string(nil), s.ToolsUsed...)
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	out.Metadata = cloneMap(s.Metadata)
	if s.Interventions != nil {
		out.Interventions = make([]Intervention, len(s.Interventions))
		for i, iv := range s.Interventions {
			out.Interventions[i] = iv.clone()
		}
	}
	return &out
}

// Tags returns metadata["tags"] as strings, whichever shape it was stored in.
func (s *Step) Tags() []string {
	switch v := s.Metadata[MetaTags].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if str, ok := t.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Cost returns metadata["cost"] as a float when present.
func (s *Step) Cost() (float64, bool) {
	switch v := s.Metadata[MetaCost].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func describe(typ Type) string {
	switch typ {
	case TypeFileOperation:
		return "File operations"
	case TypeCodeModification:
		return "Code modification"
	case TypeSystemCommand:
		return "System command"
	case TypeExploration:
		return "Exploring the workspace"
	case TypeAnalysis:
		return "Analysis"
	case TypeCommunication:
		return "Communication"
	}
	return string(typ)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
