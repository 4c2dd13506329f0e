package event

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAssistant  Kind = "assistant"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindUser       Kind = "user"
	KindSystem     Kind = "system"
	KindResult     Kind = "result"
)

// Event is one record from the upstream agent stream. Events are treated
// as immutable once received: the engine copies, never mutates them.
type Event struct {
	ID      string         `json:"id" cbor:"id"`
	Kind    Kind           `json:"kind" cbor:"kind"`
	Role    string         `json:"role,omitempty" cbor:"role,omitempty"`
	Content string         `json:"content,omitempty" cbor:"content,omitempty"`
	Tools   []string       `json:"tools,omitempty" cbor:"tools,omitempty"`
	At      time.Time      `json:"at" cbor:"at"`
	Data    map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

// New builds an event with a fresh ID and the current time.
func New(kind Kind, content string, tools ...string) Event {
	return Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Role:    defaultRole(kind),
		Content: content,
		Tools:   tools,
		At:      time.Now(),
	}
}

// ToolCall is shorthand for an invocation of a single tool.
func ToolCall(tool, content string) Event {
	return New(KindToolCall, content, tool)
}

// ToolResult is shorthand for the result of a tool invocation.
func ToolResult(content string) Event {
	return New(KindToolResult, content)
}

// Text is shorthand for assistant text output.
func Text(content string) Event {
	return New(KindAssistant, content)
}

// Size approximates the memory footprint used for buffer ceilings.
func (e Event) Size() int {
	n := len(e.Content)
	for _, t := range e.Tools {
		n += len(t)
	}
	return n
}

// Clone returns a copy that shares no slices or maps with e.
func (e Event) Clone() Event {
	out := e
	if e.Tools != nil {
		out.Tools = append([]string(nil), e.Tools...)
	}
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return out
}

func defaultRole(kind Kind) string {
	switch kind {
	case KindUser, KindToolResult:
		return "user"
	case KindSystem, KindResult:
		return "system"
	default:
		return "assistant"
	}
}
