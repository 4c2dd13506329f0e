package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scanner reads newline-delimited events. Each line is either a native
// Event object or an agent stream-json line; a stream-json message with
// several content blocks yields one Event per block.
type Scanner struct {
	sc      *bufio.Scanner
	pending []Event
	line    int
	err     error
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &Scanner{sc: sc}
}

// Next returns the next event. It returns io.EOF at the end of input.
func (s *Scanner) Next() (Event, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return Event{}, s.err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				s.err = fmt.Errorf("scan events: %w", err)
			} else {
				s.err = io.EOF
			}
			continue
		}
		s.line++
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		evs, err := parseLine(line)
		if err != nil {
			return Event{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		s.pending = evs
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

type streamLine struct {
	Type    string       `json:"type"`
	Kind    Kind         `json:"kind"`
	Message *messageBody `json:"message,omitempty"`
	Result  string       `json:"result,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func parseLine(line string) ([]Event, error) {
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if sl.Kind != "" {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.Role == "" {
			ev.Role = defaultRole(ev.Kind)
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		return []Event{ev}, nil
	}

	switch sl.Type {
	case "assistant", "user":
		if sl.Message == nil {
			return nil, nil
		}
		var out []Event
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					out = append(out, New(kindFor(sl.Type), block.Text))
				}
			case "tool_use":
				out = append(out, New(KindToolCall, string(block.Input), block.Name))
			case "tool_result":
				ev := New(KindToolResult, blockText(block.Content))
				if block.ToolUseID != "" {
					ev.Data = map[string]any{"tool_use_id": block.ToolUseID}
				}
				out = append(out, ev)
			}
		}
		return out, nil
	case "result":
		return []Event{New(KindResult, sl.Result)}, nil
	case "system":
		return []Event{New(KindSystem, "")}, nil
	}
	return nil, nil
}

func kindFor(lineType string) Kind {
	if lineType == "user" {
		return KindUser
	}
	return KindAssistant
}

// blockText flattens tool_result content, which is either a string or a
// list of text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, bl := range blocks {
			b.WriteString(bl.Text)
		}
		return b.String()
	}
	return string(raw)
}
