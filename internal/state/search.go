package state

import (
	"context"
	"slices"
	"time"

	"github.com/ehrlich-b/stepline/internal/step"
)

// Query filters history. Zero fields match everything.
type Query struct {
	Tag     string
	Type    step.Type
	Since   time.Time
	Until   time.Time
	MinCost *float64
	MaxCost *float64
}

func (q Query) match(s *step.Step) bool {
	if q.Type != "" && s.Type != q.Type {
		return false
	}
	if q.Tag != "" && !slices.Contains(s.Tags(), q.Tag) {
		return false
	}
	if !q.Since.IsZero() && s.StartedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && s.StartedAt.After(q.Until) {
		return false
	}
	if q.MinCost != nil || q.MaxCost != nil {
		cost, ok := s.Cost()
		if !ok {
			return false
		}
		if q.MinCost != nil && cost < *q.MinCost {
			return false
		}
		if q.MaxCost != nil && cost > *q.MaxCost {
			return false
		}
	}
	return true
}

// Search returns copies of the steps matching q, oldest first.
func (m *Manager) Search(ctx context.Context, q Query) ([]step.Step, error) {
	var out []step.Step
	err := m.do(ctx, func() {
		for _, s := range m.history {
			if q.match(s) {
				out = append(out, *s.Clone())
			}
		}
	})
	return out, err
}
