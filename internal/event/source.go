package event

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrSourceClosed = errors.New("event source closed")

// Source is a pull-based upstream of events. Next returns io.EOF once the
// source is exhausted; that is the explicit end-of-source signal.
type Source interface {
	Next() (Event, error)
}

// SliceSource replays a fixed list of events.
type SliceSource struct {
	events []Event
	pos    int
	// Pulled counts how many events have been handed out.
	Pulled int
}

func NewSliceSource(events ...Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	s.Pulled++
	return ev, nil
}

// Pump copies events from src into ch until src ends or ctx is cancelled.
// ch is closed on return. A non-EOF source error is returned.
func Pump(ctx context.Context, src Source, ch chan<- Event) error {
	defer close(ch)
	for {
		ev, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ChanSource adapts a push-style producer to Source. Feed blocks until the
// consumer pulls, so a slow consumer holds back the producer.
type ChanSource struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewChanSource() *ChanSource {
	return &ChanSource{ch: make(chan Event), done: make(chan struct{})}
}

// Feed hands ev to the next Next call.
func (s *ChanSource) Feed(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals end of input. Pending and future Next calls return io.EOF.
func (s *ChanSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ChanSource) Next() (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return Event{}, io.EOF
	}
}
