// Package stream turns an event source and a buffer into a lazy, pull-based
// sequence of steps.
//
// Events are read from the source only while a consumer is waiting in
// Pull, and at most one read is outstanding at a time. A consumer that
// stops pulling stops all detection work.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/stepline/internal/buffer"
	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

type fetched struct {
	ev  event.Event
	err error
}

// Stream is safe for a single consumer. Steps closed by the buffer's
// timer while the source is idle are delivered without waiting for the
// next event.
type Stream struct {
	src   event.Source
	buf   *buffer.Buffer
	unsub func()

	mu    sync.Mutex
	queue []step.Step
	ready chan struct{}

	want    chan struct{}
	got     chan fetched
	stop    chan struct{}
	stopped sync.Once
	pending bool

	ended bool
	err   error
	// pulled counts events handed to the buffer.
	pulled int
}

// New subscribes to buf and starts the source reader. The stream does not
// own buf; the caller closes it.
func New(src event.Source, buf *buffer.Buffer) (*Stream, error) {
	s := &Stream{
		src:   src,
		buf:   buf,
		ready: make(chan struct{}, 1),
		want:  make(chan struct{}),
		got:   make(chan fetched),
		stop:  make(chan struct{}),
	}
	unsub, err := buf.Subscribe(s.enqueue)
	if err != nil {
		return nil, fmt.Errorf("subscribe to buffer: %w", err)
	}
	s.unsub = unsub
	go s.read()
	return s, nil
}

func (s *Stream) enqueue(st step.Step) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Stream) pop() (step.Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return step.Step{}, false
	}
	st := s.queue[0]
	s.queue = s.queue[1:]
	return st, true
}

// read performs one source read per request.
func (s *Stream) read() {
	for {
		select {
		case <-s.want:
		case <-s.stop:
			return
		}
		ev, err := s.src.Next()
		select {
		case s.got <- fetched{ev: ev, err: err}:
		case <-s.stop:
			return
		}
	}
}

// Pull blocks until a step is ready, the stream ends or ctx is done. It
// returns io.EOF after the last step of a cleanly ended source, and the
// terminal error after a failed one. A ctx error does not end the stream;
// the next Pull picks up where this one stopped.
func (s *Stream) Pull(ctx context.Context) (step.Step, error) {
	for {
		if st, ok := s.pop(); ok {
			return st, nil
		}
		if s.ended {
			if s.err != nil {
				return step.Step{}, s.err
			}
			return step.Step{}, io.EOF
		}
		if !s.pending {
			select {
			case s.want <- struct{}{}:
				s.pending = true
			case <-s.ready:
				continue
			case <-s.stop:
				s.ended = true
				continue
			case <-ctx.Done():
				return step.Step{}, ctx.Err()
			}
		}
		select {
		case <-s.ready:
		case f := <-s.got:
			s.pending = false
			s.handle(ctx, f)
		case <-s.stop:
			s.ended = true
		case <-ctx.Done():
			return step.Step{}, ctx.Err()
		}
	}
}

// handle never abandons an event half way, so the caller's cancellation
// is not passed down.
func (s *Stream) handle(ctx context.Context, f fetched) {
	ctx = context.WithoutCancel(ctx)
	if f.err != nil {
		if !errors.Is(f.err, io.EOF) {
			s.err = fmt.Errorf("read event: %w", f.err)
		}
		s.finish(ctx)
		return
	}
	s.pulled++
	if err := s.buf.Add(ctx, f.ev); err != nil {
		s.err = err
		s.finish(ctx)
	}
}

// finish flushes whatever is still open so it is delivered ahead of the
// end marker.
func (s *Stream) finish(ctx context.Context) {
	if err := s.buf.Flush(ctx); err != nil && s.err == nil && !errors.Is(err, buffer.ErrClosed) {
		s.err = fmt.Errorf("flush buffer: %w", err)
	}
	s.ended = true
	s.Close()
}

// Next is Pull without a deadline. ok is false once the stream has
// ended; Err then reports why.
func (s *Stream) Next() (step.Step, bool) {
	st, err := s.Pull(context.Background())
	return st, err == nil
}

// Err returns the terminal error, or nil after a clean end.
func (s *Stream) Err() error {
	return s.err
}

// Done reports whether the source has ended. Steps may still be queued.
func (s *Stream) Done() bool { return s.ended }

// Pulled reports how many events have been read from the source.
func (s *Stream) Pulled() int { return s.pulled }

// Close stops the source reader and detaches from the buffer. Reads
// already in flight in the source are abandoned.
func (s *Stream) Close() {
	s.stopped.Do(func() {
		close(s.stop)
		if s.unsub != nil {
			s.unsub()
		}
	})
}
