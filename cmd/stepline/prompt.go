package main

import (
	"bufio"
	"context"
	"io"
	"sync"
)

type line struct {
	text string
	err  error
}

// lineReader reads lines on a background goroutine so a prompt can be
// abandoned when its context ends, e.g. on a review timeout.
type lineReader struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan line
	want  chan struct{}
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r), lines: make(chan line), want: make(chan struct{}, 1)}
}

func (l *lineReader) start() {
	go func() {
		for range l.want {
			s, err := l.r.ReadString('\n')
			if err != nil && s != "" {
				err = nil
			}
			l.lines <- line{text: s, err: err}
			if err != nil {
				return
			}
		}
	}()
}

// ReadLine returns the next line. A line requested by a cancelled call is
// handed to the next caller.
func (l *lineReader) ReadLine(ctx context.Context) (string, error) {
	l.once.Do(l.start)
	select {
	case l.want <- struct{}{}:
	default:
	}
	select {
	case ln := <-l.lines:
		return ln.text, ln.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
