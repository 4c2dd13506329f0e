package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/stepline/internal/step"
)

var persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepline_persist_failures_total",
	Help: "Adapter operations that failed, by operation",
}, []string{"op"})

// persister is the only goroutine that touches the adapter. History
// writes are coalesced: while one write is in flight, later snapshots
// replace each other and only the newest is written.
type persister struct {
	adapter Adapter
	logger  *slog.Logger
	warn    rate.Sometimes

	mu      sync.Mutex
	pending *write
	lastErr error

	kick chan struct{}
	jobs chan job
	stop chan struct{}
	done chan struct{}
}

type write struct {
	key  string
	data []byte
}

type job struct {
	fn    func(ctx context.Context, a Adapter) error
	reply chan error // nil for fire-and-forget jobs
	op    string
	key   string
}

func newPersister(a Adapter, logger *slog.Logger) *persister {
	p := &persister{
		adapter: a,
		logger:  logger,
		warn:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		kick:    make(chan struct{}, 1),
		jobs:    make(chan job, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.kick:
			p.drain()
		case j := <-p.jobs:
			p.drain()
			p.runJob(j)
		case <-p.stop:
			p.drain()
			for {
				select {
				case j := <-p.jobs:
					p.runJob(j)
				default:
					return
				}
			}
		}
	}
}

// enqueue replaces any unwritten snapshot with this one.
func (p *persister) enqueue(key string, data []byte) {
	p.mu.Lock()
	p.pending = &write{key: key, data: data}
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		w := p.pending
		p.pending = nil
		p.mu.Unlock()
		if w == nil {
			return
		}
		err := p.adapter.Save(context.Background(), w.key, w.data)
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		if err != nil {
			p.failed("save", w.key, err)
		}
	}
}

func (p *persister) runJob(j job) {
	err := j.fn(context.Background(), p.adapter)
	if err != nil && j.reply == nil {
		p.failed(j.op, j.key, err)
	}
	if j.reply != nil {
		j.reply <- err
	}
}

func (p *persister) failed(op, key string, err error) {
	persistFailures.WithLabelValues(op).Inc()
	p.warn.Do(func() {
		p.logger.Warn("persist failed", "op", op, "key", key, "error", err)
	})
}

// run executes fn on the persister after every queued write, and waits.
func (p *persister) run(ctx context.Context, op, key string, fn func(ctx context.Context, a Adapter) error) error {
	reply := make(chan error, 1)
	select {
	case p.jobs <- job{fn: fn, reply: reply, op: op, key: key}:
	case <-p.done:
		return &step.PersistenceError{Op: op, Key: key, Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async queues fn without waiting; failures are only logged.
func (p *persister) async(op, key string, fn func(ctx context.Context, a Adapter) error) {
	select {
	case p.jobs <- job{fn: fn, op: op, key: key}:
	case <-p.done:
	}
}

// flush waits until every queued write has reached the adapter and
// returns the error of the last history write.
func (p *persister) flush(ctx context.Context) error {
	return p.run(ctx, "flush", "", func(context.Context, Adapter) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastErr
	})
}

func (p *persister) close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}
