package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Pool defaults.
const (
	DefaultWorkers   = 10
	DefaultQueueSize = 1000
)

var (
	// ErrQueueFull is returned by [Pool.Submit] when every worker is busy and
	// the queue is at capacity. The job is dropped.
	ErrQueueFull = errors.New("intercept: background queue full")

	// ErrPoolClosed is returned by [Pool.Submit] after [Pool.Close].
	ErrPoolClosed = errors.New("intercept: pool closed")
)

// Job is a unit of background work. ctx is cancelled when the pool is
// forced to stop.
type Job func(ctx context.Context)

// Submitter accepts background jobs without blocking.
type Submitter interface {
	Submit(job Job) error
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submission never blocks: a full queue drops the job.
type Pool struct {
	jobs    chan Job
	workers int
	g       errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool

	metrics *observe.Metrics
	dropLog rate.Sometimes
}

var _ Submitter = (*Pool)(nil)

// PoolOption configures a [Pool].
type PoolOption func(*Pool)

// WithPoolMetrics counts dropped jobs on m.
func WithPoolMetrics(m *observe.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool starts workers goroutines consuming a queue of queueSize jobs.
// Non-positive values use [DefaultWorkers] and [DefaultQueueSize].
func NewPool(workers, queueSize int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	for range workers {
		p.g.Go(p.work)
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// Submit queues job. It returns [ErrQueueFull] or [ErrPoolClosed] without
// running the job.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		p.metrics.RecordBackgroundDropped(p.ctx, "queue_full")
		p.dropLog.Do(func() {
			slog.Warn("background queue full, dropping job", "capacity", cap(p.jobs))
		})
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued jobs to finish. When ctx
// ends first the remaining jobs see a cancelled context and Close returns
// ctx.Err() once the workers exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("intercept: drain pool: %w", ctx.Err())
	}
}

func (p *Pool) work() error {
	for job := range p.jobs {
		p.run(job)
	}
	return nil
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background job panicked", "err", fmt.Errorf("panic: %v", r))
		}
	}()
	job(p.ctx)
}
