package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolStopped is returned when submitting to a pool that is not running.
	ErrPoolStopped = errors.New("worker pool not running")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Job is a unit of work executed by the worker pool.
type Job struct {
	ID      string
	Execute func(ctx context.Context) error
}

// Future resolves once its job has run.
type Future struct {
	id       string
	done     chan struct{}
	err      error
	duration time.Duration
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) resolve(err error, d time.Duration) {
	f.err, f.duration = err, d
	close(f.done)
}

// ID returns the id of the job the future belongs to.
func (f *Future) ID() string { return f.id }

// Done is closed when the job has finished or was dropped.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the job error. Only meaningful after Done is closed.
func (f *Future) Err() error { return f.err }

// Duration returns how long the job ran.
func (f *Future) Duration() time.Duration { return f.duration }

// Wait blocks until the job finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queued struct {
	job    Job
	future *Future
}

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// MinWorkers is the minimum number of goroutines kept alive.
	MinWorkers int
	// MaxWorkers bounds the number of jobs running at once.
	MaxWorkers int
	// QueueSize is the capacity of the job queue.
	QueueSize int
	// IdleTimeout is how long an idle worker waits before exiting (above MinWorkers).
	IdleTimeout time.Duration
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MinWorkers:  1,
		MaxWorkers:  4,
		QueueSize:   64,
		IdleTimeout: 30 * time.Second,
	}
}

// WorkerPool runs submitted jobs on a bounded set of goroutines.
type WorkerPool struct {
	cfg    WorkerPoolConfig
	jobs   chan queued
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context

	activeWorkers atomic.Int64
	busyWorkers   atomic.Int64
	totalJobs     atomic.Int64
	completedOK   atomic.Int64
	completedErr  atomic.Int64

	// mu guards running; sends on jobs hold the read lock so Stop can close it.
	mu      sync.RWMutex
	running bool
	scaleMu sync.Mutex

	// quit is closed by Stop before it takes mu, releasing blocked Submits.
	quit     chan struct{}
	quitOnce sync.Once
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = def.MinWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	return &WorkerPool{
		cfg:  cfg,
		jobs: make(chan queued, cfg.QueueSize),
		quit: make(chan struct{}),
	}
}

// Start launches the minimum number of workers.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	if p.ctx != nil || p.stopping() {
		return fmt.Errorf("worker pool cannot be restarted")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnWorker(false)
	}

	return nil
}

// Submit queues job, blocking while the queue is full until ctx is done or
// the pool is stopped.
func (p *WorkerPool) Submit(ctx context.Context, job Job) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, ErrPoolStopped
	}

	q := queued{job: job, future: newFuture(job.ID)}
	p.totalJobs.Add(1)

	select {
	case p.jobs <- q:
		p.maybeScale()
		return q.future, nil
	default:
	}

	// Queue is full, try scaling up
	p.maybeScale()

	select {
	case p.jobs <- q:
		return q.future, nil
	case <-ctx.Done():
		p.totalJobs.Add(-1)
		return nil, ctx.Err()
	case <-p.ctx.Done():
		p.totalJobs.Add(-1)
		return nil, ErrPoolStopped
	case <-p.quit:
		p.totalJobs.Add(-1)
		return nil, ErrPoolStopped
	}
}

func (p *WorkerPool) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// TrySubmit queues job without blocking.
func (p *WorkerPool) TrySubmit(job Job) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, ErrPoolStopped
	}

	q := queued{job: job, future: newFuture(job.ID)}
	select {
	case p.jobs <- q:
		p.totalJobs.Add(1)
		p.maybeScale()
		return q.future, nil
	default:
		p.maybeScale()
		return nil, ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for queued jobs to drain. If ctx ends
// first, running jobs are canceled and queued jobs resolve with ErrPoolStopped.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.quitOnce.Do(func() { close(p.quit) })
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		p.cancel()
		<-drained
	}
	p.cancel()

	// Anything left behind by exiting workers never ran.
	for q := range p.jobs {
		q.future.resolve(ErrPoolStopped, 0)
	}
	return err
}

// Stats returns current pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		ActiveWorkers:  int(p.activeWorkers.Load()),
		BusyWorkers:    int(p.busyWorkers.Load()),
		PendingJobs:    len(p.jobs),
		TotalSubmitted: p.totalJobs.Load(),
		CompletedOK:    p.completedOK.Load(),
		CompletedErr:   p.completedErr.Load(),
	}
}

// WorkerPoolStats holds pool statistics.
type WorkerPoolStats struct {
	ActiveWorkers  int
	BusyWorkers    int
	PendingJobs    int
	TotalSubmitted int64
	CompletedOK    int64
	CompletedErr   int64
}

// maybeScale spawns an additional worker when every worker is busy or the
// queue is above 75% full, as long as the worker count is below MaxWorkers.
func (p *WorkerPool) maybeScale() {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	active := int(p.activeWorkers.Load())
	if active >= p.cfg.MaxWorkers {
		return
	}
	queueLen := len(p.jobs)
	threshold := p.cfg.QueueSize * 3 / 4
	if queueLen > threshold || (queueLen > 0 && int(p.busyWorkers.Load()) >= active) {
		p.spawnWorker(true)
	}
}

// spawnWorker starts a new worker goroutine. If ephemeral is true the worker
// exits after IdleTimeout without work, as long as the count stays above MinWorkers.
func (p *WorkerPool) spawnWorker(ephemeral bool) {
	p.wg.Add(1)
	p.activeWorkers.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.activeWorkers.Add(-1)

		idleTimer := time.NewTimer(p.cfg.IdleTimeout)
		defer idleTimer.Stop()

		for {
			idleTimer.Reset(p.cfg.IdleTimeout)

			select {
			case q, ok := <-p.jobs:
				if !ok {
					return
				}
				p.run(q)

			case <-idleTimer.C:
				if ephemeral && int(p.activeWorkers.Load()) > p.cfg.MinWorkers {
					return
				}

			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *WorkerPool) run(q queued) {
	p.busyWorkers.Add(1)
	defer p.busyWorkers.Add(-1)

	start := time.Now()
	err := p.execute(q.job)
	if err != nil {
		p.completedErr.Add(1)
	} else {
		p.completedOK.Add(1)
	}
	q.future.resolve(err, time.Since(start))
}

func (p *WorkerPool) execute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return job.Execute(p.ctx)
}
