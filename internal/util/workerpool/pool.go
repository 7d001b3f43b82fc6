package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a stopped pool
var ErrStopped = errors.New("worker pool is stopped")

// ErrQueueFull is returned by TrySubmit when the queue has no room
var ErrQueueFull = errors.New("worker pool queue is full")

// Job is a unit of work. Timeout bounds Run when positive; OnDone, if set,
// receives the result after Run returns, panics or times out.
type Job struct {
	Name    string
	Run     func(context.Context) error
	Timeout time.Duration
	OnDone  func(error)

	ctx context.Context
}

// Pool runs jobs on a fixed set of goroutines
type Pool struct {
	name     string
	workers  int
	queue    chan Job
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// New starts a pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		queue:    make(chan Job, cfg.QueueSize),
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// drain whatever was accepted before Stop
			for {
				select {
				case job := <-p.queue:
					p.execute(id, job)
				default:
					return
				}
			}
		case job := <-p.queue:
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.run(ctx, job)

	switch {
	case err == nil:
		atomic.AddUint64(&p.completed, 1)
	case errors.Is(err, context.DeadlineExceeded):
		atomic.AddUint64(&p.timedOut, 1)
		p.logger.Warn("Job timed out",
			zap.String("pool", p.name),
			zap.String("job", job.Name),
			zap.Duration("timeout", job.Timeout))
	default:
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}

	if job.OnDone != nil {
		job.OnDone(err)
	}
}

// run executes the job and returns as soon as either the job finishes or
// its context expires. A job that ignores its context keeps running in the
// background but no longer holds the worker.
func (p *Pool) run(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Job panic recovered",
					zap.String("pool", p.name),
					zap.String("job", job.Name),
					zap.Any("panic", r))
				done <- fmt.Errorf("job %s panicked: %v", job.Name, r)
			}
		}()
		done <- job.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a job, blocking until there is room, the pool stops or ctx
// is done. ctx is also passed to the job.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	job.ctx = ctx
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	default:
	}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// TrySubmit queues a job without blocking
func (p *Pool) TrySubmit(ctx context.Context, job Job) error {
	job.ctx = ctx
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	default:
	}

	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// Stop stops accepting jobs and waits for queued ones until ctx is done
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-ctx.Done():
			err = fmt.Errorf("worker pool %s: stop: %w", p.name, ctx.Err())
		}
	})
	return err
}

// Stats is a point-in-time view of pool counters
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Rejected  uint64
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		TimedOut:  atomic.LoadUint64(&p.timedOut),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// SuccessRate returns the share of finished jobs that succeeded, in percent
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed + s.TimedOut
	if finished == 0 {
		return 100.0
	}
	return float64(s.Completed) / float64(finished) * 100.0
}
