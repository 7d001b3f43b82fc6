// Package hooks runs extension callbacks after operations are applied.
// Each handler gets a fixed timeout; a slow or failing handler never blocks
// the sync pipeline beyond that bound.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/util/workerpool"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single handler invocation
const DefaultTimeout = 2 * time.Second

// Event describes a committed batch
type Event struct {
	Ops     []model.Operation
	Remote  bool
	Applied time.Time
}

// Handler receives post-apply events
type Handler interface {
	Name() string
	OnApplied(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, event Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) OnApplied(ctx context.Context, event Event) error {
	return h.Fn(ctx, event)
}

// Result is the outcome of one handler
type Result struct {
	Handler string
	Err     error
}

// Dispatcher fans an event out to every registered handler
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	pool     *workerpool.Pool
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher on top of pool. A non-positive timeout
// selects DefaultTimeout.
func NewDispatcher(pool *workerpool.Pool, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		pool:    pool,
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a handler
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Dispatch runs every handler and waits for all of them, each bounded by
// the dispatcher timeout. Errors are reported per handler and never
// returned as a failure of the apply itself.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) []Result {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	results := make([]Result, len(handlers))
	var wg sync.WaitGroup

	for i, h := range handlers {
		i, h := i, h
		results[i].Handler = h.Name()
		wg.Add(1)

		job := workerpool.Job{
			Name:    h.Name(),
			Timeout: d.timeout,
			Run: func(ctx context.Context) error {
				return h.OnApplied(ctx, event)
			},
			OnDone: func(err error) {
				results[i].Err = err
				wg.Done()
			},
		}
		if err := d.pool.Submit(ctx, job); err != nil {
			results[i].Err = err
			wg.Done()
		}
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			d.logger.Warn("Hook handler failed",
				zap.String("handler", r.Handler),
				zap.Int("ops", len(event.Ops)),
				zap.Error(r.Err))
		}
	}
	return results
}
