package applier

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/opsync/internal/model"
)

// Guard marks an apply as in progress. Reactive consumers check Active
// synchronously and stay inert while it is set.
type Guard struct {
	depth int32
}

// Enter marks the guard active until the returned release is called.
// Release is safe to call more than once.
func (g *Guard) Enter() func() {
	atomic.AddInt32(&g.depth, 1)
	var once sync.Once
	return func() {
		once.Do(func() { atomic.AddInt32(&g.depth, -1) })
	}
}

// Active reports whether an apply is in progress
func (g *Guard) Active() bool {
	return atomic.LoadInt32(&g.depth) > 0
}

// LocalIntent is a user action captured before it has a clock or an ID
type LocalIntent struct {
	ActionType model.ActionType
	OpType     model.OpType
	EntityType model.EntityType
	EntityID   string
	EntityIDs  []string
	Payload    json.RawMessage
	QueuedAt   time.Time
}

// LocalActionBuffer holds local intents that arrived during an apply so
// they can be recorded afterwards, in arrival order.
type LocalActionBuffer struct {
	mu      sync.Mutex
	pending []LocalIntent
}

// Push queues an intent
func (b *LocalActionBuffer) Push(intent LocalIntent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if intent.QueuedAt.IsZero() {
		intent.QueuedAt = time.Now()
	}
	b.pending = append(b.pending, intent)
}

// Drain removes and returns every queued intent
func (b *LocalActionBuffer) Drain() []LocalIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Len returns the number of queued intents
func (b *LocalActionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
