package applier

import (
	"sync"

	"github.com/devrev/opsync/internal/model"
)

// Change is delivered to subscribers after each commit. State is shared
// with the store and must not be modified.
type Change struct {
	State   model.State
	Version uint64
	OpCount int
}

// Store holds the primary application state. Only Commit changes it, and
// each Commit produces exactly one notification per subscriber.
type Store struct {
	mu      sync.RWMutex
	state   model.State
	version uint64

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewStore creates a store seeded with initial
func NewStore(initial model.State) *Store {
	return &Store{
		state: initial.Clone(),
		subs:  make(map[int]func(Change)),
	}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() model.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Version returns the number of commits applied
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn and returns a function that removes it
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Commit swaps in next and notifies subscribers once
func (s *Store) Commit(next model.State, opCount int) {
	s.mu.Lock()
	s.state = next
	s.version++
	change := Change{State: next, Version: s.version, OpCount: opCount}
	s.mu.Unlock()

	s.notify(change)
}

// Reset replaces the state without notifying subscribers; used when loading
// a snapshot before any subscriber cares about deltas
func (s *Store) Reset(state model.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
