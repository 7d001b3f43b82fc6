package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/opsync/internal/model"
	"github.com/google/uuid"
)

type userLog struct {
	ops     []model.Operation
	seqByID map[string]int64
	lastSeq int64
}

// MemoryOpStore is an OpStore kept in process memory. A single mutex
// serializes appends, so seq order equals commit order.
type MemoryOpStore struct {
	mu   sync.RWMutex
	logs map[string]*userLog
}

// NewMemoryOpStore creates an empty in-memory op store
func NewMemoryOpStore() *MemoryOpStore {
	return &MemoryOpStore{logs: make(map[string]*userLog)}
}

// AppendOps implements OpStore
func (s *MemoryOpStore) AppendOps(ctx context.Context, userID string, ops []model.Operation) (*AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[userID]
	if log == nil {
		log = &userLog{seqByID: make(map[string]int64)}
		s.logs[userID] = log
	}

	// stage first so a failure cannot leave a partial append
	staged := make([]model.Operation, 0, len(ops))
	stagedSeq := make(map[string]int64, len(ops))
	results := make([]model.OpResult, 0, len(ops))
	next := log.lastSeq

	for _, op := range ops {
		if seq, ok := log.seqByID[op.ID]; ok {
			results = append(results, model.OpResult{ID: op.ID, Seq: seq, Status: model.OpStatusDuplicate})
			continue
		}
		if seq, ok := stagedSeq[op.ID]; ok {
			results = append(results, model.OpResult{ID: op.ID, Seq: seq, Status: model.OpStatusDuplicate})
			continue
		}
		next++
		stored := op.Clone()
		stored.Seq = next
		staged = append(staged, stored)
		stagedSeq[op.ID] = next
		results = append(results, model.OpResult{ID: op.ID, Seq: next, Status: model.OpStatusAccepted})
	}

	log.ops = append(log.ops, staged...)
	for id, seq := range stagedSeq {
		log.seqByID[id] = seq
	}
	log.lastSeq = next

	return &AppendResult{Results: results, LatestSeq: log.lastSeq}, nil
}

// GetOpsSince implements OpStore
func (s *MemoryOpStore) GetOpsSince(ctx context.Context, userID string, sinceSeq int64, excludeClient string, limit int) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[userID]
	if log == nil {
		return []model.Operation{}, nil
	}

	// ops are stored in seq order starting at 1
	start := sort.Search(len(log.ops), func(i int) bool { return log.ops[i].Seq > sinceSeq })

	out := make([]model.Operation, 0)
	for _, op := range log.ops[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if excludeClient != "" && op.ClientID == excludeClient {
			continue
		}
		out = append(out, op.Clone())
	}
	return out, nil
}

// LatestSeq implements OpStore
func (s *MemoryOpStore) LatestSeq(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if log := s.logs[userID]; log != nil {
		return log.lastSeq, nil
	}
	return 0, nil
}

// Stats implements OpStore
func (s *MemoryOpStore) Stats(ctx context.Context, userID string) (*OpStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &OpStats{ClientIDs: []string{}}
	log := s.logs[userID]
	if log == nil {
		return stats, nil
	}

	seen := make(map[string]bool)
	for _, op := range log.ops {
		if !seen[op.ClientID] {
			seen[op.ClientID] = true
			stats.ClientIDs = append(stats.ClientIDs, op.ClientID)
		}
	}
	sort.Strings(stats.ClientIDs)
	stats.OpCount = int64(len(log.ops))
	return stats, nil
}

// Ping implements OpStore
func (s *MemoryOpStore) Ping(ctx context.Context) error { return nil }

// Close implements OpStore
func (s *MemoryOpStore) Close() {}

// MemoryUserStore is a UserStore kept in process memory
type MemoryUserStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	byEmail map[string]string
}

// NewMemoryUserStore creates an empty in-memory user store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:   make(map[string]*model.User),
		byEmail: make(map[string]string),
	}
}

// CreateUser implements UserStore
func (s *MemoryUserStore) CreateUser(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, ErrUserExists
	}
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		TokenVersion: 1,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID

	out := *u
	return &out, nil
}

// GetUser implements UserStore
func (s *MemoryUserStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// GetUserByEmail implements UserStore
func (s *MemoryUserStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// IncrementTokenVersion implements UserStore
func (s *MemoryUserStore) IncrementTokenVersion(ctx context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.TokenVersion++
	out := *u
	return &out, nil
}

// Ping implements UserStore
func (s *MemoryUserStore) Ping(ctx context.Context) error { return nil }

// Close implements UserStore
func (s *MemoryUserStore) Close() {}
