// Package oplog is the client's durable, append-only operation log and
// state cache.
package oplog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apierrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/util"
	"go.uber.org/zap"
)

const (
	logFileName        = "oplog.log"
	stateCacheFileName = "state_cache.json"

	// SourceLocal marks ops produced on this client
	SourceLocal = "local"
	// SourceRemote marks ops downloaded from the server
	SourceRemote = "remote"
)

// ErrNoStateCache is returned when no compacted snapshot exists yet
var ErrNoStateCache = errors.New("no state cache")

// ErrDuplicateOp is returned when appending an op whose ID is already logged
var ErrDuplicateOp = errors.New("duplicate operation")

// Entry is one logged operation plus its sync bookkeeping. Seq is the local
// log position, unrelated to the server-assigned Op.Seq.
type Entry struct {
	Seq          int64           `json:"seq"`
	Op           model.Operation `json:"op"`
	Source       string          `json:"source"`
	SyncedAt     int64           `json:"syncedAt,omitempty"`
	AppliedAt    int64           `json:"appliedAt,omitempty"`
	RejectedAt   int64           `json:"rejectedAt,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	// Dropped lists targets of a multi-entity op that lost their conflict
	// checks; the rest of the op was applied
	Dropped []string `json:"dropped,omitempty"`
}

// AppliedOp returns the op as it was applied to state, without dropped
// targets
func (e *Entry) AppliedOp() (model.Operation, error) {
	if len(e.Dropped) == 0 {
		return e.Op, nil
	}
	return e.Op.WithoutTargets(e.Dropped)
}

// Settled reports whether the entry no longer needs sync work
func (e *Entry) Settled() bool {
	if e.RejectedAt != 0 {
		return true
	}
	if e.Source == SourceLocal {
		return e.SyncedAt != 0
	}
	return e.AppliedAt != 0
}

type markKind string

const (
	markSynced   markKind = "synced"
	markApplied  markKind = "applied"
	markRejected markKind = "rejected"
	markTrimmed  markKind = "trimmed"
)

type mark struct {
	Kind       markKind            `json:"kind"`
	IDs        []string            `json:"ids"`
	ServerSeqs map[string]int64    `json:"serverSeqs,omitempty"`
	At         int64               `json:"at"`
	Reason     string              `json:"reason,omitempty"`
	Dropped    map[string][]string `json:"dropped,omitempty"`
}

type record struct {
	Kind   string `json:"k"`
	Entry  *Entry `json:"e,omitempty"`
	Mark   *mark  `json:"m,omitempty"`
	Cursor *int64 `json:"c,omitempty"`
	Seq    *int64 `json:"s,omitempty"`
}

// Config holds op log configuration
type Config struct {
	DataDir    string
	SyncWrites bool
}

// FileStore is a JSON-lines op log with CRC32 framed records. Marks are
// appended as separate records and folded into entries on open.
type FileStore struct {
	config  *Config
	file    *os.File
	logger  *zap.Logger
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	lastSeq int64
	cursor  int64
	now     func() time.Time
}

// Open opens or creates the op log in cfg.DataDir and recovers its entries
func Open(cfg *Config, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create op log directory: %w", err)
	}

	s := &FileStore{
		config: cfg,
		logger: logger,
		byID:   make(map[string]*Entry),
		now:    time.Now,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open op log file: %w", err)
	}
	s.file = file

	return s, nil
}

// Append logs a locally produced op
func (s *FileStore) Append(ctx context.Context, op model.Operation) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[op.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOp, op.ID)
	}

	entry := &Entry{Seq: s.lastSeq + 1, Op: op, Source: SourceLocal}
	if err := s.write(record{Kind: "op", Entry: entry}); err != nil {
		return nil, err
	}
	s.add(entry)
	return cloneEntry(entry), nil
}

// AppendRemote logs downloaded ops, skipping any already present. It
// returns the entries that were newly added, in input order.
func (s *FileStore) AppendRemote(ctx context.Context, ops []model.Operation) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]*Entry, 0, len(ops))
	for _, op := range ops {
		if _, exists := s.byID[op.ID]; exists {
			continue
		}
		entry := &Entry{Seq: s.lastSeq + 1, Op: op, Source: SourceRemote}
		if err := s.write(record{Kind: "op", Entry: entry}); err != nil {
			return added, err
		}
		s.add(entry)
		added = append(added, cloneEntry(entry))
	}
	return added, nil
}

// Get returns the entry for an op ID
func (s *FileStore) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return cloneEntry(e), true
}

// GetOpsAfterSeq returns entries with local seq greater than seq, ordered
func (s *FileStore) GetOpsAfterSeq(seq int64) []*Entry {
	return s.filter(func(e *Entry) bool { return e.Seq > seq })
}

// Unsynced returns local entries not yet accepted by the server
func (s *FileStore) Unsynced() []*Entry {
	return s.filter(func(e *Entry) bool {
		return e.Source == SourceLocal && e.SyncedAt == 0 && e.RejectedAt == 0
	})
}

// PendingRemote returns downloaded entries not yet applied to state
func (s *FileStore) PendingRemote() []*Entry {
	return s.filter(func(e *Entry) bool {
		return e.Source == SourceRemote && e.AppliedAt == 0 && e.RejectedAt == 0
	})
}

// MarkSynced records server acceptance; serverSeqs maps op ID to seq
func (s *FileStore) MarkSynced(ctx context.Context, serverSeqs map[string]int64) error {
	if len(serverSeqs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(serverSeqs))
	for id := range serverSeqs {
		ids = append(ids, id)
	}
	return s.appendMark(&mark{Kind: markSynced, IDs: ids, ServerSeqs: serverSeqs})
}

// MarkApplied records that remote ops are reflected in state
func (s *FileStore) MarkApplied(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.appendMark(&mark{Kind: markApplied, IDs: ids})
}

// MarkRejected records ops that will never be synced or applied
func (s *FileStore) MarkRejected(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.appendMark(&mark{Kind: markRejected, IDs: ids, Reason: reason})
}

// MarkTrimmed records targets dropped from multi-entity ops before they were
// applied; dropped maps op ID to entity IDs
func (s *FileStore) MarkTrimmed(ctx context.Context, dropped map[string][]string) error {
	if len(dropped) == 0 {
		return nil
	}
	ids := make([]string, 0, len(dropped))
	for id := range dropped {
		ids = append(ids, id)
	}
	return s.appendMark(&mark{Kind: markTrimmed, IDs: ids, Dropped: dropped})
}

// SetCursor persists the highest server seq downloaded so far
func (s *FileStore) SetCursor(ctx context.Context, serverSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if serverSeq <= s.cursor {
		return nil
	}
	if err := s.write(record{Kind: "cursor", Cursor: &serverSeq}); err != nil {
		return err
	}
	s.cursor = serverSeq
	return nil
}

// Cursor returns the highest server seq downloaded so far
func (s *FileStore) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// LastSeq returns the highest local seq ever assigned
func (s *FileStore) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Len returns the number of live entries
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AppliedWatermark returns the highest local seq such that every entry at
// or below it is reflected in state. Local ops count as applied when
// logged.
func (s *FileStore) AppliedWatermark() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Source == SourceRemote && e.AppliedAt == 0 && e.RejectedAt == 0 {
			return e.Seq - 1
		}
	}
	return s.lastSeq
}

// DeleteOpsUpTo drops settled entries with seq <= seq and rewrites the log.
// Unsettled entries are kept regardless of seq.
func (s *FileStore) DeleteOpsUpTo(ctx context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Seq <= seq && e.Settled() {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(s.entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmpPath := s.logPath() + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create compacted op log: %w", err)
	}

	w := bufio.NewWriter(tmp)
	writeErr := func() error {
		cursor := s.cursor
		if err := writeRecord(w, record{Kind: "cursor", Cursor: &cursor}); err != nil {
			return err
		}
		// Keeps lastSeq monotonic across compaction when the newest entry is removed.
		watermark := s.lastSeq
		if err := writeRecord(w, record{Kind: "seq", Seq: &watermark}); err != nil {
			return err
		}
		for _, e := range kept {
			if err := writeRecord(w, record{Kind: "op", Entry: e}); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write compacted op log: %w", writeErr)
	}

	s.file.Close()
	if err := os.Rename(tmpPath, s.logPath()); err != nil {
		return 0, fmt.Errorf("failed to replace op log: %w", err)
	}
	file, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to reopen op log: %w", err)
	}
	s.file = file

	s.entries = kept
	s.byID = make(map[string]*Entry, len(kept))
	for _, e := range kept {
		s.byID[e.Op.ID] = e
	}

	s.logger.Info("Compacted op log",
		zap.Int("removed", removed),
		zap.Int("remaining", len(kept)),
		zap.Int64("up_to_seq", seq))

	return removed, nil
}

// SaveStateCache atomically writes the compacted snapshot
func (s *FileStore) SaveStateCache(ctx context.Context, cache *model.StateCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal state cache: %w", err)
	}

	path := filepath.Join(s.config.DataDir, stateCacheFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state cache: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace state cache: %w", err)
	}
	return nil
}

// LoadStateCache reads the compacted snapshot, or ErrNoStateCache
func (s *FileStore) LoadStateCache(ctx context.Context) (*model.StateCache, error) {
	data, err := os.ReadFile(filepath.Join(s.config.DataDir, stateCacheFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoStateCache
		}
		return nil, fmt.Errorf("failed to read state cache: %w", err)
	}

	var cache model.StateCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, apierrors.CorruptedData("state cache is not valid JSON", err)
	}
	if cache.State.GlobalConfig == nil {
		cache.State.GlobalConfig = make(map[string]model.Fields)
	}
	if cache.State.Entities == nil {
		cache.State.Entities = make(map[model.EntityType]map[string]model.Fields)
	}
	return &cache, nil
}

// Close closes the op log file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *FileStore) appendMark(m *mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.At = s.now().UnixMilli()
	if err := s.write(record{Kind: "mark", Mark: m}); err != nil {
		return err
	}
	s.applyMark(m)
	return nil
}

func (s *FileStore) applyMark(m *mark) {
	for _, id := range m.IDs {
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		switch m.Kind {
		case markSynced:
			e.SyncedAt = m.At
			if seq, ok := m.ServerSeqs[id]; ok {
				e.Op.Seq = seq
			}
		case markApplied:
			e.AppliedAt = m.At
		case markRejected:
			e.RejectedAt = m.At
			e.RejectReason = m.Reason
		case markTrimmed:
			e.Dropped = append([]string(nil), m.Dropped[id]...)
		}
	}
}

func (s *FileStore) add(e *Entry) {
	s.entries = append(s.entries, e)
	s.byID[e.Op.ID] = e
	if e.Seq > s.lastSeq {
		s.lastSeq = e.Seq
	}
}

func (s *FileStore) filter(keep func(*Entry) bool) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

func (s *FileStore) write(r record) error {
	if s.file == nil {
		return fmt.Errorf("op log is closed")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal op log record: %w", err)
	}
	if _, err := s.file.Write(util.FrameLine(data)); err != nil {
		return fmt.Errorf("failed to write to op log: %w", err)
	}
	if s.config.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync op log: %w", err)
		}
	}
	return nil
}

// recover replays the log file into memory, skipping corrupt lines
func (s *FileStore) recover() error {
	file, err := os.Open(s.logPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open op log for recovery: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo, corrupt := 0, 0
	for scanner.Scan() {
		lineNo++
		data, valid := util.UnframeLine(scanner.Bytes())
		if !valid {
			corrupt++
			s.logger.Warn("Skipping corrupt op log record", zap.Int("line", lineNo))
			continue
		}

		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			corrupt++
			s.logger.Warn("Failed to unmarshal op log record", zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		switch r.Kind {
		case "op":
			if r.Entry != nil {
				if _, dup := s.byID[r.Entry.Op.ID]; !dup {
					s.add(r.Entry)
				}
			}
		case "mark":
			if r.Mark != nil {
				s.applyMark(r.Mark)
			}
		case "cursor":
			if r.Cursor != nil && *r.Cursor > s.cursor {
				s.cursor = *r.Cursor
			}
		case "seq":
			if r.Seq != nil && *r.Seq > s.lastSeq {
				s.lastSeq = *r.Seq
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan op log: %w", err)
	}

	s.logger.Info("Op log recovery completed",
		zap.Int("entries", len(s.entries)),
		zap.Int("corrupt_records", corrupt),
		zap.Int64("last_seq", s.lastSeq),
		zap.Int64("cursor", s.cursor))
	return nil
}

func (s *FileStore) logPath() string {
	return filepath.Join(s.config.DataDir, logFileName)
}

func writeRecord(w *bufio.Writer, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(util.FrameLine(data))
	return err
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.Op = e.Op.Clone()
	if e.Dropped != nil {
		c.Dropped = append([]string(nil), e.Dropped...)
	}
	return &c
}
