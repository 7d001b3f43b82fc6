package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/opsync/internal/applier"
	"github.com/devrev/opsync/internal/conflict"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/oplog"
	"github.com/devrev/opsync/internal/vectorclock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Report summarizes one sync cycle
type Report struct {
	Uploaded   int
	Duplicates int
	Downloaded int
	Applied    int
	Rejected   int
	Trimmed    int
	Replayed   int
	LWWEmitted int
	Deferred   int
	Compacted  bool
	Cursor     int64
	FailedOp   *applier.FailedOp
	Duration   time.Duration
}

// Sync runs one full cycle: upload unsynced local ops, retry remote ops
// whose side effects failed earlier, download and apply new remote ops,
// then emit LWW updates for conflicts the local version won.
//
// A partial failure leaves the log consistent: the cursor only advances
// past ops that were logged, and ops whose archive side effect failed stay
// pending for the next cycle.
func (s *Service) Sync(ctx context.Context) (*Report, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	report := &Report{}
	defer func() {
		report.Cursor = s.log.Cursor()
		report.Duration = time.Since(start)
	}()

	if err := s.upload(ctx, report); err != nil {
		return report, err
	}

	if err := s.retryPending(ctx, report); err != nil {
		return report, err
	}
	if report.FailedOp != nil {
		return report, nil
	}

	wins, err := s.download(ctx, report)
	if err != nil {
		return report, err
	}

	if err := s.emitLWW(ctx, wins, report); err != nil {
		return report, err
	}

	deferred, err := s.drainBuffer(ctx)
	report.Deferred = deferred
	if err != nil {
		return report, err
	}

	if s.compactor != nil && report.FailedOp == nil {
		compacted, err := s.compactor.MaybeCompact(ctx)
		if err != nil {
			s.logger.Warn("Compaction after sync failed", zap.Error(err))
		}
		report.Compacted = compacted
	}

	s.logger.Info("Sync completed",
		zap.Int("uploaded", report.Uploaded),
		zap.Int("downloaded", report.Downloaded),
		zap.Int("applied", report.Applied),
		zap.Int("rejected", report.Rejected),
		zap.Int("trimmed", report.Trimmed),
		zap.Int("lww_emitted", report.LWWEmitted),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

func (s *Service) upload(ctx context.Context, report *Report) error {
	entries := s.log.Unsynced()
	for start := 0; start < len(entries); start += s.cfg.UploadBatch {
		end := start + s.cfg.UploadBatch
		if end > len(entries) {
			end = len(entries)
		}

		ops := make([]model.Operation, 0, end-start)
		for _, e := range entries[start:end] {
			op := e.Op
			if s.cipher != nil {
				enc, err := s.cipher.EncryptOperation(op)
				if err != nil {
					return err
				}
				op = enc
			}
			ops = append(ops, op)
		}

		resp, err := s.transport.Upload(ctx, s.cfg.ClientID, ops, uuid.NewString())
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		seqs := make(map[string]int64, len(resp.Results))
		for _, r := range resp.Results {
			seqs[r.ID] = r.Seq
			if r.Status == model.OpStatusDuplicate {
				report.Duplicates++
			} else {
				report.Uploaded++
			}
		}
		if err := s.log.MarkSynced(ctx, seqs); err != nil {
			return err
		}
	}
	return nil
}

// retryPending finishes remote ops whose primary state change landed but
// whose archive side effect did not. Only the side channel is walked again;
// local edits made since then stay in place.
func (s *Service) retryPending(ctx context.Context, report *Report) error {
	entries := s.log.PendingRemote()
	if len(entries) == 0 {
		return nil
	}
	ops := make([]model.Operation, 0, len(entries))
	for _, e := range entries {
		op, err := e.AppliedOp()
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	result := s.applier.RetrySideEffects(ctx, ops)
	if err := s.markApplied(ctx, result); err != nil {
		return err
	}
	report.Replayed += len(result.AppliedOps)
	report.FailedOp = result.FailedOp

	if result.FailedOp != nil {
		s.logger.Warn("Retry of pending remote ops stopped",
			zap.String("op_id", result.FailedOp.Op.ID),
			zap.Int("remaining", len(result.FailedOp.Remaining)),
			zap.Error(result.FailedOp.Err))
	}
	return nil
}

func (s *Service) download(ctx context.Context, report *Report) ([]conflict.Outcome, error) {
	var wins []conflict.Outcome

	for {
		resp, err := s.transport.Download(ctx, s.log.Cursor(), s.cfg.ClientID, s.cfg.DownloadPage)
		if err != nil {
			return wins, fmt.Errorf("download failed: %w", err)
		}
		if len(resp.Ops) == 0 {
			return wins, nil
		}

		pageWins, failed, err := s.applyPage(ctx, resp.Ops, report)
		wins = append(wins, pageWins...)
		if err != nil {
			return wins, err
		}
		if failed != nil {
			report.FailedOp = failed
			return wins, nil
		}
		if !resp.HasMore {
			return wins, nil
		}
	}
}

// applyPage runs one downloaded page through decryption, clock
// sanitization, migration, logging, conflict filtering and the bulk
// applier. The cursor is advanced once the page is logged.
func (s *Service) applyPage(ctx context.Context, page []model.Operation, report *Report) ([]conflict.Outcome, *applier.FailedOp, error) {
	var maxSeq int64
	for i := range page {
		if page[i].Seq > maxSeq {
			maxSeq = page[i].Seq
		}
	}

	ops := page
	if s.cipher != nil {
		dec, err := s.cipher.DecryptOperations(ops)
		if err != nil {
			return nil, nil, err
		}
		ops = dec
	}

	for i := range ops {
		clock, stripped, err := vectorclock.Sanitize(ops[i].VectorClock)
		if err != nil {
			s.logger.Warn("Discarding invalid vector clock on downloaded op",
				zap.String("op_id", ops[i].ID), zap.Error(err))
			clock = model.VectorClock{}
		} else if stripped > 0 {
			s.logger.Warn("Stripped invalid vector clock entries",
				zap.String("op_id", ops[i].ID), zap.Int("stripped", stripped))
		}
		ops[i].VectorClock = clock
	}

	migrated, err := s.registry.MigrateOperations(ops)
	if err != nil {
		return nil, nil, err
	}

	added, err := s.log.AppendRemote(ctx, migrated)
	if err != nil {
		return nil, nil, err
	}
	report.Downloaded += len(added)

	fresh := make([]model.Operation, 0, len(added))
	for _, e := range added {
		fresh = append(fresh, e.Op)
	}

	s.localMu.Lock()
	for i := range fresh {
		s.clock = vectorclock.Merge(s.clock, fresh[i].VectorClock)
	}
	s.localMu.Unlock()

	accepted, outcomes := s.resolver.Filter(fresh)

	var wins []conflict.Outcome
	if len(outcomes) > 0 {
		byVerdict := make(map[conflict.Verdict][]string)
		dropped := make(map[string][]string)
		seen := make(map[string]bool)
		for _, o := range outcomes {
			if o.Verdict == conflict.LocalWins {
				wins = append(wins, o)
			}
			if o.Partial {
				dropped[o.Op.ID] = append(dropped[o.Op.ID], o.Key.ID)
				continue
			}
			// a rejected multi-entity op is logged once, with its first verdict
			if !seen[o.Op.ID] {
				seen[o.Op.ID] = true
				byVerdict[o.Verdict] = append(byVerdict[o.Verdict], o.Op.ID)
			}
		}
		for verdict, ids := range byVerdict {
			if err := s.log.MarkRejected(ctx, ids, verdict.String()); err != nil {
				return wins, nil, err
			}
		}
		if err := s.log.MarkTrimmed(ctx, dropped); err != nil {
			return wins, nil, err
		}
		report.Rejected += len(seen)
		report.Trimmed += len(dropped)
	}

	result := s.applier.ApplyOperations(ctx, accepted, applier.Options{})
	if err := s.markApplied(ctx, result); err != nil {
		return wins, nil, err
	}
	report.Applied += len(result.AppliedOps)

	if maxSeq > s.log.Cursor() {
		if err := s.log.SetCursor(ctx, maxSeq); err != nil {
			return wins, nil, err
		}
	}

	if result.FailedOp != nil {
		s.logger.Warn("Applying downloaded ops stopped at archive failure",
			zap.String("op_id", result.FailedOp.Op.ID),
			zap.Int("index", result.FailedOp.Index),
			zap.Int("remaining", len(result.FailedOp.Remaining)),
			zap.Error(result.FailedOp.Err))
	}
	return wins, result.FailedOp, nil
}

func (s *Service) markApplied(ctx context.Context, result applier.Result) error {
	ids := make([]string, 0, len(result.AppliedOps)+len(result.Skipped))
	for _, op := range result.AppliedOps {
		ids = append(ids, op.ID)
	}
	for _, sk := range result.Skipped {
		ids = append(ids, sk.Op.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.log.MarkApplied(ctx, ids)
}

// emitLWW records an LWW_UPDATE carrying the local fields of every entity
// whose local version won a concurrent conflict. The new op's clock
// dominates both sides, so other clients converge on the local fields.
// Entities deleted locally in the meantime are skipped.
func (s *Service) emitLWW(ctx context.Context, wins []conflict.Outcome, report *Report) error {
	if len(wins) == 0 {
		return nil
	}
	state := s.applier.Store().Snapshot()
	seen := make(map[model.EntityKey]bool, len(wins))

	s.localMu.Lock()
	defer s.localMu.Unlock()

	for _, w := range wins {
		if seen[w.Key] {
			continue
		}
		seen[w.Key] = true

		fields, ok := state.Entity(w.Key.Type, w.Key.ID)
		if !ok {
			continue
		}
		payload, err := model.EncodePayload(model.EntityPayload{Fields: fields.Clone()})
		if err != nil {
			return err
		}
		op, err := s.recordLocked(ctx, applier.LocalIntent{
			ActionType: model.ActionLWWUpdate,
			OpType:     model.OpUpdate,
			EntityType: w.Key.Type,
			EntityID:   w.Key.ID,
			Payload:    payload,
			QueuedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		report.LWWEmitted++
		s.logger.Debug("Emitted LWW update for locally won conflict",
			zap.String("entity", w.Key.String()),
			zap.String("op_id", op.ID),
			zap.String("remote_op_id", w.Op.ID))
	}
	return nil
}

// LocalStatus describes the client-side log
type LocalStatus struct {
	ClientID      string
	LogEntries    int
	LastLocalSeq  int64
	Unsynced      int
	PendingRemote int
	Cursor        int64
	Watermark     int64
	VectorClock   model.VectorClock
	Entities      map[model.EntityType]int
	Deferred      int
}

// Status combines the local log view with the server's
type Status struct {
	Local  LocalStatus
	Remote *model.SyncStatus
}

// Status reports local and remote sync state. The remote part is nil when
// the server cannot be reached; the error is returned alongside.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	var remoteErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		remote, err := s.transport.Status(gctx)
		if err != nil {
			remoteErr = err
			return nil
		}
		st.Remote = remote
		return nil
	})
	g.Go(func() error {
		st.Local = s.localStatus()
		return nil
	})
	g.Wait()

	return st, remoteErr
}

func (s *Service) localStatus() LocalStatus {
	state := s.applier.Store().Snapshot()
	local := LocalStatus{
		ClientID:      s.cfg.ClientID,
		LogEntries:    s.log.Len(),
		LastLocalSeq:  s.log.LastSeq(),
		Unsynced:      len(s.log.Unsynced()),
		PendingRemote: len(s.log.PendingRemote()),
		Cursor:        s.log.Cursor(),
		Watermark:     s.log.AppliedWatermark(),
		VectorClock:   s.Clock(),
		Entities:      make(map[model.EntityType]int, len(model.EntityTypes)),
		Deferred:      s.buffer.Len(),
	}
	for _, et := range model.EntityTypes {
		if n := state.Count(et); n > 0 {
			local.Entities[et] = n
		}
	}
	return local
}

// compile-time check
var _ oplog.Snapshotter = (*Service)(nil)
