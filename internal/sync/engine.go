package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
	"github.com/kimhsiao/payrollsync/internal/sync/queue"
	"github.com/kimhsiao/payrollsync/internal/sync/transport"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
)

// SyncStatus represents the current flush status.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusFlushing SyncStatus = "flushing"
	SyncStatusFailed   SyncStatus = "failed"
)

// DefaultBatchSize is used when neither the caller nor the config sets one.
const DefaultBatchSize = 50

// FlusherConfig tunes a Flusher.
type FlusherConfig struct {
	// BatchSize bounds a pass when Flush is called with max <= 0.
	BatchSize int

	// MaxRejections moves a rejected record to the dead-letter list once its
	// attempts reach this count. Zero keeps rejected records forever.
	MaxRejections int

	// LastErrorLimit bounds the stored last_error in bytes.
	LastErrorLimit int
}

// Flusher replays queued records against the server.
type Flusher struct {
	store        queue.Store
	replayer     transport.Replayer
	connectivity Connectivity
	bus          events.Publisher
	metrics      telemetry.Metrics
	cfg          FlusherConfig

	mu        sync.Mutex
	status    SyncStatus
	lastFlush *time.Time
	lastErr   error
}

// NewFlusher creates a Flusher. A nil connectivity is treated as always
// online, a nil bus drops events and nil metrics are discarded.
func NewFlusher(store queue.Store, replayer transport.Replayer, connectivity Connectivity, bus events.Publisher, metrics telemetry.Metrics, cfg FlusherConfig) *Flusher {
	if connectivity == nil {
		connectivity = AlwaysOnline
	}
	if metrics == nil {
		metrics = telemetry.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LastErrorLimit <= 0 {
		cfg.LastErrorLimit = models.DefaultLastErrorLimit
	}
	return &Flusher{
		store:        store,
		replayer:     replayer,
		connectivity: connectivity,
		bus:          bus,
		metrics:      metrics,
		cfg:          cfg,
		status:       SyncStatusIdle,
	}
}

// Status returns the current flush status.
func (f *Flusher) Status() SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// LastFlush returns the completion time of the last pass.
func (f *Flusher) LastFlush() *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFlush
}

// LastError returns the error of the last pass.
func (f *Flusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// outcome classifies one replay attempt.
type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRejected
	outcomeTransport
)

// Flush runs one pass. Only one pass runs at a time per Flusher; a
// concurrent call fails with SYNC_IN_PROGRESS.
//
// Per-record failures are recorded on the record and never returned.
// The returned error is always a STORE_ERROR.
func (f *Flusher) Flush(ctx context.Context, max int) (models.SyncResult, error) {
	f.mu.Lock()
	if f.status == SyncStatusFlushing {
		f.mu.Unlock()
		return models.SyncResult{}, apperrors.New(apperrors.ErrSyncInProgress, "flush already in progress")
	}
	f.status = SyncStatusFlushing
	f.mu.Unlock()

	f.metrics.IncPasses()
	result, err := f.flush(ctx, max)

	f.mu.Lock()
	now := time.Now()
	f.lastFlush = &now
	f.lastErr = err
	if err != nil {
		f.status = SyncStatusFailed
	} else {
		f.status = SyncStatusIdle
	}
	f.mu.Unlock()

	return result, err
}

func (f *Flusher) flush(ctx context.Context, max int) (result models.SyncResult, err error) {
	records, err := f.store.ListAll(ctx)
	if err != nil {
		return result, storeError("failed to list queue", err)
	}

	if max <= 0 {
		max = f.cfg.BatchSize
	}
	if len(records) > max {
		records = records[:max]
	}

	// Once a replay has happened its outcome must be recorded even if the
	// caller cancels mid-pass.
	storeCtx := context.WithoutCancel(ctx)

	var modules []string

	// Delivered records are announced even when a later store write fails.
	defer func() {
		if result.Synced > 0 && f.bus != nil {
			f.bus.Publish(events.NewFlushed(modules))
		}
	}()

pass:
	for _, rec := range records {
		if ctx.Err() != nil {
			logging.Info("Flush pass canceled", map[string]interface{}{"synced": result.Synced})
			break
		}
		if !f.connectivity.Online() {
			logging.Info("Flush pass stopped: offline", map[string]interface{}{"synced": result.Synced})
			break
		}

		// The list is a snapshot; a record discarded since must not be sent.
		if _, err := f.store.Get(storeCtx, rec.ID); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				logging.Debug("Skipping discarded record", map[string]interface{}{"id": rec.ID})
				continue
			}
			return result, storeError(fmt.Sprintf("failed to read record %d", rec.ID), err)
		}

		modules = append(modules, rec.Module())

		replayErr := f.replay(ctx, rec)
		switch classify(replayErr) {
		case outcomeSynced:
			if err := f.store.Remove(storeCtx, rec.ID); err != nil {
				if !apperrors.Is(err, apperrors.ErrNotFound) {
					return result, storeError(fmt.Sprintf("failed to remove record %d", rec.ID), err)
				}
				logging.Warn("Record discarded while being replayed", map[string]interface{}{"id": rec.ID})
				continue
			}
			result.Synced++
			f.metrics.IncReplayed()

		case outcomeRejected:
			f.metrics.IncRejected()
			if err := f.recordFailure(storeCtx, rec, replayErr); err != nil {
				return result, err
			}

		case outcomeTransport:
			f.metrics.IncTransportErrors()
			if err := f.recordFailure(storeCtx, rec, replayErr); err != nil {
				return result, err
			}
			logging.Warn("Flush pass halted by transport error", map[string]interface{}{
				"id":    rec.ID,
				"error": replayErr.Error(),
			})
			break pass
		}
	}

	remaining, err := f.store.Count(storeCtx)
	if err != nil {
		return result, storeError("failed to count queue", err)
	}
	result.Remaining = remaining

	logging.Debug("Flush pass finished", map[string]interface{}{
		"synced":    result.Synced,
		"remaining": result.Remaining,
		"attempted": len(modules),
	})
	return result, nil
}

// replay decodes rec and sends it.
func (f *Flusher) replay(ctx context.Context, rec *models.QueueRecord) error {
	body, err := codec.FromRecordFields(rec.BodyKind, rec.BodyPayload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnsupportedBodyKind, "stored body cannot be decoded", err)
	}

	_, err = f.replayer.Replay(ctx, transport.Request{
		Target:  rec.Target,
		Method:  rec.Method,
		Headers: rec.Headers,
		Body:    body,
	})
	return err
}

// classify maps a replay error onto the taxonomy. Errors that say the
// request itself is bad are rejections; anything unrecognized is treated
// as a transport failure so the pass stops instead of burning attempts.
func classify(err error) outcome {
	if err == nil {
		return outcomeSynced
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrRemoteRejection, apperrors.ErrUnsupportedBodyKind, apperrors.ErrInvalid:
		return outcomeRejected
	default:
		return outcomeTransport
	}
}

// recordFailure patches rec and dead-letters it once the rejection budget
// is exhausted.
func (f *Flusher) recordFailure(ctx context.Context, rec *models.QueueRecord, replayErr error) error {
	patch := models.FailurePatch(rec, replayErr, f.cfg.LastErrorLimit)
	if err := f.store.Patch(ctx, rec.ID, patch); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return storeError(fmt.Sprintf("failed to patch record %d", rec.ID), err)
	}

	logging.Debug("Replay failed", map[string]interface{}{
		"id":       rec.ID,
		"tag":      rec.Tag,
		"attempts": patch.Attempts,
		"error":    patch.LastError,
	})

	if f.cfg.MaxRejections <= 0 || classify(replayErr) != outcomeRejected || patch.Attempts < f.cfg.MaxRejections {
		return nil
	}

	reason := fmt.Sprintf("gave up after %d attempts: %s", patch.Attempts, patch.LastError)
	if err := f.store.DeadLetter(ctx, rec.ID, models.TruncateError(reason, f.cfg.LastErrorLimit)); err != nil {
		return storeError(fmt.Sprintf("failed to dead-letter record %d", rec.ID), err)
	}
	f.metrics.IncDeadLettered()
	logging.Warn("Record moved to dead letters", map[string]interface{}{
		"id":       rec.ID,
		"tag":      rec.Tag,
		"attempts": patch.Attempts,
	})
	return nil
}

// storeError wraps err as STORE_ERROR unless it already carries that code.
func storeError(msg string, err error) error {
	if apperrors.Is(err, apperrors.ErrStore) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStore, msg, err)
}

// Ensure Flusher implements FlusherInterface at compile time.
var _ FlusherInterface = (*Flusher)(nil)
