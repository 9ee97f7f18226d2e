package sync

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
	"github.com/kimhsiao/payrollsync/internal/sync/queue"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
	"github.com/kimhsiao/payrollsync/internal/uuid"
)

// EnqueueRequest describes a mutating request to defer.
type EnqueueRequest struct {
	Target  string          `json:"target"`
	Method  string          `json:"method"`
	Headers []models.Header `json:"headers,omitempty"`
	Body    codec.Body      `json:"body"`
	Tag     string          `json:"tag"`
}

// Stats summarizes the outbox.
type Stats struct {
	Pending     int                `json:"pending"`
	DeadLetters int                `json:"dead_letters"`
	Counters    telemetry.Snapshot `json:"counters"`
}

// Outbox is the enqueue side of the offline queue.
type Outbox struct {
	store   queue.Store
	bus     events.Publisher
	metrics telemetry.Metrics
	now     func() time.Time
}

// NewOutbox creates an Outbox. A nil bus drops events.
func NewOutbox(store queue.Store, bus events.Publisher, metrics telemetry.Metrics) *Outbox {
	if metrics == nil {
		metrics = telemetry.Nop{}
	}
	return &Outbox{
		store:   store,
		bus:     bus,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enqueue durably appends req and publishes a queued event before returning.
//
// Headers with blank values are dropped and an Idempotency-Key is added
// unless the caller supplied one. A body outside the four supported kinds
// fails with UNSUPPORTED_BODY_KIND and nothing is stored.
func (o *Outbox) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	rec, err := o.prepare(req)
	if err != nil {
		return 0, err
	}

	id, err := o.store.Enqueue(ctx, rec)
	if err != nil {
		return 0, storeError("failed to enqueue request", err)
	}

	o.metrics.IncQueued()
	logging.Info("Request queued", map[string]interface{}{
		"id":     id,
		"tag":    rec.Tag,
		"method": rec.Method,
		"target": rec.Target,
		"body":   string(rec.BodyKind),
	})

	if o.bus != nil {
		o.bus.Publish(events.Queued{Tag: rec.Tag, ID: id})
	}
	return id, nil
}

func (o *Outbox) prepare(req EnqueueRequest) (*models.QueueRecord, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "target is required")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "method is required")
	}

	tag := models.NormalizeTag(req.Tag)
	if tag == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "tag is required")
	}

	kind, payload, err := codec.ToRecordFields(req.Body)
	if err != nil {
		return nil, err
	}

	headers := codec.SanitizeHeaders(req.Headers)
	if !codec.HasHeader(headers, uuid.IdempotencyHeader) {
		headers = append(headers, models.Header{Name: uuid.IdempotencyHeader, Value: uuid.NewKey()})
	}

	return &models.QueueRecord{
		Target:      target,
		Method:      method,
		Headers:     headers,
		BodyKind:    kind,
		BodyPayload: payload,
		Tag:         tag,
		CreatedAt:   o.now().Unix(),
	}, nil
}

// List returns pending records oldest first.
func (o *Outbox) List(ctx context.Context) ([]*models.QueueRecord, error) {
	records, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, storeError("failed to list queue", err)
	}
	return records, nil
}

// Discard deletes a pending record without replaying it.
func (o *Outbox) Discard(ctx context.Context, id int64) error {
	if err := o.store.Remove(ctx, id); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return storeError("failed to discard record", err)
	}
	logging.Info("Queued request discarded", map[string]interface{}{"id": id})
	return nil
}

// DeadLetters returns records that exhausted their rejection budget.
func (o *Outbox) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	dls, err := o.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, storeError("failed to list dead letters", err)
	}
	return dls, nil
}

// RequeueDeadLetter appends a dead letter back to the queue as a new record
// with a fresh id, so it replays after everything already pending. The
// original idempotency key is kept.
func (o *Outbox) RequeueDeadLetter(ctx context.Context, id int64) (int64, error) {
	rec, err := o.store.Requeue(ctx, id, o.now().Unix())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return 0, err
		}
		return 0, storeError("failed to requeue dead letter", err)
	}

	o.metrics.IncQueued()
	logging.Info("Dead letter requeued", map[string]interface{}{"id": id, "new_id": rec.ID})
	if o.bus != nil {
		o.bus.Publish(events.Queued{Tag: rec.Tag, ID: rec.ID})
	}
	return rec.ID, nil
}

// Stats counts pending records and dead letters.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	pending, err := o.store.Count(ctx)
	if err != nil {
		return Stats{}, storeError("failed to count queue", err)
	}
	dls, err := o.store.ListDeadLetters(ctx)
	if err != nil {
		return Stats{}, storeError("failed to list dead letters", err)
	}

	stats := Stats{Pending: pending, DeadLetters: len(dls)}
	if m, ok := o.metrics.(interface{ Snapshot() telemetry.Snapshot }); ok {
		stats.Counters = m.Snapshot()
	}
	return stats, nil
}
