package sync

import (
	"context"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
	"github.com/kimhsiao/payrollsync/internal/sync/transport"
	"github.com/kimhsiao/payrollsync/internal/uuid"
)

// CallResult is the outcome of Caller.Do. Either Response is set (the call
// reached the server) or Queued is true and QueueID references the record.
type CallResult struct {
	Queued   bool                `json:"queued"`
	QueueID  models.EntityRef    `json:"queue_id"`
	Response *transport.Response `json:"response,omitempty"`
}

// Caller issues mutating requests live and defers them to the outbox when
// the server cannot be reached.
type Caller struct {
	replayer     transport.Replayer
	outbox       *Outbox
	connectivity Connectivity
}

// NewCaller creates a Caller. A nil connectivity always attempts the call.
func NewCaller(replayer transport.Replayer, outbox *Outbox, connectivity Connectivity) *Caller {
	if connectivity == nil {
		connectivity = AlwaysOnline
	}
	return &Caller{replayer: replayer, outbox: outbox, connectivity: connectivity}
}

// Do sends req. A TransportError, or a known-offline client, defers the
// request and returns a provisional reference. A RemoteRejection is
// returned as-is with the response and is not queued.
func (c *Caller) Do(ctx context.Context, req EnqueueRequest) (*CallResult, error) {
	// Validate before touching the network so a bad request fails the same
	// way online and offline.
	if _, err := c.outbox.prepare(req); err != nil {
		return nil, err
	}

	// The live attempt and any later replay share one key.
	req.Headers = codec.SanitizeHeaders(req.Headers)
	if !codec.HasHeader(req.Headers, uuid.IdempotencyHeader) {
		req.Headers = append(req.Headers, models.Header{Name: uuid.IdempotencyHeader, Value: uuid.NewKey()})
	}

	if c.connectivity.Online() {
		resp, err := c.replayer.Replay(ctx, transport.Request{
			Target:  req.Target,
			Method:  req.Method,
			Headers: req.Headers,
			Body:    req.Body,
		})
		if err == nil {
			return &CallResult{Response: resp}, nil
		}
		if !apperrors.Is(err, apperrors.ErrTransport) {
			return &CallResult{Response: resp}, err
		}
		logging.Info("Live call failed, deferring to outbox", map[string]interface{}{
			"tag":   req.Tag,
			"error": err.Error(),
		})
	}

	id, err := c.outbox.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return &CallResult{Queued: true, QueueID: models.LocalRef(id)}, nil
}
