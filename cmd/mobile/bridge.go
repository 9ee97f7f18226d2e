// Package main provides the outbox bridge for mobile platforms.
// Build as shared library: libpayrollsync.so (Android) / payrollsync.framework (iOS).
//
// Every call returns a JSON envelope {"ok": bool, "data": ..., "error": ...}.
// The host pushes connectivity and focus changes; there is no probing on mobile.
package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/payrollsync/internal/app"
	"github.com/kimhsiao/payrollsync/internal/config"
	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	syncpkg "github.com/kimhsiao/payrollsync/internal/sync"
)

// maxPendingEvents bounds the events kept between DrainEvents calls.
const maxPendingEvents = 256

// bridge owns the outbox for the lifetime of the host process.
type bridge struct {
	mu      sync.Mutex
	app     *app.App
	detach  func()
	pending []eventEnvelope
	lastErr string
}

type eventEnvelope struct {
	Type      events.Type `json:"type"`
	Data      any         `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type response struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorInfo `json:"error,omitempty"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var core = &bridge{}

func (b *bridge) ok(data any) string {
	out, _ := json.Marshal(response{OK: true, Data: data})
	return string(out)
}

func (b *bridge) fail(err error) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failLocked(err)
}

// failLocked records err as the last error. b.mu must be held.
func (b *bridge) failLocked(err error) string {
	b.lastErr = err.Error()
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	out, _ := json.Marshal(response{Error: &errorInfo{Code: string(code), Message: err.Error()}})
	return string(out)
}

// current returns the running app, or INVALID_INPUT before Init.
func (b *bridge) current() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "outbox not initialized")
	}
	return b.app, nil
}

// Init opens the outbox in dataDir and starts the flush driver.
// Calling it again while initialized is a no-op.
func (b *bridge) Init(dataDir, baseURL string, online bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return b.ok(nil)
	}

	cfg := config.Default()
	cfg.Database.Path = dataDir
	cfg.Server.BaseURL = baseURL
	cfg.Connectivity.Probe = false
	if err := cfg.Validate(); err != nil {
		return b.failLocked(err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	a, err := app.New(cfg)
	if err != nil {
		return b.failLocked(err)
	}
	a.Manual.SetOnline(online)
	b.detach = a.Bus.Subscribe(b.record)
	a.Start(context.Background())
	b.app = a
	return b.ok(nil)
}

func (b *bridge) record(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxPendingEvents {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, eventEnvelope{Type: ev.Type(), Data: ev, Timestamp: time.Now().Unix()})
}

// Cleanup stops the driver and closes the database.
func (b *bridge) Cleanup() string {
	b.mu.Lock()
	a, detach := b.app, b.detach
	b.app, b.detach, b.pending = nil, nil, nil
	b.mu.Unlock()

	if a == nil {
		return b.ok(nil)
	}
	detach()
	if err := a.Close(); err != nil {
		return b.fail(err)
	}
	return b.ok(nil)
}

// Call issues a request live and defers it when the server is unreachable.
func (b *bridge) Call(requestJSON string) string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	var req syncpkg.EnqueueRequest
	if err := json.Unmarshal([]byte(requestJSON), &req); err != nil {
		return b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err))
	}

	res, err := a.Caller.Do(context.Background(), req)
	if err != nil {
		return b.fail(err)
	}
	return b.ok(res)
}

// Enqueue defers a request without attempting it.
func (b *bridge) Enqueue(requestJSON string) string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	var req syncpkg.EnqueueRequest
	if err := json.Unmarshal([]byte(requestJSON), &req); err != nil {
		return b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err))
	}

	id, err := a.Outbox.Enqueue(context.Background(), req)
	if err != nil {
		return b.fail(err)
	}
	return b.ok(map[string]any{"id": id, "queue_id": models.LocalRef(id)})
}

// Flush runs a pass over at most max records now, sharing the driver's
// single-flight flag. max <= 0 uses the configured batch size.
func (b *bridge) Flush(max int) string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	result, err := a.Driver.FlushNow(context.Background(), max)
	if err != nil {
		return b.fail(err)
	}
	return b.ok(result)
}

// List returns pending records oldest first.
func (b *bridge) List() string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	records, err := a.Outbox.List(context.Background())
	if err != nil {
		return b.fail(err)
	}
	if records == nil {
		records = []*models.QueueRecord{}
	}
	return b.ok(records)
}

// Discard deletes a pending record.
func (b *bridge) Discard(id int64) string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	if err := a.Outbox.Discard(context.Background(), id); err != nil {
		return b.fail(err)
	}
	return b.ok(nil)
}

// NotifyConnectivity forwards an OS connectivity change.
func (b *bridge) NotifyConnectivity(online bool) string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	a.Manual.SetOnline(online)
	return b.ok(nil)
}

// NotifyFocus forwards an app-resumed event.
func (b *bridge) NotifyFocus() string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	a.Manual.Focus()
	return b.ok(nil)
}

// DrainEvents returns and clears events published since the last call.
func (b *bridge) DrainEvents() string {
	b.mu.Lock()
	out := b.pending
	b.pending = nil
	b.mu.Unlock()

	if out == nil {
		out = []eventEnvelope{}
	}
	return b.ok(out)
}

// LastError returns the message of the most recent failure.
func (b *bridge) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Stats returns outbox counts and the driver status.
func (b *bridge) Stats() string {
	a, err := b.current()
	if err != nil {
		return b.fail(err)
	}
	stats, err := a.Outbox.Stats(context.Background())
	if err != nil {
		return b.fail(err)
	}
	return b.ok(map[string]any{"outbox": stats, "driver": a.Driver.Status()})
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
