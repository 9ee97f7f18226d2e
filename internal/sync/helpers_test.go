package sync

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/payrollsync/internal/db"
	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
	"github.com/kimhsiao/payrollsync/internal/sync/queue"
	"github.com/kimhsiao/payrollsync/internal/sync/transport"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
)

// fakeReplayer answers by target. Unknown targets succeed with 200.
type fakeReplayer struct {
	mu       sync.Mutex
	status   map[string]int
	down     map[string]bool
	calls    []transport.Request
	onReplay func(req transport.Request)
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{status: map[string]int{}, down: map[string]bool{}}
}

func (r *fakeReplayer) respond(target string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[target] = status
	delete(r.down, target)
}

func (r *fakeReplayer) unreachable(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[target] = true
}

func (r *fakeReplayer) Replay(ctx context.Context, req transport.Request) (*transport.Response, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	down := r.down[req.Target]
	status, ok := r.status[req.Target]
	hook := r.onReplay
	r.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if down {
		return nil, apperrors.New(apperrors.ErrTransport, "connection refused")
	}
	if !ok {
		status = http.StatusOK
	}
	resp := &transport.Response{StatusCode: status}
	if !resp.OK() {
		return resp, apperrors.Rejection(status, http.StatusText(status))
	}
	return resp, nil
}

func (r *fakeReplayer) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Target)
	}
	return out
}

func (r *fakeReplayer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// switchConn is a settable connectivity flag.
type switchConn struct{ online atomic.Bool }

func newSwitchConn(online bool) *switchConn {
	c := &switchConn{}
	c.online.Store(online)
	return c
}

func (c *switchConn) Online() bool { return c.online.Load() }
func (c *switchConn) set(on bool) { c.online.Store(on) }

// recorder captures bus events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(ev events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) flushed() []events.Flushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Flushed
	for _, ev := range r.events {
		if f, ok := ev.(events.Flushed); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) queued() []events.Queued {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Queued
	for _, ev := range r.events {
		if q, ok := ev.(events.Queued); ok {
			out = append(out, q)
		}
	}
	return out
}

// harness wires an outbox, flusher and fakes around one store.
type harness struct {
	store    queue.Store
	bus      *events.Bus
	events   *recorder
	replayer *fakeReplayer
	conn     *switchConn
	metrics  *telemetry.InMemoryMetrics
	outbox   *Outbox
	flusher  *Flusher
}

func newHarness(t *testing.T, store queue.Store, cfg FlusherConfig) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		bus:      events.NewBus(),
		replayer: newFakeReplayer(),
		conn:     newSwitchConn(true),
		metrics:  telemetry.NewInMemoryMetrics(),
	}
	h.events = record(h.bus)
	h.outbox = NewOutbox(store, h.bus, h.metrics)
	h.flusher = NewFlusher(store, h.replayer, h.conn, h.bus, h.metrics, cfg)
	return h
}

func newMemoryHarness(t *testing.T) *harness {
	return newHarness(t, queue.NewMemoryStore(0), FlusherConfig{})
}

func newSQLiteHarness(t *testing.T, dir string) (*harness, func()) {
	t.Helper()
	database, err := db.OpenMigrated(dir)
	require.NoError(t, err)
	return newHarness(t, queue.NewSQLiteStore(database.DB), FlusherConfig{}), func() { database.Close() }
}

func (h *harness) enqueue(t *testing.T, target, tag string, body codec.Body) int64 {
	t.Helper()
	id, err := h.outbox.Enqueue(context.Background(), EnqueueRequest{
		Target: target,
		Method: http.MethodPost,
		Body:   body,
		Tag:    tag,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) flush(t *testing.T, max int) (int, int) {
	t.Helper()
	res, err := h.flusher.Flush(context.Background(), max)
	require.NoError(t, err)
	return res.Synced, res.Remaining
}
