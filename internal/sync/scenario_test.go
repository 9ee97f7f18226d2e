package sync

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/codec"
	"github.com/kimhsiao/payrollsync/internal/sync/transport"
)

// Three mutations made offline replay in order once connectivity returns
// and produce a single flushed notification.
func TestScenario_offlineBurstThenReconnect(t *testing.T) {
	h := newMemoryHarness(t)
	h.conn.set(false)

	h.enqueue(t, "/api/leave", "leave:create", codec.JSON(map[string]any{"days": 1}))
	h.enqueue(t, "/api/overtime", "overtime:create", codec.JSON(map[string]any{"hours": 2}))
	h.enqueue(t, "/api/support", "support:create", codec.JSON(map[string]any{"subject": "vpn"}))
	assert.Len(t, h.events.queued(), 3)

	synced, remaining := h.flush(t, 50)
	assert.Equal(t, 0, synced)
	assert.Equal(t, 3, remaining)

	h.conn.set(true)
	synced, remaining = h.flush(t, 50)
	assert.Equal(t, 3, synced)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, []string{"/api/leave", "/api/overtime", "/api/support"}, h.replayer.targets())

	flushed := h.events.flushed()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"leave", "overtime", "support"}, flushed[0].Modules)
}

// A record that keeps hitting transport errors is re-sent on every pass
// and counts each failure.
func TestScenario_persistentTransportError(t *testing.T) {
	h := newMemoryHarness(t)
	id := h.enqueue(t, "/api/payroll/run", "payroll:run", codec.Empty())
	h.replayer.unreachable("/api/payroll/run")

	for i := 0; i < 3; i++ {
		synced, remaining := h.flush(t, 50)
		assert.Equal(t, 0, synced)
		assert.Equal(t, 1, remaining)
	}

	rec := getRecord(t, h.store, id)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "TRANSPORT_ERROR")
	assert.Len(t, h.replayer.targets(), 3)
	assert.Empty(t, h.events.flushed())
}

// Blank headers are dropped at creation and the rest survive a restart.
func TestScenario_headersSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	h, closeDB := newSQLiteHarness(t, dir)
	id, err := h.outbox.Enqueue(ctx, EnqueueRequest{
		Target: "/api/employees/7",
		Method: http.MethodPatch,
		Headers: []models.Header{
			{Name: "Authorization", Value: "Bearer abc"},
			{Name: "X-Empty", Value: ""},
		},
		Body: codec.JSON(map[string]any{"title": "Lead"}),
		Tag:  "employees:update",
	})
	require.NoError(t, err)
	closeDB()

	h, closeDB = newSQLiteHarness(t, dir)
	defer closeDB()

	rec := getRecord(t, h.store, id)
	auth, ok := headerValue(rec.Headers, "Authorization")
	assert.True(t, ok)
	assert.Equal(t, "Bearer abc", auth)
	_, ok = headerValue(rec.Headers, "X-Empty")
	assert.False(t, ok)

	var sent []models.Header
	h.replayer.onReplay = func(req transport.Request) { sent = req.Headers }
	synced, _ := h.flush(t, 50)
	assert.Equal(t, 1, synced)
	assert.Equal(t, rec.Headers, sent)
}

// With the default policy a rejected record is retried forever and never
// removed on its own.
func TestScenario_rejectedRecordIsKept(t *testing.T) {
	h := newMemoryHarness(t)
	id := h.enqueue(t, "/api/leave/9", "leave:approve", codec.Text("approved"))
	h.replayer.respond("/api/leave/9", http.StatusConflict)

	for i := 0; i < 5; i++ {
		h.flush(t, 50)
	}

	rec := getRecord(t, h.store, id)
	assert.Equal(t, 5, rec.Attempts)
	assert.Contains(t, rec.LastError, "REMOTE_REJECTION")

	dls, err := h.outbox.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dls)
}

// Replay order equals enqueue order for any batch size.
func TestScenario_orderingProperty(t *testing.T) {
	h, closeDB := newSQLiteHarness(t, t.TempDir())
	defer closeDB()

	const n = 23
	var want []string
	for i := 0; i < n; i++ {
		target := fmt.Sprintf("/api/tickets/%d", i)
		var body codec.Body
		switch i % 4 {
		case 0:
			body = codec.Empty()
		case 1:
			body = codec.JSON(map[string]any{"i": i})
		case 2:
			body = codec.Text(target)
		default:
			body = codec.Multipart(codec.Field{Name: "i", Value: codec.TextValue(fmt.Sprint(i))})
		}
		h.enqueue(t, target, "support:update", body)
		want = append(want, target)
	}

	for _, batch := range []int{1, 4, 7, 50} {
		synced, _ := h.flush(t, batch)
		assert.LessOrEqual(t, synced, batch)
	}

	n2, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
	assert.Equal(t, want, h.replayer.targets())
}
