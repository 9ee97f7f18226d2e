// Package scheduler tests for the flush driver.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/signals"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeFlusher counts passes. When gate is set every pass blocks until
// a value is sent on it.
type fakeFlusher struct {
	calls   atomic.Int32
	lastMax atomic.Int32
	gate    chan struct{}
	err     error

	mu      sync.Mutex
	started chan struct{}
}

func newFakeFlusher() *fakeFlusher {
	return &fakeFlusher{started: make(chan struct{}, 16)}
}

func (f *fakeFlusher) Flush(ctx context.Context, max int) (models.SyncResult, error) {
	f.calls.Add(1)
	f.lastMax.Store(int32(max))
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.SyncResult{}, f.err
	}
	return models.SyncResult{Synced: 1}, nil
}

func (f *fakeFlusher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("flush pass did not start")
	}
}

func (f *fakeFlusher) noneStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
		t.Fatal("unexpected flush pass")
	case <-time.After(30 * time.Millisecond):
	}
}

// countingSignals tracks how many listeners are registered on a Manual.
type countingSignals struct {
	*signals.Manual
	active atomic.Int32
}

func (c *countingSignals) track(remove func()) func() {
	c.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			c.active.Add(-1)
		})
	}
}

func (c *countingSignals) OnConnectivityChange(fn func(online bool)) func() {
	return c.track(c.Manual.OnConnectivityChange(fn))
}

func (c *countingSignals) OnHostFocus(fn func()) func() {
	return c.track(c.Manual.OnHostFocus(fn))
}

func newTestDriver(t *testing.T, f *fakeFlusher, sig signals.Signals) (*Driver, *telemetry.InMemoryMetrics) {
	t.Helper()
	m := telemetry.NewInMemoryMetrics()
	d := NewDriver(f, sig, m, Config{Interval: time.Hour, BatchSize: 25})
	t.Cleanup(d.Stop)
	return d, m
}

// =====================================================
// Tests
// =====================================================

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 8*time.Second, DefaultConfig().Interval)

	d := NewDriver(newFakeFlusher(), nil, nil, Config{})
	assert.Equal(t, DefaultInterval, d.interval)
	assert.True(t, d.Status().Online)
}

func TestDriver_StartTriggersImmediately(t *testing.T) {
	f := newFakeFlusher()
	d, _ := newTestDriver(t, f, nil)

	d.Start(context.Background())
	f.waitStarted(t)
	assert.True(t, d.IsRunning())
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(25), f.lastMax.Load())

	status := d.Status()
	require.NotNil(t, status.LastPass)
	assert.Equal(t, 1, status.LastResult.Synced)
}

func TestDriver_TriggerIsSingleFlight(t *testing.T) {
	f := newFakeFlusher()
	f.gate = make(chan struct{})
	d, m := newTestDriver(t, f, nil)

	d.Start(context.Background())
	f.waitStarted(t)

	assert.False(t, d.Trigger())
	assert.False(t, d.Trigger())
	_, err := d.FlushNow(context.Background(), 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))
	assert.Equal(t, int64(3), m.Snapshot().SkippedTriggers)

	f.gate <- struct{}{}
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())

	assert.True(t, d.Trigger())
	f.waitStarted(t)
	f.gate <- struct{}{}
}

func TestDriver_TriggerWhenStopped(t *testing.T) {
	f := newFakeFlusher()
	d, _ := newTestDriver(t, f, nil)

	assert.False(t, d.Trigger())
	f.noneStarted(t)
}

func TestDriver_OfflineToOnline(t *testing.T) {
	f := newFakeFlusher()
	sig := signals.NewManual(false)
	d, _ := newTestDriver(t, f, sig)

	d.Start(context.Background())
	f.waitStarted(t)
	assert.False(t, d.Status().Online)
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)

	sig.SetOnline(true)
	f.waitStarted(t)
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)

	// Going offline never triggers.
	sig.SetOnline(false)
	f.noneStarted(t)
	assert.Equal(t, int32(2), f.calls.Load())
}

// A change between NewDriver and Start must not hide the next transition.
func TestDriver_OfflineBeforeStart(t *testing.T) {
	f := newFakeFlusher()
	sig := signals.NewManual(true)
	d, _ := newTestDriver(t, f, sig)

	sig.SetOnline(false)
	d.Start(context.Background())
	f.waitStarted(t)
	assert.False(t, d.Status().Online)
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)

	sig.SetOnline(true)
	f.waitStarted(t)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestDriver_Focus(t *testing.T) {
	f := newFakeFlusher()
	sig := signals.NewManual(true)
	d, _ := newTestDriver(t, f, sig)

	d.Start(context.Background())
	f.waitStarted(t)
	assert.Eventually(t, func() bool { return !d.Status().InFlight }, time.Second, 5*time.Millisecond)

	sig.Focus()
	f.waitStarted(t)
}

func TestDriver_Interval(t *testing.T) {
	f := newFakeFlusher()
	d := NewDriver(f, nil, nil, Config{Interval: 10 * time.Millisecond})
	defer d.Stop()

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return f.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestDriver_PassErrorIsSwallowed(t *testing.T) {
	f := newFakeFlusher()
	f.err = apperrors.Wrap(apperrors.ErrStore, "failed to list queue", errors.New("disk I/O error"))
	d, _ := newTestDriver(t, f, nil)

	d.Start(context.Background())
	f.waitStarted(t)
	assert.Eventually(t, func() bool { return d.Status().LastError != "" }, time.Second, 5*time.Millisecond)
	assert.Contains(t, d.Status().LastError, "STORE_ERROR")
	assert.True(t, d.IsRunning())
}

func TestDriver_StopCancelsPass(t *testing.T) {
	f := newFakeFlusher()
	f.gate = make(chan struct{})
	sig := signals.NewManual(true)
	d := NewDriver(f, sig, nil, Config{Interval: time.Hour})

	d.Start(context.Background())
	f.waitStarted(t)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, d.IsRunning())
	sig.Focus()
	f.noneStarted(t)
	d.Stop()
}

func TestDriver_ConcurrentStartStop(t *testing.T) {
	sig := &countingSignals{Manual: signals.NewManual(true)}
	d := NewDriver(newFakeFlusher(), sig, nil, Config{Interval: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Wait()
	d.Stop()

	assert.False(t, d.IsRunning())
	assert.Equal(t, int32(0), sig.active.Load())
}

func TestDriver_FlushNow(t *testing.T) {
	f := newFakeFlusher()
	d, _ := newTestDriver(t, f, nil)

	res, err := d.FlushNow(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 1}, res)
	assert.Equal(t, int32(25), f.lastMax.Load())
	assert.False(t, d.Status().InFlight)

	_, err = d.FlushNow(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.lastMax.Load())
}

// Two drivers over separate flushers do not share state.
func TestDriver_Independent(t *testing.T) {
	f1, f2 := newFakeFlusher(), newFakeFlusher()
	f1.gate = make(chan struct{})
	d1, _ := newTestDriver(t, f1, nil)
	d2, _ := newTestDriver(t, f2, nil)

	d1.Start(context.Background())
	f1.waitStarted(t)

	_, err := d2.FlushNow(context.Background(), 0)
	require.NoError(t, err)
	f1.gate <- struct{}{}
}
