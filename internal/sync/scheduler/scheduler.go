// Package scheduler decides when the outbox is flushed: once on start, on
// every offline to online transition, on a fixed interval and whenever the
// host window regains focus.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
	"github.com/kimhsiao/payrollsync/internal/sync/signals"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
)

// Flusher runs one flush pass.
type Flusher interface {
	Flush(ctx context.Context, max int) (models.SyncResult, error)
}

// Config holds driver configuration.
type Config struct {
	Interval  time.Duration // Periodic trigger (default: 8 seconds)
	BatchSize int           // Passed to Flush as max; <= 0 lets the flusher decide
}

// DefaultInterval is the periodic trigger interval.
const DefaultInterval = 8 * time.Second

// DefaultConfig returns default driver configuration.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Driver owns the single-flight flag for one outbox. Several drivers may
// run side by side, each over its own flusher.
type Driver struct {
	flusher  Flusher
	signals  signals.Signals
	metrics  telemetry.Metrics
	interval time.Duration
	batch    int

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	isRunning  bool
	inFlight   bool
	online     bool
	lastPass   time.Time
	lastResult models.SyncResult
	lastErr    error

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
	unsubs []func()
}

// Status is a snapshot of the driver.
type Status struct {
	IsRunning  bool              `json:"is_running"`
	InFlight   bool              `json:"in_flight"`
	Online     bool              `json:"online"`
	LastPass   *time.Time        `json:"last_pass,omitempty"`
	LastResult models.SyncResult `json:"last_result"`
	LastError  string            `json:"last_error,omitempty"`
}

// NewDriver creates a Driver. sig may be nil when the host has no
// connectivity or focus events; the interval trigger still runs.
func NewDriver(flusher Flusher, sig signals.Signals, metrics telemetry.Metrics, cfg Config) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if metrics == nil {
		metrics = telemetry.Nop{}
	}

	return &Driver{
		flusher:  flusher,
		signals:  sig,
		metrics:  metrics,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		online:   currentlyOnline(sig),
	}
}

// currentlyOnline asks sig for its state when it can report one.
func currentlyOnline(sig signals.Signals) bool {
	if o, ok := sig.(interface{ Online() bool }); ok {
		return o.Online()
	}
	return true
}

// Start subscribes to host signals, triggers a pass immediately and
// starts the interval loop.
func (d *Driver) Start(ctx context.Context) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = true
	d.online = currentlyOnline(d.signals)
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.stopCh = make(chan struct{})
	runCtx, stopCh := d.ctx, d.stopCh
	d.wg.Add(1)
	d.mu.Unlock()

	if d.signals != nil {
		subs := []func(){
			d.signals.OnConnectivityChange(d.connectivityChanged),
			d.signals.OnHostFocus(func() { d.Trigger() }),
		}
		d.mu.Lock()
		d.unsubs = append(d.unsubs, subs...)
		d.mu.Unlock()
	}

	go d.loop(runCtx, stopCh)

	logging.Info("Flush driver started", map[string]interface{}{"interval": d.interval.String()})
	d.Trigger()
}

// Stop unsubscribes, cancels a running pass between records and waits
// for it to finish.
func (d *Driver) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = false
	unsubs := d.unsubs
	d.unsubs = nil
	stopCh, cancel := d.stopCh, d.cancel
	d.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	close(stopCh)
	cancel()
	d.wg.Wait()

	logging.Info("Flush driver stopped", nil)
}

func (d *Driver) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			d.Trigger()
		}
	}
}

func (d *Driver) connectivityChanged(online bool) {
	d.mu.Lock()
	wasOnline := d.online
	d.online = online
	d.mu.Unlock()

	if !wasOnline && online {
		d.Trigger()
	}
}

// Trigger starts a pass in the background. It returns false, without
// queuing anything, when the driver is stopped or a pass is already running.
func (d *Driver) Trigger() bool {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return false
	}
	if d.inFlight {
		d.mu.Unlock()
		d.metrics.IncSkippedTriggers()
		logging.Debug("Flush already in progress, skipping trigger", nil)
		return false
	}
	d.inFlight = true
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
	return true
}

// FlushNow runs a pass over at most max records synchronously, sharing the
// single-flight flag with the background triggers. max <= 0 uses the
// configured batch size.
func (d *Driver) FlushNow(ctx context.Context, max int) (models.SyncResult, error) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		d.metrics.IncSkippedTriggers()
		return models.SyncResult{}, errors.New(errors.ErrSyncInProgress, "flush already in progress")
	}
	d.inFlight = true
	d.mu.Unlock()

	if max <= 0 {
		max = d.batch
	}
	return d.pass(ctx, max)
}

// run executes a background pass. Failures are logged and swallowed.
func (d *Driver) run(ctx context.Context) {
	result, err := d.pass(ctx, d.batch)
	if err != nil {
		logging.ErrorWithCode("Flush pass failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": d.interval.Seconds()})
		return
	}
	if result.Synced > 0 {
		logging.Info("Flush pass completed", map[string]interface{}{
			"synced":    result.Synced,
			"remaining": result.Remaining,
		})
	}
}

func (d *Driver) pass(ctx context.Context, max int) (models.SyncResult, error) {
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	result, err := d.flusher.Flush(ctx, max)

	d.mu.Lock()
	d.lastPass = time.Now()
	d.lastResult = result
	d.lastErr = err
	d.mu.Unlock()

	return result, err
}

// Status returns the current driver state.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		IsRunning:  d.isRunning,
		InFlight:   d.inFlight,
		Online:     d.online,
		LastResult: d.lastResult,
	}
	if !d.lastPass.IsZero() {
		last := d.lastPass
		status.LastPass = &last
	}
	if d.lastErr != nil {
		status.LastError = d.lastErr.Error()
	}
	return status
}

// IsRunning returns whether the driver is started.
func (d *Driver) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}
