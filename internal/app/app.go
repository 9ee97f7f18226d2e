// Package app assembles the outbox components from a Config. The desktop
// server, the CLI and the mobile bridge all share one wiring.
package app

import (
	"context"

	"github.com/kimhsiao/payrollsync/internal/config"
	"github.com/kimhsiao/payrollsync/internal/db"
	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/events/relay"
	"github.com/kimhsiao/payrollsync/internal/logging"
	syncpkg "github.com/kimhsiao/payrollsync/internal/sync"
	"github.com/kimhsiao/payrollsync/internal/sync/queue"
	"github.com/kimhsiao/payrollsync/internal/sync/scheduler"
	"github.com/kimhsiao/payrollsync/internal/sync/signals"
	"github.com/kimhsiao/payrollsync/internal/sync/transport"
	"github.com/kimhsiao/payrollsync/internal/telemetry"
)

// App holds the running outbox.
type App struct {
	Config   *config.Config
	DB       *db.DB
	Store    queue.Store
	Bus      *events.Bus
	Metrics  *telemetry.InMemoryMetrics
	Replayer *transport.HTTPReplayer
	Outbox   *syncpkg.Outbox
	Flusher  *syncpkg.Flusher
	Caller   *syncpkg.Caller
	Driver   *scheduler.Driver

	// Manual receives host connectivity and focus events. When probing is
	// enabled the Prober owns connectivity and Manual only carries focus.
	Manual *signals.Manual
	Prober *signals.Prober

	relay *relay.Relay
}

// hostSignals merges the prober's connectivity with host focus events.
type hostSignals struct {
	connectivity signals.Signals
	focus        signals.Signals
	online       func() bool
}

func (h hostSignals) OnConnectivityChange(fn func(bool)) func() {
	return h.connectivity.OnConnectivityChange(fn)
}

func (h hostSignals) OnHostFocus(fn func()) func() {
	return h.focus.OnHostFocus(fn)
}

func (h hostSignals) Online() bool { return h.online() }

// New opens the database and builds every component. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	database, err := db.OpenMigrated(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	replayer, err := transport.NewHTTPReplayer(cfg.Server.BaseURL, cfg.HTTP.Timeout)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		DB:       database,
		Store:    queue.NewSQLiteStore(database.DB),
		Bus:      events.NewBus(),
		Metrics:  telemetry.NewInMemoryMetrics(),
		Replayer: replayer,
		Manual:   signals.NewManual(true),
	}

	var sig signals.Signals = a.Manual
	var conn syncpkg.Connectivity = a.Manual
	if cfg.Connectivity.Probe {
		a.Prober, err = signals.NewProber(cfg.Server.BaseURL, signals.ProberConfig{
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		sig = hostSignals{connectivity: a.Prober, focus: a.Manual, online: a.Prober.Online}
		conn = a.Prober
	}

	a.Outbox = syncpkg.NewOutbox(a.Store, a.Bus, a.Metrics)
	a.Flusher = syncpkg.NewFlusher(a.Store, replayer, conn, a.Bus, a.Metrics, syncpkg.FlusherConfig{
		BatchSize:      cfg.Sync.BatchSize,
		MaxRejections:  cfg.Sync.MaxRejections,
		LastErrorLimit: cfg.Sync.LastErrorLimit,
	})
	a.Caller = syncpkg.NewCaller(replayer, a.Outbox, conn)
	a.Driver = scheduler.NewDriver(a.Flusher, sig, a.Metrics, scheduler.Config{
		Interval:  cfg.Sync.Interval,
		BatchSize: cfg.Sync.BatchSize,
	})

	if cfg.Events.Kafka.Enabled() {
		relayCfg := relay.Config{Brokers: cfg.Events.Kafka.Brokers, Topic: cfg.Events.Kafka.Topic}
		a.relay = relay.New(a.Bus, relay.NewWriter(relayCfg), relayCfg)
		logging.Info("Kafka event relay enabled", map[string]interface{}{"topic": relayCfg.Topic})
	}

	return a, nil
}

// Start begins probing (when enabled) and the flush driver.
func (a *App) Start(ctx context.Context) {
	if a.Prober != nil {
		a.Prober.Start(ctx)
	}
	a.Driver.Start(ctx)
}

// Close stops background work and releases the database.
func (a *App) Close() error {
	a.Driver.Stop()
	if a.Prober != nil {
		a.Prober.Stop()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			logging.Warn("Failed to close event relay", map[string]interface{}{"error": err.Error()})
		}
	}
	return a.DB.Close()
}
