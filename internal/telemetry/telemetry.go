// Package telemetry provides local counters for the outbox.
// Nothing is transmitted; counters are only exposed through the admin API
// and the CLI.
package telemetry

import (
	"sync/atomic"
)

// Metrics receives outbox lifecycle events.
type Metrics interface {
	IncQueued()
	IncReplayed()
	IncRejected()
	IncTransportErrors()
	IncDeadLettered()
	IncPasses()
	IncSkippedTriggers()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Queued          int64 `json:"queued"`
	Replayed        int64 `json:"replayed"`
	Rejected        int64 `json:"rejected"`
	TransportErrors int64 `json:"transport_errors"`
	DeadLettered    int64 `json:"dead_lettered"`
	Passes          int64 `json:"passes"`
	SkippedTriggers int64 `json:"skipped_triggers"`
}

// InMemoryMetrics counts events with atomics.
type InMemoryMetrics struct {
	queued          atomic.Int64
	replayed        atomic.Int64
	rejected        atomic.Int64
	transportErrors atomic.Int64
	deadLettered    atomic.Int64
	passes          atomic.Int64
	skippedTriggers atomic.Int64
}

// NewInMemoryMetrics returns zeroed counters.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncQueued()          { m.queued.Add(1) }
func (m *InMemoryMetrics) IncReplayed()        { m.replayed.Add(1) }
func (m *InMemoryMetrics) IncRejected()        { m.rejected.Add(1) }
func (m *InMemoryMetrics) IncTransportErrors() { m.transportErrors.Add(1) }
func (m *InMemoryMetrics) IncDeadLettered()    { m.deadLettered.Add(1) }
func (m *InMemoryMetrics) IncPasses()          { m.passes.Add(1) }
func (m *InMemoryMetrics) IncSkippedTriggers() { m.skippedTriggers.Add(1) }

// Snapshot reads every counter.
func (m *InMemoryMetrics) Snapshot() Snapshot {
	return Snapshot{
		Queued:          m.queued.Load(),
		Replayed:        m.replayed.Load(),
		Rejected:        m.rejected.Load(),
		TransportErrors: m.transportErrors.Load(),
		DeadLettered:    m.deadLettered.Load(),
		Passes:          m.passes.Load(),
		SkippedTriggers: m.skippedTriggers.Load(),
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) IncQueued()          {}
func (Nop) IncReplayed()        {}
func (Nop) IncRejected()        {}
func (Nop) IncTransportErrors() {}
func (Nop) IncDeadLettered()    {}
func (Nop) IncPasses()          {}
func (Nop) IncSkippedTriggers() {}

var (
	_ Metrics = (*InMemoryMetrics)(nil)
	_ Metrics = Nop{}
)
