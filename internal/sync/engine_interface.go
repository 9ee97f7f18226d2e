// Package sync implements the offline outbox: deferring mutating requests
// while the server is unreachable and replaying them in submission order.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/payrollsync/internal/models"
)

// FlusherInterface defines the flush operation and its observable state.
// It allows the driver and the admin API to be tested against fakes.
type FlusherInterface interface {
	// Flush runs one pass over at most max records, oldest first.
	// max <= 0 selects the configured batch size.
	Flush(ctx context.Context, max int) (models.SyncResult, error)

	// Status returns the current flush status.
	Status() SyncStatus

	// LastFlush returns the completion time of the last pass, or nil.
	LastFlush() *time.Time

	// LastError returns the error of the last pass, or nil.
	LastError() error
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

// Online implements Connectivity.
func (f ConnectivityFunc) Online() bool { return f() }

// AlwaysOnline never reports the client as offline. Transport errors still
// halt a pass.
var AlwaysOnline Connectivity = ConnectivityFunc(func() bool { return true })
