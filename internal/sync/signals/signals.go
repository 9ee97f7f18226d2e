// Package signals delivers host connectivity and window-focus notifications
// to the flush driver. Hosts either push events themselves (Manual) or let
// a Prober poll the server's reachability.
package signals

import (
	"sync"
	"sync/atomic"

	"github.com/kimhsiao/payrollsync/internal/logging"
)

// Signals is the capability the driver needs from its host.
// Both methods return a function that removes the listener.
type Signals interface {
	OnConnectivityChange(fn func(online bool)) func()
	OnHostFocus(fn func()) func()
}

// Manual is a Signals implementation fed by explicit calls. The desktop
// websocket hub and the mobile bridge forward host events into it.
type Manual struct {
	online atomic.Bool

	mu          sync.RWMutex
	nextID      int
	connections map[int]func(bool)
	focus       map[int]func()
}

// NewManual returns a Manual with the given initial connectivity.
func NewManual(online bool) *Manual {
	m := &Manual{
		connections: make(map[int]func(bool)),
		focus:       make(map[int]func()),
	}
	m.online.Store(online)
	return m
}

// Online returns the last reported connectivity.
func (m *Manual) Online() bool {
	return m.online.Load()
}

// OnConnectivityChange registers fn for connectivity transitions.
func (m *Manual) OnConnectivityChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.connections[id] = fn
	return m.remover(func() { delete(m.connections, id) })
}

// OnHostFocus registers fn for window refocus events.
func (m *Manual) OnHostFocus(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.focus[id] = fn
	return m.remover(func() { delete(m.focus, id) })
}

func (m *Manual) remover(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			del()
		})
	}
}

// SetOnline records the host connectivity. Listeners are notified only
// when the value changes. It reports whether it did.
func (m *Manual) SetOnline(online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	m.mu.RLock()
	listeners := make([]func(bool), 0, len(m.connections))
	for _, fn := range m.connections {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Focus reports that the host window regained focus.
func (m *Manual) Focus() {
	m.mu.RLock()
	listeners := make([]func(), 0, len(m.focus))
	for _, fn := range m.focus {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

var _ Signals = (*Manual)(nil)
