// Package events broadcasts outbox notifications to UI consumers.
//
// Delivery is synchronous and fire-and-forget: Publish calls every
// subscriber in subscription order before returning, and a panicking
// subscriber is logged and skipped.
package events

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/payrollsync/internal/logging"
)

// Type names an event.
type Type string

const (
	TypeQueued  Type = "queued"
	TypeFlushed Type = "flushed"
)

// Event is a notification published on the Bus.
type Event interface {
	Type() Type
}

// Queued is published when a request was deferred into the outbox.
type Queued struct {
	Tag string `json:"tag"`
	ID  int64  `json:"id"`
}

// Type implements Event.
func (Queued) Type() Type { return TypeQueued }

// Flushed is published after a pass that replayed at least one record.
// Modules are distinct and sorted.
type Flushed struct {
	Modules []string `json:"modules"`
}

// Type implements Event.
func (Flushed) Type() Type { return TypeFlushed }

// NewFlushed builds a Flushed event from module names, dropping duplicates.
func NewFlushed(modules []string) Flushed {
	seen := make(map[string]struct{}, len(modules))
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return Flushed{Modules: out}
}

// Handler receives events.
type Handler func(Event)

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id int
	fn Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event": string(ev.Type()),
			})
		}
	}()
	fn(ev)
}
