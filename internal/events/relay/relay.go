// Package relay forwards outbox events to a Kafka topic so other services
// (audit, dashboards) can follow what the client queued and replayed.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Relay.
type Config struct {
	Brokers    []string
	Topic      string
	BufferSize int
	Timeout    time.Duration
}

// envelope is the JSON value written for every event.
type envelope struct {
	Type      events.Type  `json:"type"`
	Data      events.Event `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// Relay subscribes to a Bus and writes each event as one Kafka message.
// Publishing never blocks the bus: when the buffer is full the event is
// dropped and logged.
type Relay struct {
	writer      MessageWriter
	timeout     time.Duration
	mu          sync.RWMutex
	closed      bool
	ch          chan events.Event
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewWriter builds a synchronous kafka writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// New starts a relay from bus to writer.
func New(bus *events.Bus, writer MessageWriter, cfg Config) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := &Relay{
		writer:  writer,
		timeout: cfg.Timeout,
		ch:      make(chan events.Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	r.unsubscribe = bus.Subscribe(r.enqueue)
	go r.run()

	logging.Info("Event relay started", map[string]interface{}{
		"brokers": strings.Join(cfg.Brokers, ","),
		"topic":   cfg.Topic,
	})
	return r
}

func (r *Relay) enqueue(ev events.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- ev:
	default:
		logging.Warn("Event relay buffer full, dropping event", map[string]interface{}{
			"event": string(ev.Type()),
		})
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.ch {
		r.write(ev)
	}
}

func (r *Relay) write(ev events.Event) {
	msg, err := Message(ev, time.Now())
	if err != nil {
		logging.Error("Failed to encode event", err, map[string]interface{}{"event": string(ev.Type())})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		logging.Error("Failed to relay event", err, map[string]interface{}{"event": string(ev.Type())})
	}
}

// Message encodes ev as a Kafka message. Queued events are keyed by record
// id; flushed events by their joined module list.
func Message(ev events.Event, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(envelope{Type: ev.Type(), Data: ev, Timestamp: now.Unix()})
	if err != nil {
		return kafka.Message{}, err
	}

	var key string
	switch e := ev.(type) {
	case events.Queued:
		key = strconv.FormatInt(e.ID, 10)
	case events.Flushed:
		key = strings.Join(e.Modules, ",")
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type())},
		},
	}, nil
}

// Close unsubscribes, drains buffered events and closes the writer.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.unsubscribe()
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		<-r.done
		err = r.writer.Close()
	})
	return err
}
