// Package queue provides the durable offline outbox store.
//
// Records are appended with strictly increasing ids and read back in id
// order. Every operation is individually atomic; nothing here spans more
// than one record, so a crash mid-pass leaves each record either fully
// present or fully gone.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
)

// Store is the Durable Queue Store contract.
type Store interface {
	// Enqueue appends rec and returns its id, strictly greater than any id
	// this store has issued before. rec.ID is ignored and then set.
	Enqueue(ctx context.Context, rec *models.QueueRecord) (int64, error)

	// ListAll returns every pending record in ascending id order.
	ListAll(ctx context.Context) ([]*models.QueueRecord, error)

	// Get returns one pending record.
	Get(ctx context.Context, id int64) (*models.QueueRecord, error)

	// Remove deletes a pending record.
	Remove(ctx context.Context, id int64) error

	// Patch updates attempts and last_error of a pending record.
	Patch(ctx context.Context, id int64, patch models.RecordPatch) error

	// Count returns the number of pending records.
	Count(ctx context.Context) (int, error)

	// DeadLetter atomically moves a pending record to the dead-letter list.
	DeadLetter(ctx context.Context, id int64, reason string) error

	// ListDeadLetters returns dead letters in ascending id order.
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)

	// RemoveDeadLetter deletes a dead letter.
	RemoveDeadLetter(ctx context.Context, id int64) error

	// Requeue atomically moves a dead letter back to the queue under a new
	// id with its attempts and last error cleared. createdAt <= 0 means now.
	Requeue(ctx context.Context, id int64, createdAt int64) (*models.QueueRecord, error)
}

func notFound(id int64) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue record %d not found", id))
}

func deadLetterNotFound(id int64) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead letter %d not found", id))
}

// MemoryStore is a process-local Store. It satisfies every ordering and
// atomicity rule of the SQLite store but does not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[int64]*models.QueueRecord
	deadLetters map[int64]*models.DeadLetter
	lastID      int64
	maxSize     int
}

// NewMemoryStore creates a MemoryStore. maxSize <= 0 means unbounded.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		items:       make(map[int64]*models.QueueRecord),
		deadLetters: make(map[int64]*models.DeadLetter),
		maxSize:     maxSize,
	}
}

// Enqueue adds a record to the queue.
func (q *MemoryStore) Enqueue(ctx context.Context, rec *models.QueueRecord) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkSpace(); err != nil {
		return 0, err
	}

	q.lastID++
	stored := rec.Clone()
	stored.ID = q.lastID
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}
	q.items[stored.ID] = stored
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt

	logging.Debug("Queue record stored", map[string]interface{}{"id": stored.ID, "tag": stored.Tag})

	return stored.ID, nil
}

// checkSpace fails when the queue is at maxSize. q.mu must be held.
func (q *MemoryStore) checkSpace() error {
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return apperrors.New(apperrors.ErrStore, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}
	return nil
}

// ListAll returns copies of all records sorted by id.
func (q *MemoryStore) ListAll(ctx context.Context) ([]*models.QueueRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*models.QueueRecord, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Get returns a copy of one record.
func (q *MemoryStore) Get(ctx context.Context, id int64) (*models.QueueRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return item.Clone(), nil
}

// Remove removes a specific record from the queue.
func (q *MemoryStore) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return notFound(id)
	}
	delete(q.items, id)
	return nil
}

// Patch records a failed attempt.
func (q *MemoryStore) Patch(ctx context.Context, id int64, patch models.RecordPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}
	item.Attempts = patch.Attempts
	item.LastError = patch.LastError
	return nil
}

// Count returns the number of records in the queue.
func (q *MemoryStore) Count(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items), nil
}

// DeadLetter moves a record out of the replay queue.
func (q *MemoryStore) DeadLetter(ctx context.Context, id int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return notFound(id)
	}
	delete(q.items, id)
	q.deadLetters[id] = &models.DeadLetter{
		QueueRecord: *item,
		Reason:      reason,
		DeadAt:      time.Now().Unix(),
	}
	return nil
}

// ListDeadLetters returns copies of all dead letters sorted by id.
func (q *MemoryStore) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*models.DeadLetter, 0, len(q.deadLetters))
	for _, dl := range q.deadLetters {
		c := *dl
		c.QueueRecord = *dl.QueueRecord.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveDeadLetter deletes a dead letter.
func (q *MemoryStore) RemoveDeadLetter(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.deadLetters[id]; !ok {
		return deadLetterNotFound(id)
	}
	delete(q.deadLetters, id)
	return nil
}

// Requeue moves a dead letter back to the queue.
func (q *MemoryStore) Requeue(ctx context.Context, id int64, createdAt int64) (*models.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dl, ok := q.deadLetters[id]
	if !ok {
		return nil, deadLetterNotFound(id)
	}
	if err := q.checkSpace(); err != nil {
		return nil, err
	}
	if createdAt <= 0 {
		createdAt = time.Now().Unix()
	}

	q.lastID++
	stored := dl.QueueRecord.Clone()
	stored.ID = q.lastID
	stored.Attempts = 0
	stored.LastError = ""
	stored.CreatedAt = createdAt
	q.items[stored.ID] = stored
	delete(q.deadLetters, id)
	return stored.Clone(), nil
}

// Ensure both stores implement Store at compile time.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
