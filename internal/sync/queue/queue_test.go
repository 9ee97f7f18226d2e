// Package queue provides unit tests for the outbox stores.
package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/payrollsync/internal/db"
	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
)

func newSQLiteStore(t *testing.T, dir string) (*SQLiteStore, func()) {
	t.Helper()
	database, err := db.OpenMigrated(dir)
	require.NoError(t, err)
	return NewSQLiteStore(database.DB), func() { database.Close() }
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(0))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, closeFn := newSQLiteStore(t, t.TempDir())
		defer closeFn()
		fn(t, s)
	})
}

func record(tag string) *models.QueueRecord {
	return &models.QueueRecord{
		Target:      "/api/employees",
		Method:      "POST",
		Headers:     []models.Header{{Name: "Content-Type", Value: "application/json"}},
		BodyKind:    models.BodyStructured,
		BodyPayload: []byte(`{"name":"A"}`),
		Tag:         tag,
	}
}

// TestStore_Enqueue assigns increasing ids and fresh metadata.
func TestStore_Enqueue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		rec := record("employees:create")
		rec.Attempts = 7
		rec.LastError = "stale"

		id1, err := s.Enqueue(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id1, rec.ID)

		id2, err := s.Enqueue(ctx, record("payroll:run"))
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		got, err := s.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempts)
		assert.Empty(t, got.LastError)
		assert.Equal(t, "POST", got.Method)
		assert.Equal(t, "employees:create", got.Tag)
		assert.Equal(t, models.BodyStructured, got.BodyKind)
		assert.Equal(t, []byte(`{"name":"A"}`), got.BodyPayload)
		assert.Equal(t, []models.Header{{Name: "Content-Type", Value: "application/json"}}, got.Headers)
		assert.NotZero(t, got.CreatedAt)
	})
}

// TestStore_ListAll returns records in ascending id order.
func TestStore_ListAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		empty, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, empty)

		for i := 0; i < 5; i++ {
			_, err := s.Enqueue(ctx, record(fmt.Sprintf("employees:e%d", i)))
			require.NoError(t, err)
		}

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}
		assert.Equal(t, "employees:e0", all[0].Tag)
		assert.Equal(t, "employees:e4", all[4].Tag)
	})
}

// TestStore_RemoveAndPatch covers the two mutating operations.
func TestStore_RemoveAndPatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Enqueue(ctx, record("leave:approve"))
		require.NoError(t, err)

		require.NoError(t, s.Patch(ctx, id, models.RecordPatch{Attempts: 1, LastError: "HTTP 500"}))
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "HTTP 500", got.LastError)
		assert.Equal(t, "/api/employees", got.Target, "patch must not touch other fields")

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, s.Remove(ctx, id))
		n, err = s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		assert.True(t, apperrors.Is(s.Remove(ctx, id), apperrors.ErrNotFound))
		assert.True(t, apperrors.Is(s.Patch(ctx, id, models.RecordPatch{}), apperrors.ErrNotFound))
		_, err = s.Get(ctx, id)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})
}

// TestStore_idsNeverReused keeps ids increasing after the newest record is removed.
func TestStore_idsNeverReused(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id1, err := s.Enqueue(ctx, record("a:x"))
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, id1))

		id2, err := s.Enqueue(ctx, record("a:y"))
		require.NoError(t, err)
		assert.Greater(t, id2, id1)
	})
}

// TestStore_ListAllReturnsCopies isolates callers from stored state.
func TestStore_ListAllReturnsCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Enqueue(ctx, record("a:x"))
		require.NoError(t, err)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		all[0].Headers[0].Value = "mutated"
		all[0].Attempts = 99

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "application/json", got.Headers[0].Value)
		assert.Equal(t, 0, got.Attempts)
	})
}

// TestStore_DeadLetter moves a record atomically out of the queue.
func TestStore_DeadLetter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Enqueue(ctx, record("payroll:run"))
		require.NoError(t, err)
		require.NoError(t, s.Patch(ctx, id, models.RecordPatch{Attempts: 3, LastError: "HTTP 422"}))

		require.NoError(t, s.DeadLetter(ctx, id, "rejected 3 times"))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		dls, err := s.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, id, dls[0].ID)
		assert.Equal(t, 3, dls[0].Attempts)
		assert.Equal(t, "HTTP 422", dls[0].LastError)
		assert.Equal(t, "rejected 3 times", dls[0].Reason)
		assert.NotZero(t, dls[0].DeadAt)

		assert.True(t, apperrors.Is(s.DeadLetter(ctx, id, "again"), apperrors.ErrNotFound))

		require.NoError(t, s.RemoveDeadLetter(ctx, id))
		assert.True(t, apperrors.Is(s.RemoveDeadLetter(ctx, id), apperrors.ErrNotFound))
	})
}

// TestStore_Requeue moves a dead letter back under a new id in one step.
func TestStore_Requeue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Enqueue(ctx, record("payroll:run"))
		require.NoError(t, err)
		require.NoError(t, s.Patch(ctx, id, models.RecordPatch{Attempts: 3, LastError: "HTTP 422"}))
		require.NoError(t, s.DeadLetter(ctx, id, "rejected 3 times"))
		later, err := s.Enqueue(ctx, record("leave:create"))
		require.NoError(t, err)

		rec, err := s.Requeue(ctx, id, 1700000000)
		require.NoError(t, err)
		assert.Greater(t, rec.ID, later)
		assert.Equal(t, "payroll:run", rec.Tag)
		assert.Equal(t, []byte(`{"name":"A"}`), rec.BodyPayload)
		assert.Equal(t, 0, rec.Attempts)
		assert.Empty(t, rec.LastError)
		assert.Equal(t, int64(1700000000), rec.CreatedAt)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		dls, err := s.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)

		_, err = s.Requeue(ctx, id, 0)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

// TestStore_concurrentEnqueue issues unique ids under contention.
func TestStore_concurrentEnqueue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		ids := make(chan int64, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := s.Enqueue(ctx, record("a:x"))
				assert.NoError(t, err)
				ids <- id
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[int64]bool)
		for id := range ids {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}
		assert.Len(t, seen, 20)
	})
}

// TestMemoryStore_full enforces the optional capacity.
func TestMemoryStore_full(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, record("a:x"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, record("a:y"))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, record("a:z"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStore))
}

// A requeue that does not fit leaves the dead letter in place.
func TestMemoryStore_requeueWhenFull(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, record("a:x"))
	require.NoError(t, err)
	require.NoError(t, s.DeadLetter(ctx, id, "rejected"))
	_, err = s.Enqueue(ctx, record("a:y"))
	require.NoError(t, err)

	_, err = s.Requeue(ctx, id, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrStore))

	dls, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].ID)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestSQLiteStore_survivesRestart reopens the database and finds the same records.
func TestSQLiteStore_survivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, closeFn := newSQLiteStore(t, dir)
	id1, err := s.Enqueue(ctx, record("employees:create"))
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, record("payroll:run"))
	require.NoError(t, err)
	require.NoError(t, s.Patch(ctx, id2, models.RecordPatch{Attempts: 2, LastError: "HTTP 503"}))
	closeFn()

	s, closeFn = newSQLiteStore(t, dir)
	defer closeFn()

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, id1, all[0].ID)
	assert.Equal(t, id2, all[1].ID)
	assert.Equal(t, 2, all[1].Attempts)
	assert.Equal(t, "HTTP 503", all[1].LastError)

	id3, err := s.Enqueue(ctx, record("leave:approve"))
	require.NoError(t, err)
	assert.Greater(t, id3, id2)
}

// TestSQLiteStore_emptyBody stores a nil payload for body kind none.
func TestSQLiteStore_emptyBody(t *testing.T) {
	s, closeFn := newSQLiteStore(t, t.TempDir())
	defer closeFn()
	ctx := context.Background()

	id, err := s.Enqueue(ctx, &models.QueueRecord{
		Target:   "/api/employees/7",
		Method:   "DELETE",
		BodyKind: models.BodyNone,
		Tag:      "employees:delete",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.BodyPayload)
	assert.Empty(t, got.Headers)
	assert.Equal(t, models.BodyNone, got.BodyKind)
}
