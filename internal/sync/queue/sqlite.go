package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
)

// SQLiteStore persists the outbox in the offline_queue table.
// Ids come from INTEGER PRIMARY KEY AUTOINCREMENT, which never reuses an id
// even after the newest row is deleted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const recordColumns = `id, target, method, headers, body_kind, body_payload, tag, created_at, attempts, last_error`

func storeErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStore, op, err)
}

// Enqueue inserts a record and returns its id.
func (s *SQLiteStore) Enqueue(ctx context.Context, rec *models.QueueRecord) (int64, error) {
	headers := rec.Headers
	if headers == nil {
		headers = []models.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, storeErr("failed to encode headers", err)
	}

	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (target, method, headers, body_kind, body_payload, tag, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`,
		rec.Target,
		rec.Method,
		string(headersJSON),
		string(rec.BodyKind),
		rec.BodyPayload,
		rec.Tag,
		createdAt,
	)
	if err != nil {
		return 0, storeErr("failed to insert queue record", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("failed to read queue record id", err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	rec.Attempts = 0
	rec.LastError = ""
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (*models.QueueRecord, error) {
	var (
		rec         models.QueueRecord
		headersJSON string
		bodyKind    string
	)
	dest := []any{
		&rec.ID, &rec.Target, &rec.Method, &headersJSON, &bodyKind,
		&rec.BodyPayload, &rec.Tag, &rec.CreatedAt, &rec.Attempts, &rec.LastError,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headersJSON), &rec.Headers); err != nil {
		return nil, fmt.Errorf("record %d: corrupt headers: %w", rec.ID, err)
	}
	rec.BodyKind = models.BodyKind(bodyKind)
	return &rec, nil
}

// ListAll returns all pending records ordered by id.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*models.QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM offline_queue ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr("failed to list queue records", err)
	}
	defer rows.Close()

	var records []*models.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("failed to scan queue record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to list queue records", err)
	}
	return records, nil
}

// Get returns one pending record.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM offline_queue WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("failed to read queue record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// Remove deletes a pending record.
func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	return s.execOne(ctx, "failed to remove queue record", id,
		`DELETE FROM offline_queue WHERE id = ?`, id)
}

// Patch updates only attempts and last_error.
func (s *SQLiteStore) Patch(ctx context.Context, id int64, patch models.RecordPatch) error {
	return s.execOne(ctx, "failed to patch queue record", id,
		`UPDATE offline_queue SET attempts = ?, last_error = ? WHERE id = ?`,
		patch.Attempts, patch.LastError, id)
}

// Count returns the number of pending records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, storeErr("failed to count queue records", err)
	}
	return n, nil
}

// DeadLetter copies the record into offline_dead_letters and deletes it
// from offline_queue in a single transaction.
func (s *SQLiteStore) DeadLetter(ctx context.Context, id int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("failed to begin dead-letter transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO offline_dead_letters (`+recordColumns+`, reason, dead_at)
		SELECT `+recordColumns+`, ?, ? FROM offline_queue WHERE id = ?`,
		reason, time.Now().Unix(), id)
	if err != nil {
		return storeErr("failed to copy dead letter", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeErr("failed to copy dead letter", err)
	} else if n == 0 {
		return notFound(id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return storeErr("failed to remove dead letter from queue", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit dead letter", err)
	}
	return nil
}

// ListDeadLetters returns dead letters ordered by id.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+`, reason, dead_at FROM offline_dead_letters ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr("failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var reason string
		var deadAt int64
		rec, err := scanRecord(rows, &reason, &deadAt)
		if err != nil {
			return nil, storeErr("failed to scan dead letter", err)
		}
		out = append(out, &models.DeadLetter{QueueRecord: *rec, Reason: reason, DeadAt: deadAt})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to list dead letters", err)
	}
	return out, nil
}

// RemoveDeadLetter deletes a dead letter.
func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, id int64) error {
	err := s.execOne(ctx, "failed to remove dead letter", id,
		`DELETE FROM offline_dead_letters WHERE id = ?`, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return deadLetterNotFound(id)
	}
	return err
}

// Requeue copies a dead letter into offline_queue under a fresh id and
// deletes it from offline_dead_letters in a single transaction.
func (s *SQLiteStore) Requeue(ctx context.Context, id int64, createdAt int64) (*models.QueueRecord, error) {
	if createdAt <= 0 {
		createdAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("failed to begin requeue transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO offline_queue (target, method, headers, body_kind, body_payload, tag, created_at, attempts, last_error)
		SELECT target, method, headers, body_kind, body_payload, tag, ?, 0, ''
		FROM offline_dead_letters WHERE id = ?`,
		createdAt, id)
	if err != nil {
		return nil, storeErr("failed to copy dead letter", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, storeErr("failed to copy dead letter", err)
	} else if n == 0 {
		return nil, deadLetterNotFound(id)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("failed to read queue record id", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_dead_letters WHERE id = ?`, id); err != nil {
		return nil, storeErr("failed to remove requeued dead letter", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM offline_queue WHERE id = ?`, newID))
	if err != nil {
		return nil, storeErr("failed to read requeued record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("failed to commit requeue", err)
	}
	return rec, nil
}
