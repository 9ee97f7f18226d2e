// Package models provides data model definitions for the payrollsync outbox.
package models

import (
	"time"
	"unicode/utf8"
)

// BodyKind discriminates the shape of a queued request body.
type BodyKind string

const (
	BodyNone       BodyKind = "none"
	BodyStructured BodyKind = "structured"
	BodyText       BodyKind = "text"
	BodyMultipart  BodyKind = "multipart"
)

// Valid reports whether k is one of the four supported body kinds.
func (k BodyKind) Valid() bool {
	switch k {
	case BodyNone, BodyStructured, BodyText, BodyMultipart:
		return true
	}
	return false
}

// Header is one request header. Headers are kept as an ordered slice so
// replay sends them in the order the call site supplied them.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DefaultLastErrorLimit bounds QueueRecord.LastError in bytes.
const DefaultLastErrorLimit = 500

// QueueRecord is one durable unit of deferred work in the offline outbox.
type QueueRecord struct {
	ID          int64    `db:"id" json:"id"`
	Target      string   `db:"target" json:"target"`
	Method      string   `db:"method" json:"method"`
	Headers     []Header `db:"headers" json:"headers"`
	BodyKind    BodyKind `db:"body_kind" json:"body_kind"`
	BodyPayload []byte   `db:"body_payload" json:"body_payload,omitempty"`
	Tag         string   `db:"tag" json:"tag"`
	CreatedAt   int64    `db:"created_at" json:"created_at"`
	Attempts    int      `db:"attempts" json:"attempts"`
	LastError   string   `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueRecord.
func (QueueRecord) TableName() string {
	return "offline_queue"
}

// Module returns the business-area prefix of the record's tag.
func (r *QueueRecord) Module() string {
	return ModuleOf(r.Tag)
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *QueueRecord) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (r *QueueRecord) Clone() *QueueRecord {
	c := *r
	if r.Headers != nil {
		c.Headers = append([]Header(nil), r.Headers...)
	}
	if r.BodyPayload != nil {
		c.BodyPayload = append([]byte(nil), r.BodyPayload...)
	}
	return &c
}

// RecordPatch carries the only fields that may change after creation.
type RecordPatch struct {
	Attempts  int
	LastError string
}

// FailurePatch builds the patch applied after a failed replay of r.
func FailurePatch(r *QueueRecord, err error, limit int) RecordPatch {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return RecordPatch{
		Attempts:  r.Attempts + 1,
		LastError: TruncateError(msg, limit),
	}
}

// TruncateError shortens msg to at most limit bytes without splitting a rune.
// A non-positive limit selects DefaultLastErrorLimit.
func TruncateError(msg string, limit int) string {
	if limit <= 0 {
		limit = DefaultLastErrorLimit
	}
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// DeadLetter is a record moved out of the replay queue after exhausting
// the configured rejection budget.
type DeadLetter struct {
	QueueRecord
	Reason string `db:"reason" json:"reason"`
	DeadAt int64  `db:"dead_at" json:"dead_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "offline_dead_letters"
}

// SyncResult is the outcome of one flush pass. It is never persisted.
type SyncResult struct {
	Synced    int `json:"synced_count"`
	Remaining int `json:"remaining_count"`
}
