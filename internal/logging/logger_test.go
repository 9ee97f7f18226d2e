// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q is not JSON", line)
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization Tests
// =====================================================

func TestInit_replacesGlobal(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelDebug)
	t.Cleanup(func() { Init(&bytes.Buffer{}, LevelInfo) })

	Info("queue opened", map[string]interface{}{"records": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue opened", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, float64(3), entries[0]["records"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestGet_default(t *testing.T) {
	assert.NotNil(t, Get())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"trace", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

// =====================================================
// Level Filtering Tests
// =====================================================

func TestLogger_levelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept too", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warning", entries[0]["level"])
	assert.Equal(t, "error", entries[1]["level"])

	assert.False(t, logger.Enabled(LevelInfo))
	assert.True(t, logger.Enabled(LevelError))
}

// =====================================================
// Field Tests
// =====================================================

func TestLogger_Error_includesCause(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("patch failed", errors.New("database is locked"), map[string]interface{}{"record_id": 9})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "database is locked", entries[0]["error"])
	assert.Equal(t, float64(9), entries[0]["record_id"])
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("flush pass failed", "STORE_ERROR", errors.New("disk I/O error"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "STORE_ERROR", entries[0]["error_code"])
	assert.Equal(t, "disk I/O error", entries[0]["error"])
}

func TestLogger_mergesContexts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("merged",
		map[string]interface{}{"a": "1"},
		map[string]interface{}{"b": "2"},
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0]["a"])
	assert.Equal(t, "2", entries[0]["b"])
}
