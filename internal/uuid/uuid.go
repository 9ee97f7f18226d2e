// Package uuid generates and checks the idempotency keys attached to
// outbox requests.
package uuid

import (
	"regexp"

	"github.com/google/uuid"
)

// IdempotencyHeader carries the key the server uses to recognize a replay
// of a request it already applied.
const IdempotencyHeader = "Idempotency-Key"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewKey returns a fresh random idempotency key.
func NewKey() string {
	return uuid.New().String()
}

// IsValid reports whether s is a UUID v4 in canonical dashed form.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
