package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestID uniquely identifies one logical request. IDs embed the
// creation time in milliseconds plus a random suffix; they are opaque to
// callers and never reused.
type RequestID string

// NewRequestID generates a fresh identifier.
func NewRequestID() RequestID {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return RequestID(fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), suffix))
}

// String returns the identifier text.
func (id RequestID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is unset.
func (id RequestID) IsZero() bool {
	return id == ""
}

// Timestamp recovers the embedded creation time. The second return is
// false for identifiers not produced by NewRequestID.
func (id RequestID) Timestamp() (time.Time, bool) {
	parts := strings.Split(string(id), "_")
	if len(parts) != 3 || parts[0] != "req" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}
