package warden

import (
	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// used to identify a single workflow run.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}
