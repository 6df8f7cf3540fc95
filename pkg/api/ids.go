package api

import "github.com/google/uuid"

// NewID returns a new time-ordered identifier (UUIDv7). Ids sort by
// creation time, which keeps database indexes append-mostly.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
