package types

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionID identifies one Orchestrator invocation.
// UUIDv7 keeps audit inserts clustered by time in B-tree indexes.
type ExecutionID string

// NewExecutionID generates a UUIDv7 execution identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.Must(uuid.NewV7()).String())
}

// ParseExecutionID validates and converts a string to ExecutionID.
func ParseExecutionID(s string) (ExecutionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return ExecutionID(s), nil
}

// ExecutionIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func ExecutionIDTime(id ExecutionID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
