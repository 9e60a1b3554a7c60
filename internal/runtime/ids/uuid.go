package ids

import "github.com/google/uuid"

// UUID produces random (version 4) UUIDs.
type UUID struct{}

// NewUUID returns a UUID generator.
func NewUUID() UUID {
	return UUID{}
}

// NewID returns a new UUID string.
func (UUID) NewID() string {
	return uuid.NewString()
}
