package platform

import "github.com/google/uuid"

// NewID returns a random UUID string used for workflow and row identifiers.
func NewID() string {
	return uuid.New().String()
}
