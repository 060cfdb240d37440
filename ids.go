package ossa

import "github.com/google/uuid"

// NewID returns a random UUID string used for messages, executions and
// correlation tokens.
func NewID() string {
	return uuid.NewString()
}
