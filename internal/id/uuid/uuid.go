// Package uuid mints the identifiers used across the rotator.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces UUIDv7 ids for runs, requests and sessions. The
// timestamp prefix keeps them sortable by creation time.
type Generator struct{}

// NewUUIDGenerator returns a ready Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a v7 id in string form.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRawID returns a v7 id for callers that keep the binary form.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
