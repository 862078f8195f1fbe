// Package uuid generates request and worker instance identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Instance returns "<prefix>-<8 hex>" naming one process launch, for
// example "discovery-0190d3a1". It falls back to a random UUID when the
// v7 clock source fails.
func (g Generator) Instance(prefix string) string {
	id, err := g.NewID()
	if err != nil {
		id = uuid.NewString()
	}
	suffix := strings.ReplaceAll(id, "-", "")[:8]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}
