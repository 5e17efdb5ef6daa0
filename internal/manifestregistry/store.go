package manifestregistry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a manifest record is not found by name.
var ErrNotFound = errors.New("manifest not found")

// Store defines the persistence layer for manifest registry records.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveManifest stores or updates a record. If a record with the same
	// name already exists, it is replaced.
	SaveManifest(ctx context.Context, record *Record) error

	// GetManifest retrieves a record by name. Returns ErrNotFound if no
	// record with that name exists.
	GetManifest(ctx context.Context, name string) (*Record, error)

	// ListManifests returns all records, ordered by name.
	ListManifests(ctx context.Context) ([]*Record, error)

	// DeleteManifest removes a record by name. Returns ErrNotFound if no
	// record with that name exists.
	DeleteManifest(ctx context.Context, name string) error
}
