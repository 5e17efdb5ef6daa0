// Package manifestregistry implements CRUD over named manifest
// definitions and submission of manifest-type queue jobs against them,
// backed by a MongoDB document store matching the teacher's own
// registry-store upsert pattern.
package manifestregistry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a named, version-tracked manifest definition: the raw YAML
// content plus the bookkeeping of its most recent submitted run.
type Record struct {
	Name              string           `json:"name"`
	Content           string           `json:"content"`
	ContentHash       string           `json:"contentHash"`
	Version           string           `json:"version"`
	LastRunJobID      *uuid.UUID       `json:"lastRunJobId,omitempty"`
	LastRunStatus     *string          `json:"lastRunStatus,omitempty"`
	LastRunStartedAt  *time.Time       `json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt *time.Time       `json:"lastRunFinishedAt,omitempty"`
	StateJSON         *json.RawMessage `json:"stateJson,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}
