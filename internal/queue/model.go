// Package queue implements the distributed agent-job queue core: the job
// lifecycle state machine, claim selection, retry back-off, cooperative
// cancellation, live sessions, worker tokens, and telemetry aggregation.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job type discriminators. Canonical task jobs use TypeTask; TypeCodexExec
// and TypeCodexSkill are legacy shapes lifted into the canonical task view
// on normalization; TypeManifest carries a registry-or-inline manifest run.
const (
	TypeTask        = "task"
	TypeManifest    = "manifest"
	TypeCodexExec   = "codex_exec"
	TypeCodexSkill  = "codex_skill"
)

// LegacyJobTypes is the set of job types lifted into the canonical task
// view before normalization.
var LegacyJobTypes = map[string]bool{
	TypeCodexExec:  true,
	TypeCodexSkill: true,
}

// SupportedJobTypes is every type value CreateJob will accept.
var SupportedJobTypes = map[string]bool{
	TypeTask:       true,
	TypeManifest:   true,
	TypeCodexExec:  true,
	TypeCodexSkill: true,
}

// Job status values, forming the state machine described in SPEC_FULL.md §4.1.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_letter"
)

// TerminalStatuses is the set of statuses from which no further transition
// is possible.
var TerminalStatuses = map[string]bool{
	StatusSucceeded:  true,
	StatusFailed:     true,
	StatusCancelled:  true,
	StatusDeadLetter: true,
}

// Job is the AgentJob entity. Pointer fields are nullable; Payload is
// opaque normalized JSON owned by the contract packages.
type Job struct {
	ID                      uuid.UUID       `json:"id"`
	Type                    string          `json:"type"`
	Status                  string          `json:"status"`
	Priority                int32           `json:"priority"`
	Payload                 json.RawMessage `json:"payload"`
	CreatedByUserID         *string         `json:"createdByUserId,omitempty"`
	RequestedByUserID       *string         `json:"requestedByUserId,omitempty"`
	AffinityKey             *string         `json:"affinityKey,omitempty"`
	ClaimedBy               *string         `json:"claimedBy,omitempty"`
	LeaseExpiresAt          *time.Time      `json:"leaseExpiresAt,omitempty"`
	NextAttemptAt           *time.Time      `json:"nextAttemptAt,omitempty"`
	Attempt                 int32           `json:"attempt"`
	MaxAttempts             int32           `json:"maxAttempts"`
	ResultSummary           *string         `json:"resultSummary,omitempty"`
	ErrorMessage            *string         `json:"errorMessage,omitempty"`
	CancelRequestedAt       *time.Time      `json:"cancelRequestedAt,omitempty"`
	CancelRequestedByUserID *string         `json:"cancelRequestedByUserId,omitempty"`
	CancelReason            *string         `json:"cancelReason,omitempty"`
	ArtifactsPath           string          `json:"artifactsPath"`
	StartedAt               *time.Time      `json:"startedAt,omitempty"`
	FinishedAt              *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// JobArtifact is the JobArtifact entity.
type JobArtifact struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"jobId"`
	Name        string    `json:"name"`
	ContentType *string   `json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	Digest      *string   `json:"digest,omitempty"`
	StoragePath string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// JobEvent is the JobEvent entity. CreatedAt+ID form the composite
// monotonic cursor used for stable pagination.
type JobEvent struct {
	ID        uuid.UUID       `json:"id"`
	JobID     uuid.UUID       `json:"jobId"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WorkerToken is the WorkerToken entity. TokenHash stores sha256(rawToken)
// hex-encoded with a "sha256:" prefix; the raw token is never persisted.
type WorkerToken struct {
	ID                  uuid.UUID `json:"id"`
	WorkerID             string    `json:"workerId"`
	TokenHash            string    `json:"-"`
	Description          *string   `json:"description,omitempty"`
	AllowedRepositories  *[]string `json:"allowedRepositories,omitempty"`
	AllowedJobTypes      *[]string `json:"allowedJobTypes,omitempty"`
	Capabilities         *[]string `json:"capabilities,omitempty"`
	IsActive             bool      `json:"isActive"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Live session status values.
const (
	LiveSessionDisabled = "disabled"
	LiveSessionStarting = "starting"
	LiveSessionReady    = "ready"
	LiveSessionRevoked  = "revoked"
	LiveSessionEnded    = "ended"
	LiveSessionError    = "error"
)

// TaskRunLiveSession is the TaskRunLiveSession entity.
type TaskRunLiveSession struct {
	ID              uuid.UUID  `json:"id"`
	TaskRunID       uuid.UUID  `json:"taskRunId"`
	Provider        string     `json:"provider"`
	Status          string     `json:"status"`
	ReadyAt         *time.Time `json:"readyAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	RWGrantedUntil  *time.Time `json:"rwGrantedUntil,omitempty"`
	WorkerID        *string    `json:"workerId,omitempty"`
	WorkerHostname  *string    `json:"workerHostname,omitempty"`
	AttachRO        *string    `json:"attachRo,omitempty"`
	AttachRW        *string    `json:"-"`
	WebRO           *string    `json:"webRo,omitempty"`
	WebRW           *string    `json:"-"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TaskRunControlEvent is an append-only audit row for live-session control
// actions (pause/resume/takeover/grant_rw/revoke_session/send_message).
type TaskRunControlEvent struct {
	ID          uuid.UUID       `json:"id"`
	TaskRunID   uuid.UUID       `json:"taskRunId"`
	ActorUserID *string         `json:"actorUserId,omitempty"`
	Action      string          `json:"action"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Worker pause modes.
const (
	PauseModeDrain   = "drain"
	PauseModeQuiesce = "quiesce"
)

// SystemWorkerPauseState is the singleton pause-state row (id=1). Version
// is a monotonic counter incremented on every mutation; it is a
// concurrency primitive, never mirrored in-process.
type SystemWorkerPauseState struct {
	Paused            bool       `json:"paused"`
	Mode              *string    `json:"mode,omitempty"`
	Reason            *string    `json:"reason,omitempty"`
	Version           int64      `json:"version"`
	RequestedByUserID *string    `json:"requestedByUserId,omitempty"`
	RequestedAt       *time.Time `json:"requestedAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// SystemControlEvent audits pause-state transitions.
type SystemControlEvent struct {
	ID          uuid.UUID       `json:"id"`
	ActorUserID *string         `json:"actorUserId,omitempty"`
	Action      string          `json:"action"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AuthSource discriminates how a caller's identity was established.
const (
	AuthSourceWorkerToken = "worker_token"
	AuthSourceOIDC        = "oidc"
)

// WorkerPolicy is the resolved, frozen policy carried by an authenticated
// worker token: what it is allowed to see and claim.
type WorkerPolicy struct {
	WorkerID            string
	AllowedRepositories []string
	AllowedJobTypes     []string
	Capabilities        []string
	AuthSource          string
}
