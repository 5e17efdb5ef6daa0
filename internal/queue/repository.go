package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRequest carries a worker's claim parameters.
type ClaimRequest struct {
	WorkerID              string
	LeaseSeconds          int
	AllowedTypes          []string
	WorkerCapabilities    []string
}

// ListJobsFilter filters Job listing.
type ListJobsFilter struct {
	Status *string
	Type   *string
	Limit  int
}

// EventCursor is the composite (created_at, id) pagination cursor for job
// events.
type EventCursor struct {
	After        *time.Time
	AfterEventID *uuid.UUID
}

// Repository is the transactional storage interface implemented by the
// postgres and in-memory backends. Every method that mutates state commits
// exactly once; the SKIP LOCKED claim scan and the singleton pause row's
// FOR UPDATE read are implementation details of concrete backends, not of
// this interface.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]*Job, error)

	// ClaimNext normalizes expired leases, then scans QUEUED jobs in
	// priority/created_at/id order for the first one eligible against req,
	// claiming it with a conditional UPDATE. Returns (nil, nil) if none
	// are eligible.
	ClaimNext(ctx context.Context, req ClaimRequest, leaseDuration time.Duration, defaultRetryDelay time.Duration) (*Job, error)

	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) (*Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, workerID string, resultSummary *string) (*Job, error)
	FailJob(ctx context.Context, jobID uuid.UUID, workerID string, errMessage string, retryable bool, nextAttemptDelay time.Duration) (*Job, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID, actorUserID *string, reason *string) (*Job, string, error)
	AckCancel(ctx context.Context, jobID uuid.UUID, workerID string) (*Job, string, error)

	AppendEvent(ctx context.Context, event *JobEvent) error
	ListEvents(ctx context.Context, jobID uuid.UUID, cursor EventCursor, limit int) ([]*JobEvent, bool, error)

	CreateArtifact(ctx context.Context, artifact *JobArtifact) error
	ListArtifacts(ctx context.Context, jobID uuid.UUID, limit int) ([]*JobArtifact, error)
	GetArtifact(ctx context.Context, jobID, artifactID uuid.UUID) (*JobArtifact, error)

	CreateWorkerToken(ctx context.Context, token *WorkerToken) error
	GetWorkerToken(ctx context.Context, id uuid.UUID) (*WorkerToken, error)
	GetWorkerTokenByHash(ctx context.Context, tokenHash string) (*WorkerToken, error)
	ListWorkerTokens(ctx context.Context, workerID *string) ([]*WorkerToken, error)
	RevokeWorkerToken(ctx context.Context, id uuid.UUID) (*WorkerToken, error)

	GetLiveSession(ctx context.Context, taskRunID uuid.UUID) (*TaskRunLiveSession, error)
	UpsertLiveSession(ctx context.Context, session *TaskRunLiveSession) error
	AppendControlEvent(ctx context.Context, event *TaskRunControlEvent) error

	GetWorkerPauseState(ctx context.Context) (*SystemWorkerPauseState, error)
	UpdateWorkerPauseState(ctx context.Context, mutate func(*SystemWorkerPauseState) error) (*SystemWorkerPauseState, error)
	AppendSystemControlEvent(ctx context.Context, event *SystemControlEvent) error

	// ListJobsForTelemetry and ListEventsForJobs back
	// GetMigrationTelemetry; both accept hard limits and report whether
	// the result was truncated.
	ListJobsForTelemetry(ctx context.Context, since time.Time, limit int) ([]*Job, bool, error)
	ListEventsForJobs(ctx context.Context, jobIDs []uuid.UUID, limit int) ([]*JobEvent, bool, error)

	// NormalizeExpiredLeases is also invoked independently by the
	// maintenance scheduler, outside the claim path, to bound observation
	// latency for cancel-requested jobs even when no worker is actively
	// claiming.
	NormalizeExpiredLeases(ctx context.Context, defaultRetryDelay time.Duration) (int, error)
}
