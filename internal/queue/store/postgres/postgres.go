// Package postgres implements queue.Repository over PostgreSQL using
// pgx/v5 directly (no ORM), with SELECT ... FOR UPDATE SKIP LOCKED batched
// claim scanning and conditional UPDATE-based claim commitment, matching
// the row-lock semantics SPEC_FULL.md §4.1/§5 require.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

const claimBatchSize = 200

// Store is a PostgreSQL-backed queue.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ queue.Repository = (*Store)(nil)

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		job.CreatedAt, job.UpdatedAt = now, now
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (
				id, type, status, priority, payload, created_by_user_id,
				requested_by_user_id, affinity_key, attempt, max_attempts,
				artifacts_path, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			job.ID, job.Type, job.Status, job.Priority, job.Payload,
			job.CreatedByUserID, job.RequestedByUserID, job.AffinityKey,
			job.Attempt, job.MaxAttempts, job.ArtifactsPath, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert job: %w", err)
		}
		return nil
	})
}

const jobColumns = `id, type, status, priority, payload, created_by_user_id,
	requested_by_user_id, affinity_key, claimed_by, lease_expires_at,
	next_attempt_at, attempt, max_attempts, result_summary, error_message,
	cancel_requested_at, cancel_requested_by_user_id, cancel_reason,
	artifacts_path, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var j queue.Job
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload, &j.CreatedByUserID,
		&j.RequestedByUserID, &j.AffinityKey, &j.ClaimedBy, &j.LeaseExpiresAt,
		&j.NextAttemptAt, &j.Attempt, &j.MaxAttempts, &j.ResultSummary, &j.ErrorMessage,
		&j.CancelRequestedAt, &j.CancelRequestedByUserID, &j.CancelReason,
		&j.ArtifactsPath, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("job_not_found", "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, filter queue.ListJobsFilter) ([]*queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1::text IS NULL OR status = $1) AND ($2::text IS NULL OR type = $2) ORDER BY created_at ASC, id ASC LIMIT $3`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, query, filter.Status, filter.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()
	var out []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// NormalizeExpiredLeases transitions expired RUNNING jobs per
// SPEC_FULL.md §4.1, under row lock, in its own transaction.
func (s *Store) NormalizeExpiredLeases(ctx context.Context, defaultRetryDelay time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		n, err = normalizeExpiredLeasesTx(ctx, tx, defaultRetryDelay)
		return err
	})
	return n, err
}

func normalizeExpiredLeasesTx(ctx context.Context, tx pgx.Tx, defaultRetryDelay time.Duration) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, attempt, max_attempts, cancel_requested_at, error_message
		FROM jobs
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("postgres: scan expired leases: %w", err)
	}
	type expired struct {
		id                uuid.UUID
		attempt, max      int32
		cancelRequested   bool
		hasError          bool
	}
	var list []expired
	for rows.Next() {
		var e expired
		var cancelAt *time.Time
		var errMsg *string
		if err := rows.Scan(&e.id, &e.attempt, &e.max, &cancelAt, &errMsg); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: scan expired lease row: %w", err)
		}
		e.cancelRequested = cancelAt != nil
		e.hasError = errMsg != nil
		list = append(list, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, e := range list {
		switch {
		case e.cancelRequested:
			_, err = tx.Exec(ctx, `UPDATE jobs SET status='cancelled', claimed_by=NULL, lease_expires_at=NULL,
				next_attempt_at=NULL, finished_at=$2, updated_at=$2 WHERE id=$1`, e.id, now)
		case e.attempt >= e.max:
			if e.hasError {
				_, err = tx.Exec(ctx, `UPDATE jobs SET status='dead_letter', claimed_by=NULL, lease_expires_at=NULL,
					next_attempt_at=NULL, finished_at=$2, updated_at=$2 WHERE id=$1`, e.id, now)
			} else {
				_, err = tx.Exec(ctx, `UPDATE jobs SET status='dead_letter', claimed_by=NULL, lease_expires_at=NULL,
					next_attempt_at=NULL, finished_at=$2, updated_at=$2,
					error_message='lease expired without completion' WHERE id=$1`, e.id, now)
			}
		default:
			next := now.Add(defaultRetryDelay)
			_, err = tx.Exec(ctx, `UPDATE jobs SET status='queued', claimed_by=NULL, lease_expires_at=NULL,
				attempt=attempt+1, next_attempt_at=$2, updated_at=$3 WHERE id=$1`, e.id, next, now)
		}
		if err != nil {
			return 0, fmt.Errorf("postgres: normalize expired lease %s: %w", e.id, err)
		}
	}
	return len(list), nil
}

func capsSubset(required, advertised []string) bool {
	have := map[string]bool{}
	for _, c := range advertised {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// ClaimNext implements the claim-selection algorithm from SPEC_FULL.md
// §4.1: normalize expired leases, then scan QUEUED rows in batches of 200
// ordered by (priority DESC, created_at ASC, id ASC) under SKIP LOCKED,
// testing worker eligibility client-side (capability containment is not
// expressible as a simple indexable predicate since advertised capability
// sets are arbitrary), and commit the winner via a conditional UPDATE that
// re-validates status=queued.
func (s *Store) ClaimNext(ctx context.Context, req queue.ClaimRequest, leaseDuration, defaultRetryDelay time.Duration) (*queue.Job, error) {
	var won *queue.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := normalizeExpiredLeasesTx(ctx, tx, defaultRetryDelay); err != nil {
			return err
		}

		var cursorPriority *int32
		var cursorCreatedAt *time.Time
		var cursorID *uuid.UUID

		for {
			query := `SELECT ` + jobColumns + ` FROM jobs
				WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= now())`
			args := []any{}
			argn := 1
			if cursorPriority != nil {
				query += fmt.Sprintf(` AND (priority, created_at, id) < ($%d, $%d, $%d)`, argn, argn+1, argn+2)
				args = append(args, *cursorPriority, *cursorCreatedAt, *cursorID)
				argn += 3
			}
			if len(req.AllowedTypes) > 0 {
				query += fmt.Sprintf(` AND type = ANY($%d)`, argn)
				args = append(args, req.AllowedTypes)
				argn++
			}
			query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC, id ASC LIMIT %d FOR UPDATE SKIP LOCKED`, claimBatchSize)

			rows, err := tx.Query(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("postgres: claim scan: %w", err)
			}
			var batch []*queue.Job
			for rows.Next() {
				j, err := scanJob(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("postgres: scan claim candidate: %w", err)
				}
				batch = append(batch, j)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}

			for _, j := range batch {
				var payload struct {
					Repository           string   `json:"repository"`
					RequiredCapabilities []string `json:"requiredCapabilities"`
				}
				_ = json.Unmarshal(j.Payload, &payload)
				if len(payload.RequiredCapabilities) == 0 {
					continue
				}
				if !capsSubset(payload.RequiredCapabilities, req.WorkerCapabilities) {
					continue
				}
				now := time.Now().UTC()
				lease := now.Add(leaseDuration)
				tag, err := tx.Exec(ctx, `UPDATE jobs SET status='running', claimed_by=$2, lease_expires_at=$3,
					started_at=COALESCE(started_at,$4), updated_at=$4
					WHERE id=$1 AND status='queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $4)`,
					j.ID, req.WorkerID, lease, now)
				if err != nil {
					return fmt.Errorf("postgres: conditional claim update: %w", err)
				}
				if tag.RowsAffected() == 1 {
					j.Status = queue.StatusRunning
					j.ClaimedBy = &req.WorkerID
					j.LeaseExpiresAt = &lease
					if j.StartedAt == nil {
						j.StartedAt = &now
					}
					j.UpdatedAt = now
					won = j
					return nil
				}
				// Lost the race to another claimer; continue to the next candidate.
			}

			last := batch[len(batch)-1]
			cursorPriority, cursorCreatedAt, cursorID = &last.Priority, &last.CreatedAt, &last.ID
			if len(batch) < claimBatchSize {
				return nil
			}
		}
	})
	return won, err
}

func (s *Store) requireRunningOwned(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, workerID string) (*queue.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("job_not_found", "job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock job: %w", err)
	}
	if j.Status != queue.StatusRunning {
		return nil, queueerr.State("job_state_conflict", "job %s is not running", jobID)
	}
	if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, queueerr.Ownership("job %s is not claimed by worker %s", jobID, workerID)
	}
	return j, nil
}

func (s *Store) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) (*queue.Job, error) {
	var out *queue.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := s.requireRunningOwned(ctx, tx, jobID, workerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		lease := now.Add(leaseDuration)
		if _, err := tx.Exec(ctx, `UPDATE jobs SET lease_expires_at=$2, updated_at=$2 WHERE id=$1`, jobID, now); err != nil {
			return fmt.Errorf("postgres: heartbeat: %w", err)
		}
		j.LeaseExpiresAt = &lease
		j.UpdatedAt = now
		out = j
		return nil
	})
	return out, err
}

func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID, workerID string, resultSummary *string) (*queue.Job, error) {
	var out *queue.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := s.requireRunningOwned(ctx, tx, jobID, workerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status='succeeded', claimed_by=NULL, lease_expires_at=NULL,
			next_attempt_at=NULL, result_summary=$2, finished_at=$3, updated_at=$3 WHERE id=$1`,
			jobID, resultSummary, now); err != nil {
			return fmt.Errorf("postgres: complete job: %w", err)
		}
		j.Status = queue.StatusSucceeded
		j.ResultSummary = resultSummary
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
		j.NextAttemptAt = nil
		j.FinishedAt = &now
		j.UpdatedAt = now
		out = j
		return nil
	})
	return out, err
}

func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, workerID, errMessage string, retryable bool, nextAttemptDelay time.Duration) (*queue.Job, error) {
	var out *queue.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := s.requireRunningOwned(ctx, tx, jobID, workerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if j.CancelRequestedAt != nil {
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status='cancelled', claimed_by=NULL, lease_expires_at=NULL,
				next_attempt_at=NULL, error_message=$2, finished_at=$3, updated_at=$3 WHERE id=$1`,
				jobID, errMessage, now); err != nil {
				return fmt.Errorf("postgres: fail job (cancel short-circuit): %w", err)
			}
			j.Status = queue.StatusCancelled
			j.ErrorMessage = &errMessage
			j.ClaimedBy, j.LeaseExpiresAt, j.NextAttemptAt = nil, nil, nil
			j.FinishedAt = &now
			out = j
			return nil
		}

		if retryable && j.Attempt < j.MaxAttempts {
			next := now.Add(nextAttemptDelay)
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status='queued', claimed_by=NULL, lease_expires_at=NULL,
				attempt=attempt+1, next_attempt_at=$2, error_message=$3, updated_at=$4 WHERE id=$1`,
				jobID, next, errMessage, now); err != nil {
				return fmt.Errorf("postgres: fail job (retry): %w", err)
			}
			j.Status = queue.StatusQueued
			j.Attempt++
			j.NextAttemptAt = &next
			j.ClaimedBy, j.LeaseExpiresAt = nil, nil
			j.ErrorMessage = &errMessage
			j.UpdatedAt = now
			out = j
			return nil
		}

		status := queue.StatusFailed
		if retryable {
			status = queue.StatusDeadLetter
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, claimed_by=NULL, lease_expires_at=NULL,
			next_attempt_at=NULL, error_message=$3, finished_at=$4, updated_at=$4 WHERE id=$1`,
			jobID, status, errMessage, now); err != nil {
			return fmt.Errorf("postgres: fail job (terminal): %w", err)
		}
		j.Status = status
		j.ClaimedBy, j.LeaseExpiresAt, j.NextAttemptAt = nil, nil, nil
		j.ErrorMessage = &errMessage
		j.FinishedAt = &now
		j.UpdatedAt = now
		out = j
		return nil
	})
	return out, err
}

func (s *Store) RequestCancel(ctx context.Context, jobID uuid.UUID, actorUserID, reason *string) (*queue.Job, string, error) {
	var out *queue.Job
	var outcome string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return queueerr.NotFound("job_not_found", "job %s not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock job for cancel: %w", err)
		}
		now := time.Now().UTC()
		switch j.Status {
		case queue.StatusQueued:
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status='cancelled', cancel_requested_at=$2,
				cancel_requested_by_user_id=$3, cancel_reason=$4, finished_at=$2, updated_at=$2 WHERE id=$1`,
				jobID, now, actorUserID, reason); err != nil {
				return fmt.Errorf("postgres: cancel queued job: %w", err)
			}
			j.Status = queue.StatusCancelled
			j.CancelRequestedAt, j.CancelRequestedByUserID, j.CancelReason = &now, actorUserID, reason
			j.FinishedAt = &now
			out, outcome = j, "cancelled"
			return nil
		case queue.StatusRunning:
			if j.CancelRequestedAt != nil {
				out, outcome = j, "noop_running_requested"
				return nil
			}
			if _, err := tx.Exec(ctx, `UPDATE jobs SET cancel_requested_at=$2, cancel_requested_by_user_id=$3,
				cancel_reason=$4, updated_at=$2 WHERE id=$1`, jobID, now, actorUserID, reason); err != nil {
				return fmt.Errorf("postgres: request cancel running job: %w", err)
			}
			j.CancelRequestedAt, j.CancelRequestedByUserID, j.CancelReason = &now, actorUserID, reason
			out, outcome = j, "requested"
			return nil
		case queue.StatusCancelled:
			out, outcome = j, "noop_cancelled"
			return nil
		default:
			return queueerr.State("job_state_conflict", "job %s is in terminal state %s", jobID, j.Status)
		}
	})
	return out, outcome, err
}

func (s *Store) AckCancel(ctx context.Context, jobID uuid.UUID, workerID string) (*queue.Job, string, error) {
	var out *queue.Job
	var outcome string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return queueerr.NotFound("job_not_found", "job %s not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock job for ack: %w", err)
		}
		if j.Status == queue.StatusCancelled {
			out, outcome = j, "noop_cancelled"
			return nil
		}
		if j.Status != queue.StatusRunning {
			return queueerr.State("job_state_conflict", "job %s is not running", jobID)
		}
		if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
			return queueerr.Ownership("job %s is not claimed by worker %s", jobID, workerID)
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status='cancelled', claimed_by=NULL, lease_expires_at=NULL,
			next_attempt_at=NULL, finished_at=$2, updated_at=$2 WHERE id=$1`, jobID, now); err != nil {
			return fmt.Errorf("postgres: ack cancel: %w", err)
		}
		j.Status = queue.StatusCancelled
		j.ClaimedBy, j.LeaseExpiresAt, j.NextAttemptAt = nil, nil, nil
		j.FinishedAt = &now
		out, outcome = j, "cancelled"
		return nil
	})
	return out, outcome, err
}

func (s *Store) AppendEvent(ctx context.Context, event *queue.JobEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO job_events (id, job_id, level, message, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, event.ID, event.JobID, event.Level, event.Message, event.Payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID, cursor queue.EventCursor, limit int) ([]*queue.JobEvent, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_id, level, message, payload, created_at FROM job_events WHERE job_id=$1`
	args := []any{jobID}
	if cursor.After != nil {
		if cursor.AfterEventID != nil {
			query += ` AND (created_at, id) > ($2, $3)`
			args = append(args, *cursor.After, *cursor.AfterEventID)
		} else {
			query += ` AND created_at > $2`
			args = append(args, *cursor.After)
		}
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, limit+1)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()
	var out []*queue.JobEvent
	for rows.Next() {
		var e queue.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, &e)
	}
	truncated := false
	if len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated, rows.Err()
}

func (s *Store) CreateArtifact(ctx context.Context, artifact *queue.JobArtifact) error {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	artifact.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO job_artifacts (id, job_id, name, content_type, size_bytes, digest, storage_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, artifact.ID, artifact.JobID, artifact.Name, artifact.ContentType,
		artifact.SizeBytes, artifact.Digest, artifact.StoragePath, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, jobID uuid.UUID, limit int) ([]*queue.JobArtifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, name, content_type, size_bytes, digest, storage_path, created_at
		FROM job_artifacts WHERE job_id=$1 ORDER BY created_at ASC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*queue.JobArtifact
	for rows.Next() {
		var a queue.JobArtifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Name, &a.ContentType, &a.SizeBytes, &a.Digest, &a.StoragePath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) GetArtifact(ctx context.Context, jobID, artifactID uuid.UUID) (*queue.JobArtifact, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, job_id, name, content_type, size_bytes, digest, storage_path, created_at
		FROM job_artifacts WHERE job_id=$1 AND id=$2`, jobID, artifactID)
	var a queue.JobArtifact
	err := row.Scan(&a.ID, &a.JobID, &a.Name, &a.ContentType, &a.SizeBytes, &a.Digest, &a.StoragePath, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("artifact_not_found", "artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get artifact: %w", err)
	}
	return &a, nil
}

func (s *Store) CreateWorkerToken(ctx context.Context, token *queue.WorkerToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().UTC()
	token.CreatedAt, token.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `INSERT INTO worker_tokens (id, worker_id, token_hash, description,
		allowed_repositories, allowed_job_types, capabilities, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		token.ID, token.WorkerID, token.TokenHash, token.Description,
		token.AllowedRepositories, token.AllowedJobTypes, token.Capabilities, token.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("postgres: create worker token: %w", err)
	}
	return nil
}

func scanWorkerToken(row pgx.Row) (*queue.WorkerToken, error) {
	var t queue.WorkerToken
	err := row.Scan(&t.ID, &t.WorkerID, &t.TokenHash, &t.Description, &t.AllowedRepositories,
		&t.AllowedJobTypes, &t.Capabilities, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetWorkerToken(ctx context.Context, id uuid.UUID) (*queue.WorkerToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, worker_id, token_hash, description, allowed_repositories,
		allowed_job_types, capabilities, is_active, created_at, updated_at FROM worker_tokens WHERE id=$1`, id)
	t, err := scanWorkerToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("worker_token_not_found", "worker token %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get worker token: %w", err)
	}
	return t, nil
}

func (s *Store) GetWorkerTokenByHash(ctx context.Context, tokenHash string) (*queue.WorkerToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, worker_id, token_hash, description, allowed_repositories,
		allowed_job_types, capabilities, is_active, created_at, updated_at FROM worker_tokens WHERE token_hash=$1`, tokenHash)
	t, err := scanWorkerToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("worker_token_not_found", "worker token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get worker token: %w", err)
	}
	return t, nil
}

func (s *Store) ListWorkerTokens(ctx context.Context, workerID *string) ([]*queue.WorkerToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, worker_id, token_hash, description, allowed_repositories,
		allowed_job_types, capabilities, is_active, created_at, updated_at FROM worker_tokens
		WHERE $1::text IS NULL OR worker_id = $1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list worker tokens: %w", err)
	}
	defer rows.Close()
	var out []*queue.WorkerToken
	for rows.Next() {
		t, err := scanWorkerToken(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan worker token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeWorkerToken(ctx context.Context, id uuid.UUID) (*queue.WorkerToken, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `UPDATE worker_tokens SET is_active=false, updated_at=$2 WHERE id=$1
		RETURNING id, worker_id, token_hash, description, allowed_repositories, allowed_job_types,
		capabilities, is_active, created_at, updated_at`, id, now)
	t, err := scanWorkerToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("worker_token_not_found", "worker token %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: revoke worker token: %w", err)
	}
	return t, nil
}

func (s *Store) GetLiveSession(ctx context.Context, taskRunID uuid.UUID) (*queue.TaskRunLiveSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, task_run_id, provider, status, ready_at, ended_at, expires_at,
		rw_granted_until, worker_id, worker_hostname, attach_ro, attach_rw, web_ro, web_rw,
		last_heartbeat_at, error_message, created_at, updated_at FROM task_run_live_sessions WHERE task_run_id=$1`, taskRunID)
	var sess queue.TaskRunLiveSession
	err := row.Scan(&sess.ID, &sess.TaskRunID, &sess.Provider, &sess.Status, &sess.ReadyAt, &sess.EndedAt,
		&sess.ExpiresAt, &sess.RWGrantedUntil, &sess.WorkerID, &sess.WorkerHostname, &sess.AttachRO,
		&sess.AttachRW, &sess.WebRO, &sess.WebRW, &sess.LastHeartbeatAt, &sess.ErrorMessage, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("live_session_not_found", "live session for task run %s not found", taskRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get live session: %w", err)
	}
	return &sess, nil
}

func (s *Store) UpsertLiveSession(ctx context.Context, session *queue.TaskRunLiveSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	now := time.Now().UTC()
	session.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_run_live_sessions (id, task_run_id, provider, status, ready_at, ended_at, expires_at,
			rw_granted_until, worker_id, worker_hostname, attach_ro, attach_rw, web_ro, web_rw,
			last_heartbeat_at, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
		ON CONFLICT (task_run_id) DO UPDATE SET
			provider=EXCLUDED.provider, status=EXCLUDED.status, ready_at=EXCLUDED.ready_at,
			ended_at=EXCLUDED.ended_at, expires_at=EXCLUDED.expires_at, rw_granted_until=EXCLUDED.rw_granted_until,
			worker_id=EXCLUDED.worker_id, worker_hostname=EXCLUDED.worker_hostname, attach_ro=EXCLUDED.attach_ro,
			attach_rw=EXCLUDED.attach_rw, web_ro=EXCLUDED.web_ro, web_rw=EXCLUDED.web_rw,
			last_heartbeat_at=EXCLUDED.last_heartbeat_at, error_message=EXCLUDED.error_message, updated_at=EXCLUDED.updated_at`,
		session.ID, session.TaskRunID, session.Provider, session.Status, session.ReadyAt, session.EndedAt,
		session.ExpiresAt, session.RWGrantedUntil, session.WorkerID, session.WorkerHostname, session.AttachRO,
		session.AttachRW, session.WebRO, session.WebRW, session.LastHeartbeatAt, session.ErrorMessage, now)
	if err != nil {
		return fmt.Errorf("postgres: upsert live session: %w", err)
	}
	return nil
}

func (s *Store) AppendControlEvent(ctx context.Context, event *queue.TaskRunControlEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO task_run_control_events (id, task_run_id, actor_user_id, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, event.ID, event.TaskRunID, event.ActorUserID, event.Action, event.Detail, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append control event: %w", err)
	}
	return nil
}

func (s *Store) GetWorkerPauseState(ctx context.Context) (*queue.SystemWorkerPauseState, error) {
	row := s.pool.QueryRow(ctx, `SELECT paused, mode, reason, version, requested_by_user_id, requested_at, updated_at
		FROM system_worker_pause_state WHERE id=1`)
	var st queue.SystemWorkerPauseState
	if err := row.Scan(&st.Paused, &st.Mode, &st.Reason, &st.Version, &st.RequestedByUserID, &st.RequestedAt, &st.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: get pause state: %w", err)
	}
	return &st, nil
}

// UpdateWorkerPauseState reads the singleton row FOR UPDATE, applies
// mutate, increments version, and writes it back in one transaction — the
// pause state is a concurrency primitive, never mirrored in-process.
func (s *Store) UpdateWorkerPauseState(ctx context.Context, mutate func(*queue.SystemWorkerPauseState) error) (*queue.SystemWorkerPauseState, error) {
	var out *queue.SystemWorkerPauseState
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT paused, mode, reason, version, requested_by_user_id, requested_at, updated_at
			FROM system_worker_pause_state WHERE id=1 FOR UPDATE`)
		var st queue.SystemWorkerPauseState
		if err := row.Scan(&st.Paused, &st.Mode, &st.Reason, &st.Version, &st.RequestedByUserID, &st.RequestedAt, &st.UpdatedAt); err != nil {
			return fmt.Errorf("postgres: lock pause state: %w", err)
		}
		if err := mutate(&st); err != nil {
			return err
		}
		st.Version++
		st.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE system_worker_pause_state SET paused=$1, mode=$2, reason=$3,
			version=$4, requested_by_user_id=$5, requested_at=$6, updated_at=$7 WHERE id=1`,
			st.Paused, st.Mode, st.Reason, st.Version, st.RequestedByUserID, st.RequestedAt, st.UpdatedAt); err != nil {
			return fmt.Errorf("postgres: write pause state: %w", err)
		}
		out = &st
		return nil
	})
	return out, err
}

func (s *Store) AppendSystemControlEvent(ctx context.Context, event *queue.SystemControlEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO system_control_events (id, actor_user_id, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)`, event.ID, event.ActorUserID, event.Action, event.Detail, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append system control event: %w", err)
	}
	return nil
}

func (s *Store) ListJobsForTelemetry(ctx context.Context, since time.Time, limit int) ([]*queue.Job, bool, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE created_at >= $1
		ORDER BY created_at ASC LIMIT $2`, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: list jobs for telemetry: %w", err)
	}
	defer rows.Close()
	var out []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, false, fmt.Errorf("postgres: scan telemetry job: %w", err)
		}
		out = append(out, j)
	}
	truncated := false
	if len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated, rows.Err()
}

func (s *Store) ListEventsForJobs(ctx context.Context, jobIDs []uuid.UUID, limit int) ([]*queue.JobEvent, bool, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, level, message, payload, created_at FROM job_events
		WHERE job_id = ANY($1) ORDER BY created_at ASC LIMIT $2`, jobIDs, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: list events for jobs: %w", err)
	}
	defer rows.Close()
	var out []*queue.JobEvent
	for rows.Next() {
		var e queue.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("postgres: scan telemetry event: %w", err)
		}
		out = append(out, &e)
	}
	truncated := false
	if len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated, rows.Err()
}
