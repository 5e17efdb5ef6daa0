// Package memory implements queue.Repository entirely in-process, for
// tests and local development. It reproduces the same linearization
// guarantees the postgres backend gets from row locks by serializing all
// access behind a single mutex — there is exactly one writer at a time,
// which is a stricter (but behaviorally compatible) substitute for
// SELECT ... FOR UPDATE SKIP LOCKED.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// Store is an in-memory queue.Repository.
type Store struct {
	mu sync.Mutex

	jobs         map[uuid.UUID]*queue.Job
	events       map[uuid.UUID][]*queue.JobEvent
	artifacts    map[uuid.UUID][]*queue.JobArtifact
	workerTokens map[uuid.UUID]*queue.WorkerToken
	liveSessions map[uuid.UUID]*queue.TaskRunLiveSession
	controlEvts  []*queue.TaskRunControlEvent
	pauseState   *queue.SystemWorkerPauseState
	systemEvts   []*queue.SystemControlEvent
}

// New constructs an empty in-memory store with the pause-state singleton
// initialized to its default (unpaused) value.
func New() *Store {
	return &Store{
		jobs:         map[uuid.UUID]*queue.Job{},
		events:       map[uuid.UUID][]*queue.JobEvent{},
		artifacts:    map[uuid.UUID][]*queue.JobArtifact{},
		workerTokens: map[uuid.UUID]*queue.WorkerToken{},
		liveSessions: map[uuid.UUID]*queue.TaskRunLiveSession{},
		pauseState:   &queue.SystemWorkerPauseState{Version: 0},
	}
}

var _ queue.Repository = (*Store)(nil)

func cloneJob(j *queue.Job) *queue.Job {
	c := *j
	return &c
}

func (s *Store) CreateJob(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, queueerr.NotFound("job_not_found", "job %s not found", id)
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, filter queue.ListJobsFilter) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, j := range s.jobs {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && j.Type != *filter.Type {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID.String() < out[k].ID.String()
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
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

func jobPayloadField(job *queue.Job, key string) (any, bool) {
	var m map[string]any
	if err := jsonUnmarshal(job.Payload, &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// NormalizeExpiredLeases implements the claim-time lease-expiry
// normalization rule from SPEC_FULL.md §4.1, also callable independently
// by the maintenance scheduler.
func (s *Store) NormalizeExpiredLeases(_ context.Context, defaultRetryDelay time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalizeExpiredLeasesLocked(defaultRetryDelay)
}

func (s *Store) normalizeExpiredLeasesLocked(defaultRetryDelay time.Duration) (int, error) {
	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.Status != queue.StatusRunning || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		n++
		if j.CancelRequestedAt != nil {
			j.Status = queue.StatusCancelled
			j.FinishedAt = &now
		} else if j.Attempt >= j.MaxAttempts {
			j.Status = queue.StatusDeadLetter
			j.FinishedAt = &now
			if j.ErrorMessage == nil {
				msg := "lease expired without completion"
				j.ErrorMessage = &msg
			}
		} else {
			j.Status = queue.StatusQueued
			j.Attempt++
			next := now.Add(defaultRetryDelay)
			j.NextAttemptAt = &next
		}
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
		if j.Status != queue.StatusQueued {
			j.NextAttemptAt = nil
		}
		j.UpdatedAt = now
	}
	return n, nil
}

func (s *Store) ClaimNext(_ context.Context, req queue.ClaimRequest, leaseDuration, defaultRetryDelay time.Duration) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.normalizeExpiredLeasesLocked(defaultRetryDelay); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var candidates []*queue.Job
	for _, j := range s.jobs {
		if j.Status != queue.StatusQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	if len(req.AllowedTypes) > 0 {
		allowed := map[string]bool{}
		for _, t := range req.AllowedTypes {
			allowed[t] = true
		}
		filtered := candidates[:0]
		for _, j := range candidates {
			if allowed[j.Type] {
				filtered = append(filtered, j)
			}
		}
		candidates = filtered
	}

	for _, j := range candidates {
		if repo, ok := jobPayloadField(j, "repository"); ok {
			_ = repo // allowed_repositories is enforced by the service layer's policy, not the storage layer
		}
		var requiredCaps []string
		if v, ok := jobPayloadField(j, "requiredCapabilities"); ok {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						requiredCaps = append(requiredCaps, s)
					}
				}
			}
		}
		if len(requiredCaps) == 0 {
			continue // deny-by-default
		}
		if !capsSubset(requiredCaps, req.WorkerCapabilities) {
			continue
		}
		j.Status = queue.StatusRunning
		j.ClaimedBy = &req.WorkerID
		lease := now.Add(leaseDuration)
		j.LeaseExpiresAt = &lease
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.UpdatedAt = now
		return cloneJob(j), nil
	}
	return nil, nil
}

func (s *Store) requireRunningOwned(jobID uuid.UUID, workerID string) (*queue.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, queueerr.NotFound("job_not_found", "job %s not found", jobID)
	}
	if j.Status != queue.StatusRunning {
		return nil, queueerr.State("job_state_conflict", "job %s is not running", jobID)
	}
	if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, queueerr.Ownership("job %s is not claimed by worker %s", jobID, workerID)
	}
	return j, nil
}

func (s *Store) Heartbeat(_ context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.requireRunningOwned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	lease := now.Add(leaseDuration)
	j.LeaseExpiresAt = &lease
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *Store) CompleteJob(_ context.Context, jobID uuid.UUID, workerID string, resultSummary *string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.requireRunningOwned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.Status = queue.StatusSucceeded
	j.ResultSummary = resultSummary
	j.ClaimedBy = nil
	j.LeaseExpiresAt = nil
	j.NextAttemptAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *Store) FailJob(_ context.Context, jobID uuid.UUID, workerID, errMessage string, retryable bool, nextAttemptDelay time.Duration) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.requireRunningOwned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.ErrorMessage = &errMessage
	j.UpdatedAt = now

	if j.CancelRequestedAt != nil {
		j.Status = queue.StatusCancelled
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
		j.NextAttemptAt = nil
		j.FinishedAt = &now
		return cloneJob(j), nil
	}

	if retryable && j.Attempt < j.MaxAttempts {
		j.Status = queue.StatusQueued
		j.Attempt++
		next := now.Add(nextAttemptDelay)
		j.NextAttemptAt = &next
		j.ClaimedBy = nil
		j.LeaseExpiresAt = nil
		return cloneJob(j), nil
	}

	j.ClaimedBy = nil
	j.LeaseExpiresAt = nil
	j.NextAttemptAt = nil
	j.FinishedAt = &now
	if retryable {
		j.Status = queue.StatusDeadLetter
	} else {
		j.Status = queue.StatusFailed
	}
	return cloneJob(j), nil
}

func (s *Store) RequestCancel(_ context.Context, jobID uuid.UUID, actorUserID, reason *string) (*queue.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, "", queueerr.NotFound("job_not_found", "job %s not found", jobID)
	}
	now := time.Now().UTC()
	switch j.Status {
	case queue.StatusQueued:
		j.Status = queue.StatusCancelled
		j.CancelRequestedAt = &now
		j.CancelRequestedByUserID = actorUserID
		j.CancelReason = reason
		j.FinishedAt = &now
		j.UpdatedAt = now
		return cloneJob(j), "cancelled", nil
	case queue.StatusRunning:
		if j.CancelRequestedAt != nil {
			return cloneJob(j), "noop_running_requested", nil
		}
		j.CancelRequestedAt = &now
		j.CancelRequestedByUserID = actorUserID
		j.CancelReason = reason
		j.UpdatedAt = now
		return cloneJob(j), "requested", nil
	case queue.StatusCancelled:
		return cloneJob(j), "noop_cancelled", nil
	default:
		return nil, "", queueerr.State("job_state_conflict", "job %s is in terminal state %s", jobID, j.Status)
	}
}

func (s *Store) AckCancel(_ context.Context, jobID uuid.UUID, workerID string) (*queue.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, "", queueerr.NotFound("job_not_found", "job %s not found", jobID)
	}
	if j.Status == queue.StatusCancelled {
		return cloneJob(j), "noop_cancelled", nil
	}
	if j.Status != queue.StatusRunning {
		return nil, "", queueerr.State("job_state_conflict", "job %s is not running", jobID)
	}
	if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, "", queueerr.Ownership("job %s is not claimed by worker %s", jobID, workerID)
	}
	now := time.Now().UTC()
	j.Status = queue.StatusCancelled
	j.ClaimedBy = nil
	j.LeaseExpiresAt = nil
	j.NextAttemptAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), "cancelled", nil
}

func (s *Store) AppendEvent(_ context.Context, event *queue.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return nil
}

func (s *Store) ListEvents(_ context.Context, jobID uuid.UUID, cursor queue.EventCursor, limit int) ([]*queue.JobEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]*queue.JobEvent(nil), s.events[jobID]...)
	sort.Slice(all, func(i, k int) bool {
		if all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].ID.String() < all[k].ID.String()
		}
		return all[i].CreatedAt.Before(all[k].CreatedAt)
	})
	var filtered []*queue.JobEvent
	for _, e := range all {
		if cursor.After != nil {
			if e.CreatedAt.Before(*cursor.After) {
				continue
			}
			if e.CreatedAt.Equal(*cursor.After) && cursor.AfterEventID != nil && e.ID.String() <= cursor.AfterEventID.String() {
				continue
			}
		}
		filtered = append(filtered, e)
	}
	truncated := false
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
		truncated = true
	}
	return filtered, truncated, nil
}

func (s *Store) CreateArtifact(_ context.Context, artifact *queue.JobArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	artifact.CreatedAt = time.Now().UTC()
	s.artifacts[artifact.JobID] = append(s.artifacts[artifact.JobID], artifact)
	return nil
}

func (s *Store) ListArtifacts(_ context.Context, jobID uuid.UUID, limit int) ([]*queue.JobArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]*queue.JobArtifact(nil), s.artifacts[jobID]...)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) GetArtifact(_ context.Context, jobID, artifactID uuid.UUID) (*queue.JobArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.artifacts[jobID] {
		if a.ID == artifactID {
			return a, nil
		}
	}
	return nil, queueerr.NotFound("artifact_not_found", "artifact %s not found", artifactID)
}

func (s *Store) CreateWorkerToken(_ context.Context, token *queue.WorkerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().UTC()
	token.CreatedAt, token.UpdatedAt = now, now
	s.workerTokens[token.ID] = token
	return nil
}

func (s *Store) GetWorkerToken(_ context.Context, id uuid.UUID) (*queue.WorkerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.workerTokens[id]
	if !ok {
		return nil, queueerr.NotFound("worker_token_not_found", "worker token %s not found", id)
	}
	return t, nil
}

func (s *Store) GetWorkerTokenByHash(_ context.Context, tokenHash string) (*queue.WorkerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.workerTokens {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return nil, queueerr.NotFound("worker_token_not_found", "worker token not found")
}

func (s *Store) ListWorkerTokens(_ context.Context, workerID *string) ([]*queue.WorkerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.WorkerToken
	for _, t := range s.workerTokens {
		if workerID != nil && t.WorkerID != *workerID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) RevokeWorkerToken(_ context.Context, id uuid.UUID) (*queue.WorkerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.workerTokens[id]
	if !ok {
		return nil, queueerr.NotFound("worker_token_not_found", "worker token %s not found", id)
	}
	t.IsActive = false
	t.UpdatedAt = time.Now().UTC()
	return t, nil
}

func (s *Store) GetLiveSession(_ context.Context, taskRunID uuid.UUID) (*queue.TaskRunLiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveSessions[taskRunID]
	if !ok {
		return nil, queueerr.NotFound("live_session_not_found", "live session for task run %s not found", taskRunID)
	}
	c := *sess
	return &c, nil
}

func (s *Store) UpsertLiveSession(_ context.Context, session *queue.TaskRunLiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	now := time.Now().UTC()
	if existing, ok := s.liveSessions[session.TaskRunID]; ok {
		session.CreatedAt = existing.CreatedAt
	} else {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	c := *session
	s.liveSessions[session.TaskRunID] = &c
	return nil
}

func (s *Store) AppendControlEvent(_ context.Context, event *queue.TaskRunControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now().UTC()
	s.controlEvts = append(s.controlEvts, event)
	return nil
}

func (s *Store) GetWorkerPauseState(_ context.Context) (*queue.SystemWorkerPauseState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.pauseState
	return &c, nil
}

func (s *Store) UpdateWorkerPauseState(_ context.Context, mutate func(*queue.SystemWorkerPauseState) error) (*queue.SystemWorkerPauseState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mutate(s.pauseState); err != nil {
		return nil, err
	}
	s.pauseState.Version++
	s.pauseState.UpdatedAt = time.Now().UTC()
	c := *s.pauseState
	return &c, nil
}

func (s *Store) AppendSystemControlEvent(_ context.Context, event *queue.SystemControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now().UTC()
	s.systemEvts = append(s.systemEvts, event)
	return nil
}

func (s *Store) ListJobsForTelemetry(_ context.Context, since time.Time, limit int) ([]*queue.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, j := range s.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	truncated := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated, nil
}

func (s *Store) ListEventsForJobs(_ context.Context, jobIDs []uuid.UUID, limit int) ([]*queue.JobEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range jobIDs {
		want[id] = true
	}
	var out []*queue.JobEvent
	for jobID, evts := range s.events {
		if !want[jobID] {
			continue
		}
		out = append(out, evts...)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	truncated := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	return out, truncated, nil
}
