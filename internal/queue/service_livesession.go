package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// publishLive best-effort-publishes a compact live-session event to the
// notifier; failures are never surfaced to the caller.
func (s *Service) publishLive(ctx context.Context, taskRunID uuid.UUID, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.notifier.Publish(ctx, "moonmind:live:"+taskRunID.String(), payload)
}

func (s *Service) assertTaskRunUserAccess(ctx context.Context, taskRunID uuid.UUID, actorUserID *string) (*Job, error) {
	if actorUserID == nil {
		return nil, queueerr.JobAuthorization("authenticated user id is required")
	}
	job, err := s.repo.GetJob(ctx, taskRunID)
	if err != nil {
		return nil, err
	}
	if (job.CreatedByUserID != nil && *job.CreatedByUserID == *actorUserID) ||
		(job.RequestedByUserID != nil && *job.RequestedByUserID == *actorUserID) {
		return job, nil
	}
	return nil, queueerr.JobAuthorization("user %q is not authorized for task run %s", *actorUserID, taskRunID)
}

func (s *Service) assertLiveSessionWorkerOwnership(ctx context.Context, taskRunID uuid.UUID, workerID string, allowTerminalReport bool) error {
	job, err := s.repo.GetJob(ctx, taskRunID)
	if err != nil {
		return err
	}
	if job.Status == StatusRunning && job.ClaimedBy != nil && *job.ClaimedBy == workerID {
		return nil
	}
	if allowTerminalReport {
		live, err := s.repo.GetLiveSession(ctx, taskRunID)
		if err == nil && live.WorkerID != nil && *live.WorkerID == workerID {
			return nil
		}
	}
	return queueerr.Authorization("worker %q does not own task run %s", workerID, taskRunID)
}

func (s *Service) resolveLiveSessionProvider() (string, error) {
	provider := strings.ToLower(strings.TrimSpace(s.cfg.LiveSessionProvider))
	if provider == "" || provider == "tmate" {
		return "tmate", nil
	}
	return "", queueerr.Validation("live session provider must be one of: tmate")
}

// upsertLiveSessionField reads the current session (if any), applies
// mutate to a copy, and writes the full merged record back. UpsertLiveSession
// on both backends replaces the whole row, so partial updates (heartbeat,
// grant-write, revoke) must merge client-side rather than overwrite
// untouched fields with zero values.
func (s *Service) upsertLiveSessionField(ctx context.Context, taskRunID uuid.UUID, mutate func(*TaskRunLiveSession)) (*TaskRunLiveSession, error) {
	var sess TaskRunLiveSession
	existing, err := s.repo.GetLiveSession(ctx, taskRunID)
	switch {
	case err == nil:
		sess = *existing
	case queueerr.Is(err, queueerr.KindNotFound):
		sess = TaskRunLiveSession{TaskRunID: taskRunID}
	default:
		return nil, err
	}
	mutate(&sess)
	if err := s.repo.UpsertLiveSession(ctx, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Service) GetLiveSession(ctx context.Context, taskRunID uuid.UUID, actorUserID *string) (*TaskRunLiveSession, error) {
	if actorUserID == nil {
		if _, err := s.repo.GetJob(ctx, taskRunID); err != nil {
			return nil, err
		}
	} else if _, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID); err != nil {
		return nil, err
	}
	return s.repo.GetLiveSession(ctx, taskRunID)
}

// CreateLiveSession creates or reuses an active live session for a task
// run; an existing starting/ready session is returned unchanged.
func (s *Service) CreateLiveSession(ctx context.Context, taskRunID uuid.UUID, actorUserID *string) (*TaskRunLiveSession, error) {
	if _, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID); err != nil {
		return nil, err
	}
	if existing, err := s.repo.GetLiveSession(ctx, taskRunID); err == nil {
		if existing.Status == LiveSessionStarting || existing.Status == LiveSessionReady {
			return existing, nil
		}
	}

	provider, err := s.resolveLiveSessionProvider()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expires := now.Add(s.cfg.LiveSessionTTL)
	live, err := s.upsertLiveSessionField(ctx, taskRunID, func(sess *TaskRunLiveSession) {
		sess.Provider = provider
		sess.Status = LiveSessionStarting
		sess.ExpiresAt = &expires
	})
	if err != nil {
		return nil, err
	}
	detail, _ := json.Marshal(map[string]any{"provider": provider, "expiresAt": expires})
	_ = s.repo.AppendControlEvent(ctx, &TaskRunControlEvent{TaskRunID: taskRunID, ActorUserID: actorUserID, Action: "create_session", Detail: detail})
	eventPayload, _ := json.Marshal(map[string]any{"status": "starting", "provider": provider})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: LevelInfo, Message: "task.live_session", Payload: eventPayload})
	return live, nil
}

// ReportLiveSessionInput carries the worker-side report/update fields.
type ReportLiveSessionInput struct {
	WorkerID       string
	WorkerHostname *string
	Status         string
	Provider       *string
	AttachRO       *string
	AttachRW       *string
	WebRO          *string
	WebRW          *string
	ExpiresAt      *time.Time
	ErrorMessage   *string
}

var terminalLiveStatuses = map[string]bool{
	LiveSessionRevoked: true,
	LiveSessionEnded:   true,
	LiveSessionError:   true,
}

func (s *Service) ReportLiveSession(ctx context.Context, taskRunID uuid.UUID, in ReportLiveSessionInput) (*TaskRunLiveSession, error) {
	workerID := strings.TrimSpace(in.WorkerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	if err := s.assertLiveSessionWorkerOwnership(ctx, taskRunID, workerID, terminalLiveStatuses[in.Status]); err != nil {
		return nil, err
	}

	provider := in.Provider
	if provider == nil {
		p, err := s.resolveLiveSessionProvider()
		if err != nil {
			return nil, err
		}
		provider = &p
	}

	webRO, webRW := in.WebRO, in.WebRW
	if !s.cfg.LiveSessionAllowWeb {
		webRO, webRW = nil, nil
	}

	now := time.Now().UTC()
	live, err := s.upsertLiveSessionField(ctx, taskRunID, func(sess *TaskRunLiveSession) {
		sess.Provider = *provider
		sess.Status = in.Status
		sess.WorkerID = &workerID
		sess.WorkerHostname = in.WorkerHostname
		sess.AttachRO = in.AttachRO
		sess.AttachRW = in.AttachRW
		sess.WebRO = webRO
		sess.WebRW = webRW
		sess.ExpiresAt = in.ExpiresAt
		sess.LastHeartbeatAt = &now
		sess.ErrorMessage = in.ErrorMessage
	})
	if err != nil {
		return nil, err
	}

	level := LevelInfo
	if in.Status == LiveSessionError {
		level = LevelError
	}
	payload, _ := json.Marshal(map[string]any{
		"status":   in.Status,
		"provider": live.Provider,
		"workerId": workerID,
		"attachRo": live.AttachRO != nil,
		"attachRw": live.AttachRW != nil,
		"webRo":    live.WebRO != nil,
		"webRw":    live.WebRW != nil,
		"error":    live.ErrorMessage,
	})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: level, Message: "task.live_session.reported", Payload: payload})
	return live, nil
}

func (s *Service) HeartbeatLiveSession(ctx context.Context, taskRunID uuid.UUID, workerID string) (*TaskRunLiveSession, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	if err := s.assertLiveSessionWorkerOwnership(ctx, taskRunID, workerID, false); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetLiveSession(ctx, taskRunID); err != nil {
		return nil, queueerr.NotFound("live_session_not_found", "live session is not enabled for this task")
	}
	now := time.Now().UTC()
	return s.upsertLiveSessionField(ctx, taskRunID, func(sess *TaskRunLiveSession) {
		sess.WorkerID = &workerID
		sess.LastHeartbeatAt = &now
	})
}

// LiveSessionWriteGrant is the RW reveal response.
type LiveSessionWriteGrant struct {
	Session      *TaskRunLiveSession
	AttachRW     string
	WebRW        *string
	GrantedUntil time.Time
}

func (s *Service) GrantLiveSessionWrite(ctx context.Context, taskRunID uuid.UUID, actorUserID *string, ttlMinutes *int) (*LiveSessionWriteGrant, error) {
	if _, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID); err != nil {
		return nil, err
	}
	live, err := s.repo.GetLiveSession(ctx, taskRunID)
	if err != nil {
		return nil, queueerr.NotFound("live_session_not_found", "live session is not enabled for this task")
	}
	if live.Status != LiveSessionReady {
		return nil, queueerr.State("live_session_not_ready", "live session is not ready")
	}
	if live.AttachRW == nil || strings.TrimSpace(*live.AttachRW) == "" {
		return nil, queueerr.State("live_session_no_rw_endpoint", "live session does not currently have an RW endpoint")
	}

	now := time.Now().UTC()
	requested := s.cfg.LiveSessionRWGrant
	if ttlMinutes != nil {
		requested = time.Duration(*ttlMinutes) * time.Minute
	}
	if requested < time.Minute {
		requested = time.Minute
	}
	if requested > 240*time.Minute {
		requested = 240 * time.Minute
	}
	grantedUntil := now.Add(requested)

	updated, err := s.upsertLiveSessionField(ctx, taskRunID, func(sess *TaskRunLiveSession) {
		sess.RWGrantedUntil = &grantedUntil
		sess.LastHeartbeatAt = &now
	})
	if err != nil {
		return nil, err
	}
	detail, _ := json.Marshal(map[string]any{"ttlMinutes": int(requested.Minutes()), "grantedUntil": grantedUntil})
	_ = s.repo.AppendControlEvent(ctx, &TaskRunControlEvent{TaskRunID: taskRunID, ActorUserID: actorUserID, Action: "grant_rw", Detail: detail})
	eventPayload, _ := json.Marshal(map[string]any{"grantedUntil": grantedUntil, "ttlMinutes": int(requested.Minutes())})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: LevelWarn, Message: "task.live_session.grant_write", Payload: eventPayload})

	var webRW *string
	if s.cfg.LiveSessionAllowWeb && live.WebRW != nil && strings.TrimSpace(*live.WebRW) != "" {
		webRW = live.WebRW
	}
	return &LiveSessionWriteGrant{Session: updated, AttachRW: *live.AttachRW, WebRW: webRW, GrantedUntil: grantedUntil}, nil
}

func (s *Service) RevokeLiveSession(ctx context.Context, taskRunID uuid.UUID, actorUserID, reason *string) (*TaskRunLiveSession, error) {
	if _, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetLiveSession(ctx, taskRunID); err != nil {
		return nil, queueerr.NotFound("live_session_not_found", "live session is not enabled for this task")
	}
	now := time.Now().UTC()
	updated, err := s.upsertLiveSessionField(ctx, taskRunID, func(sess *TaskRunLiveSession) {
		sess.Status = LiveSessionRevoked
		sess.RWGrantedUntil = &now
	})
	if err != nil {
		return nil, err
	}
	detail, _ := json.Marshal(map[string]any{"reason": reason})
	_ = s.repo.AppendControlEvent(ctx, &TaskRunControlEvent{TaskRunID: taskRunID, ActorUserID: actorUserID, Action: "revoke_session", Detail: detail})
	eventPayload, _ := json.Marshal(map[string]any{"reason": reason})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: LevelWarn, Message: "task.live_session.revoked", Payload: eventPayload})
	s.publishLive(ctx, taskRunID, map[string]any{"event": "revoked", "reason": reason})
	return updated, nil
}

var validControlActions = map[string]bool{"pause": true, "resume": true, "takeover": true}

// ApplyControlAction applies pause/resume/takeover via the worker pause
// mechanism scoped to one task run's owning job record; the actual
// pause/resume signaling is cooperative, observed by the worker through
// event polling.
func (s *Service) ApplyControlAction(ctx context.Context, taskRunID uuid.UUID, actorUserID *string, action string) (*Job, error) {
	normalized := strings.ToLower(strings.TrimSpace(action))
	if !validControlActions[normalized] {
		return nil, queueerr.Validation("action must be one of: pause, resume, takeover")
	}
	job, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID)
	if err != nil {
		return nil, err
	}

	detail, _ := json.Marshal(map[string]any{"action": normalized})
	_ = s.repo.AppendControlEvent(ctx, &TaskRunControlEvent{TaskRunID: taskRunID, ActorUserID: actorUserID, Action: normalized, Detail: detail})
	eventPayload, _ := json.Marshal(map[string]any{"action": normalized})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: LevelWarn, Message: "task.control", Payload: eventPayload})
	s.publishLive(ctx, taskRunID, map[string]any{"event": "control", "action": normalized})
	return job, nil
}

func (s *Service) AppendOperatorMessage(ctx context.Context, taskRunID uuid.UUID, actorUserID *string, message string) (*TaskRunControlEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, queueerr.Validation("message must be a non-empty string")
	}
	if len(message) > 4000 {
		return nil, queueerr.Validation("message must be 4000 chars or fewer")
	}
	if _, err := s.assertTaskRunUserAccess(ctx, taskRunID, actorUserID); err != nil {
		return nil, err
	}

	detail, _ := json.Marshal(map[string]any{"message": message})
	event := &TaskRunControlEvent{TaskRunID: taskRunID, ActorUserID: actorUserID, Action: "send_message", Detail: detail}
	if err := s.repo.AppendControlEvent(ctx, event); err != nil {
		return nil, err
	}
	eventPayload, _ := json.Marshal(map[string]any{"actorUserId": actorUserID, "message": message})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: taskRunID, Level: LevelInfo, Message: "task.operator.message", Payload: eventPayload})
	s.publishLive(ctx, taskRunID, map[string]any{"event": "operator_message", "message": message})
	return event, nil
}
