package queue

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contractmanifest"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contracttask"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/telemetry"
)

// Notifier is the best-effort live-session/operator-message transport. A
// Redis-backed implementation publishes to "moonmind:live:"+taskRunID;
// publish failures are logged at warn and never surfaced to callers.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// NoopNotifier discards every publish; used when no transport is wired.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, string, []byte) {}

// ServiceConfig carries the policy knobs the Service enforces, independent
// of the underlying repository/storage backends.
type ServiceConfig struct {
	ArtifactMaxBytes     int64
	RetryBackoffBase     time.Duration
	RetryBackoffMax      time.Duration
	DefaultTargetRuntime string
	DefaultPublishMode   string
	ManifestConfig       contractmanifest.Config
	LiveSessionTTL       time.Duration
	LiveSessionRWGrant   time.Duration
	LiveSessionAllowWeb  bool
	LiveSessionProvider  string
}

// Service is the application-level policy layer over Repository and
// ArtifactStorage: every mutation here is validated, normalized, and
// journaled before the caller sees a result.
type Service struct {
	repo     Repository
	storage  *storage.ArtifactStorage
	notifier Notifier
	cfg      ServiceConfig
	log      *slog.Logger
	tracer   telemetry.Tracer
}

// NewService constructs a Service. log may be nil, in which case
// slog.Default() is used.
func NewService(repo Repository, store *storage.ArtifactStorage, notifier Notifier, cfg ServiceConfig, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, storage: store, notifier: notifier, cfg: cfg, log: logger, tracer: telemetry.NewTracer("queue")}
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func normalizeStrList(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// normalizePayload dispatches a raw job payload to the right contract
// package based on jobType, returning canonical, persistable JSON.
func (s *Service) normalizePayload(jobType string, payload json.RawMessage) (json.RawMessage, error) {
	switch jobType {
	case TypeTask:
		var raw contracttask.RawPayload
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, queueerr.Contract("invalid_queue_payload", "task payload must be a JSON object: %v", err)
		}
		view, err := contracttask.Normalize(contracttask.Config{
			DefaultTargetRuntime: s.cfg.DefaultTargetRuntime,
			DefaultPublishMode:   s.cfg.DefaultPublishMode,
		}, raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(view)
	case TypeCodexExec:
		var legacy contracttask.LegacyExecPayload
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, queueerr.Contract("invalid_queue_payload", "codex_exec payload must be a JSON object: %v", err)
		}
		view, err := contracttask.Normalize(contracttask.Config{
			DefaultTargetRuntime: s.cfg.DefaultTargetRuntime,
			DefaultPublishMode:   s.cfg.DefaultPublishMode,
		}, contracttask.LiftExec(legacy))
		if err != nil {
			return nil, err
		}
		return json.Marshal(view)
	case TypeCodexSkill:
		var legacy contracttask.LegacySkillPayload
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return nil, queueerr.Contract("invalid_queue_payload", "codex_skill payload must be a JSON object: %v", err)
		}
		lifted, err := contracttask.LiftSkill(legacy)
		if err != nil {
			return nil, err
		}
		view, err := contracttask.Normalize(contracttask.Config{
			DefaultTargetRuntime: s.cfg.DefaultTargetRuntime,
			DefaultPublishMode:   s.cfg.DefaultPublishMode,
		}, lifted)
		if err != nil {
			return nil, err
		}
		return json.Marshal(view)
	case TypeManifest:
		var raw contractmanifest.RawManifestJob
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, queueerr.Contract("invalid_manifest_job", "manifest payload must be a JSON object: %v", err)
		}
		view, err := contractmanifest.NormalizeManifestJobPayload(s.cfg.ManifestConfig, raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(view)
	default:
		return nil, queueerr.Validation("type must be one of: %s, %s, %s, %s", TypeTask, TypeManifest, TypeCodexExec, TypeCodexSkill)
	}
}

// CreateJob validates and normalizes payload for jobType, persists the
// job, and journals its creation (plus a migration warning for legacy
// types).
func (s *Service) CreateJob(ctx context.Context, jobType string, payload json.RawMessage, priority int32, createdByUserID, requestedByUserID, affinityKey *string, maxAttempts int32) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "CreateJob", log.KV{K: "job_type", V: jobType})
	defer end(&err)

	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, queueerr.Validation("type must be a non-empty string")
	}
	if !SupportedJobTypes[jobType] {
		var supported []string
		for t := range SupportedJobTypes {
			supported = append(supported, t)
		}
		sort.Strings(supported)
		return nil, queueerr.Validation("type must be one of: %s", strings.Join(supported, ", "))
	}
	if maxAttempts < 1 {
		return nil, queueerr.Validation("maxAttempts must be >= 1")
	}

	normalized, err := s.normalizePayload(jobType, payload)
	if err != nil {
		return nil, err
	}

	job := &Job{
		Type:              jobType,
		Status:            StatusQueued,
		Priority:          priority,
		Payload:           normalized,
		CreatedByUserID:   createdByUserID,
		RequestedByUserID: requestedByUserID,
		AffinityKey:       affinityKey,
		MaxAttempts:       maxAttempts,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	eventPayload, _ := json.Marshal(map[string]any{
		"type":              jobType,
		"createdByUserId":   createdByUserID,
		"requestedByUserId": requestedByUserID,
	})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: job.ID, Level: LevelInfo, Message: "Job queued", Payload: eventPayload})

	if LegacyJobTypes[jobType] {
		warnPayload, _ := json.Marshal(map[string]any{
			"jobType":          jobType,
			"recommendedType":  TypeTask,
			"migrationPhase":   "phase4",
		})
		_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: job.ID, Level: LevelWarn, Message: "Legacy job type submitted", Payload: warnPayload})
		s.log.Warn("legacy agent queue job submission detected", "job_id", job.ID, "type", jobType)
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "GetJob", log.KV{K: "job_id", V: id})
	defer end(&err)
	return s.repo.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, status, jobType *string, limit int) (result []*Job, err error) {
	ctx, end := s.tracer.Start(ctx, "ListJobs")
	defer end(&err)
	if limit < 1 || limit > 200 {
		return nil, queueerr.Validation("limit must be between 1 and 200")
	}
	return s.repo.ListJobs(ctx, ListJobsFilter{Status: status, Type: jobType, Limit: limit})
}

// ClaimJob claims the next eligible queued job for worker, journaling the
// claim on success.
func (s *Service) ClaimJob(ctx context.Context, workerID string, leaseSeconds int, allowedTypes, workerCapabilities []string) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "ClaimJob", log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	if leaseSeconds < 1 {
		return nil, queueerr.Validation("leaseSeconds must be >= 1")
	}

	if pauseState, err := s.repo.GetWorkerPauseState(ctx); err == nil && pauseState.Paused {
		return nil, nil
	}

	job, err := s.repo.ClaimNext(ctx, ClaimRequest{
		WorkerID:           workerID,
		LeaseSeconds:       leaseSeconds,
		AllowedTypes:       normalizeStrList(allowedTypes),
		WorkerCapabilities: normalizeStrList(workerCapabilities),
	}, time.Duration(leaseSeconds)*time.Second, s.cfg.RetryBackoffBase)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	payload, _ := json.Marshal(map[string]any{"workerId": workerID})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: job.ID, Level: LevelInfo, Message: "Job claimed", Payload: payload})
	return job, nil
}

func (s *Service) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, leaseSeconds int) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "Heartbeat", log.KV{K: "job_id", V: jobID}, log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	if leaseSeconds < 1 {
		return nil, queueerr.Validation("leaseSeconds must be >= 1")
	}
	job, err := s.repo.Heartbeat(ctx, jobID, workerID, time.Duration(leaseSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"workerId": workerID, "leaseSeconds": leaseSeconds})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelInfo, Message: "Heartbeat received", Payload: payload})
	return job, nil
}

func (s *Service) CompleteJob(ctx context.Context, jobID uuid.UUID, workerID string, resultSummary *string) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "CompleteJob", log.KV{K: "job_id", V: jobID}, log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	job, err := s.repo.CompleteJob(ctx, jobID, workerID, resultSummary)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"workerId": workerID})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelInfo, Message: "Job completed", Payload: payload})
	return job, nil
}

// computeRetryDelay implements min(max, base * 2^(attempt-1)).
func (s *Service) computeRetryDelay(attempt int32) time.Duration {
	power := attempt - 1
	if power < 0 {
		power = 0
	}
	delay := s.cfg.RetryBackoffBase
	for i := int32(0); i < power; i++ {
		delay *= 2
		if delay > s.cfg.RetryBackoffMax {
			delay = s.cfg.RetryBackoffMax
			break
		}
	}
	if delay > s.cfg.RetryBackoffMax {
		delay = s.cfg.RetryBackoffMax
	}
	return delay
}

func (s *Service) FailJob(ctx context.Context, jobID uuid.UUID, workerID, errMessage string, retryable bool) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "FailJob", log.KV{K: "job_id", V: jobID}, log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	errMessage = strings.TrimSpace(errMessage)
	if errMessage == "" {
		return nil, queueerr.Validation("errorMessage must be a non-empty string")
	}

	current, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var delay time.Duration
	if retryable && current.Attempt < current.MaxAttempts {
		delay = s.computeRetryDelay(current.Attempt + 1)
	}

	job, err := s.repo.FailJob(ctx, jobID, workerID, errMessage, retryable, delay)
	if err != nil {
		return nil, err
	}

	if job.Status == StatusCancelled {
		payload, _ := json.Marshal(map[string]any{"workerId": workerID, "source": "fail_job", "reason": "cancellation_requested"})
		_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelWarn, Message: "Job cancelled", Payload: payload})
		return job, nil
	}

	level := LevelError
	message := "Job failed"
	if retryable {
		level = LevelWarn
		message = "Job failed (retryable)"
	}
	payload, _ := json.Marshal(map[string]any{
		"workerId":      workerID,
		"retryable":     retryable,
		"status":        job.Status,
		"nextAttemptAt": job.NextAttemptAt,
	})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: level, Message: message, Payload: payload})
	return job, nil
}

func (s *Service) RequestCancel(ctx context.Context, jobID uuid.UUID, requestedByUserID, reason *string) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "RequestCancel", log.KV{K: "job_id", V: jobID})
	defer end(&err)

	job, outcome, err := s.repo.RequestCancel(ctx, jobID, requestedByUserID, strPtr(derefStr(reason)))
	if err != nil {
		return nil, err
	}
	switch outcome {
	case "cancelled":
		payload, _ := json.Marshal(map[string]any{"requestedByUserId": requestedByUserID, "reason": reason})
		_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelInfo, Message: "Job cancelled", Payload: payload})
	case "requested":
		payload, _ := json.Marshal(map[string]any{"requestedByUserId": requestedByUserID, "reason": reason})
		_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelWarn, Message: "Cancellation requested", Payload: payload})
	}
	return job, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Service) AckCancel(ctx context.Context, jobID uuid.UUID, workerID string, message *string) (result *Job, err error) {
	ctx, end := s.tracer.Start(ctx, "AckCancel", log.KV{K: "job_id", V: jobID}, log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	job, outcome, err := s.repo.AckCancel(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	if outcome == "cancelled" {
		payload, _ := json.Marshal(map[string]any{"workerId": workerID, "message": message})
		_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelInfo, Message: "Job cancelled", Payload: payload})
	}
	return job, nil
}

// UploadArtifact validates size/ownership, writes bytes to storage, and
// records the artifact. If workerID is non-nil, the job must be running
// and claimed by that worker.
func (s *Service) UploadArtifact(ctx context.Context, jobID uuid.UUID, name string, data []byte, contentType, digest, workerID *string) (result *JobArtifact, err error) {
	ctx, end := s.tracer.Start(ctx, "UploadArtifact", log.KV{K: "job_id", V: jobID})
	defer end(&err)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, queueerr.Validation("name must be a non-empty string")
	}
	if len(data) == 0 {
		return nil, queueerr.Validation("file must not be empty")
	}
	if int64(len(data)) > s.cfg.ArtifactMaxBytes {
		return nil, queueerr.Validation("artifact exceeds max bytes (%d)", s.cfg.ArtifactMaxBytes)
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if workerID != nil {
		worker := strings.TrimSpace(*workerID)
		if worker == "" {
			return nil, queueerr.Validation("workerId must be a non-empty string")
		}
		if job.Status != StatusRunning || job.ClaimedBy == nil || *job.ClaimedBy != worker {
			return nil, queueerr.Authorization("worker %q does not own an active claim for job %s", worker, jobID)
		}
	}

	_, storagePath, err := s.storage.WriteArtifact(jobID, name, data)
	if err != nil {
		return nil, queueerr.Validation("%v", err)
	}

	artifact := &JobArtifact{
		JobID:       jobID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Digest:      digest,
		StoragePath: storagePath,
	}
	if err := s.repo.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"name": name, "sizeBytes": len(data)})
	_ = s.repo.AppendEvent(ctx, &JobEvent{JobID: jobID, Level: LevelInfo, Message: "Artifact uploaded", Payload: payload})
	return artifact, nil
}

func (s *Service) ListArtifacts(ctx context.Context, jobID uuid.UUID, limit int) (result []*JobArtifact, err error) {
	ctx, end := s.tracer.Start(ctx, "ListArtifacts", log.KV{K: "job_id", V: jobID})
	defer end(&err)
	if limit < 1 || limit > 500 {
		return nil, queueerr.Validation("limit must be between 1 and 500")
	}
	return s.repo.ListArtifacts(ctx, jobID, limit)
}

// ArtifactDownload pairs artifact metadata with its resolved on-disk path.
type ArtifactDownload struct {
	Artifact *JobArtifact
	FilePath string
}

func (s *Service) GetArtifactDownload(ctx context.Context, jobID, artifactID uuid.UUID) (result *ArtifactDownload, err error) {
	ctx, end := s.tracer.Start(ctx, "GetArtifactDownload", log.KV{K: "job_id", V: jobID})
	defer end(&err)

	artifact, err := s.repo.GetArtifact(ctx, jobID, artifactID)
	if err != nil {
		return nil, err
	}
	path, err := s.storage.ResolveStoragePath(artifact.StoragePath)
	if err != nil {
		return nil, queueerr.Validation("%v", err)
	}
	return &ArtifactDownload{Artifact: artifact, FilePath: path}, nil
}

func (s *Service) AppendEvent(ctx context.Context, jobID uuid.UUID, level, message string, payload json.RawMessage) (result *JobEvent, err error) {
	ctx, end := s.tracer.Start(ctx, "AppendEvent", log.KV{K: "job_id", V: jobID})
	defer end(&err)

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, queueerr.Validation("message must be a non-empty string")
	}
	event := &JobEvent{JobID: jobID, Level: level, Message: message, Payload: payload}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) ListEvents(ctx context.Context, jobID uuid.UUID, limit int, cursor EventCursor) (events []*JobEvent, truncated bool, err error) {
	ctx, end := s.tracer.Start(ctx, "ListEvents", log.KV{K: "job_id", V: jobID})
	defer end(&err)
	if limit < 1 || limit > 500 {
		return nil, false, queueerr.Validation("limit must be between 1 and 500")
	}
	if cursor.AfterEventID != nil && cursor.After == nil {
		return nil, false, queueerr.Validation("afterEventId requires after timestamp")
	}
	return s.repo.ListEvents(ctx, jobID, cursor, limit)
}

// --- Worker tokens ---

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// WorkerTokenIssueResult carries the one-time raw token value alongside the
// persisted record; raw is never stored or logged.
type WorkerTokenIssueResult struct {
	Token    *WorkerToken
	RawToken string
}

func (s *Service) IssueWorkerToken(ctx context.Context, workerID string, description *string, allowedRepositories, allowedJobTypes, capabilities []string) (result *WorkerTokenIssueResult, err error) {
	ctx, end := s.tracer.Start(ctx, "IssueWorkerToken", log.KV{K: "worker_id", V: workerID})
	defer end(&err)

	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueerr.Validation("workerId must be a non-empty string")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("queue: generate worker token: %w", err)
	}
	rawToken := "mmwt_" + hex.EncodeToString(raw)

	repos := normalizeStrList(allowedRepositories)
	types := normalizeStrList(allowedJobTypes)
	caps := normalizeStrList(capabilities)
	token := &WorkerToken{
		WorkerID:            workerID,
		TokenHash:           hashToken(rawToken),
		Description:         description,
		AllowedRepositories: optionalSlice(repos),
		AllowedJobTypes:     optionalSlice(types),
		Capabilities:        optionalSlice(caps),
		IsActive:            true,
	}
	if err := s.repo.CreateWorkerToken(ctx, token); err != nil {
		return nil, err
	}
	return &WorkerTokenIssueResult{Token: token, RawToken: rawToken}, nil
}

func optionalSlice(s []string) *[]string {
	if len(s) == 0 {
		return nil
	}
	return &s
}

func (s *Service) ListWorkerTokens(ctx context.Context, limit int) (result []*WorkerToken, err error) {
	ctx, end := s.tracer.Start(ctx, "ListWorkerTokens")
	defer end(&err)
	if limit < 1 || limit > 500 {
		return nil, queueerr.Validation("limit must be between 1 and 500")
	}
	return s.repo.ListWorkerTokens(ctx, nil)
}

func (s *Service) RevokeWorkerToken(ctx context.Context, id uuid.UUID) (result *WorkerToken, err error) {
	ctx, end := s.tracer.Start(ctx, "RevokeWorkerToken", log.KV{K: "worker_token_id", V: id})
	defer end(&err)
	return s.repo.RevokeWorkerToken(ctx, id)
}

// ResolveWorkerToken resolves a raw worker token to its frozen policy.
func (s *Service) ResolveWorkerToken(ctx context.Context, rawToken string) (result *WorkerPolicy, err error) {
	ctx, end := s.tracer.Start(ctx, "ResolveWorkerToken")
	defer end(&err)

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, queueerr.Authentication("worker token is required")
	}
	token, err := s.repo.GetWorkerTokenByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, queueerr.Authentication("invalid worker token")
	}
	if !token.IsActive {
		return nil, queueerr.Authentication("worker token is inactive")
	}
	policy := &WorkerPolicy{
		WorkerID:   token.WorkerID,
		AuthSource: AuthSourceWorkerToken,
	}
	if token.AllowedRepositories != nil {
		policy.AllowedRepositories = *token.AllowedRepositories
	}
	if token.AllowedJobTypes != nil {
		policy.AllowedJobTypes = *token.AllowedJobTypes
	}
	if token.Capabilities != nil {
		policy.Capabilities = *token.Capabilities
	}
	return policy, nil
}

// NormalizeExpiredLeases requeues or fails jobs whose lease has expired,
// independent of the claim path. The Maintenance Scheduler calls this on a
// timer so cancel-requested and failed jobs are observed promptly even
// when no worker is actively claiming.
func (s *Service) NormalizeExpiredLeases(ctx context.Context) (result int, err error) {
	ctx, end := s.tracer.Start(ctx, "NormalizeExpiredLeases")
	defer end(&err)
	return s.repo.NormalizeExpiredLeases(ctx, s.cfg.RetryBackoffBase)
}

// GetWorkerPauseState returns the singleton system-wide worker pause state.
func (s *Service) GetWorkerPauseState(ctx context.Context) (result *SystemWorkerPauseState, err error) {
	ctx, end := s.tracer.Start(ctx, "GetWorkerPauseState")
	defer end(&err)
	return s.repo.GetWorkerPauseState(ctx)
}

// SetWorkerPauseState toggles the system-wide worker pause state and audits
// the transition with a SystemControlEvent. mode and reason are optional;
// pass nil to leave them unset when pausing, or to clear them on resume.
func (s *Service) SetWorkerPauseState(ctx context.Context, paused bool, mode, reason *string, actorUserID string) (result *SystemWorkerPauseState, err error) {
	ctx, end := s.tracer.Start(ctx, "SetWorkerPauseState", log.KV{K: "actor_user_id", V: actorUserID})
	defer end(&err)

	actorUserID = strings.TrimSpace(actorUserID)
	if actorUserID == "" {
		return nil, queueerr.Validation("actorUserId must be a non-empty string")
	}
	if mode != nil && strings.TrimSpace(*mode) == "" {
		mode = nil
	}
	if reason != nil && strings.TrimSpace(*reason) == "" {
		reason = nil
	}

	now := time.Now().UTC()
	updated, err := s.repo.UpdateWorkerPauseState(ctx, func(state *SystemWorkerPauseState) error {
		state.Paused = paused
		if paused {
			state.Mode = mode
			state.Reason = reason
			state.RequestedByUserID = &actorUserID
			state.RequestedAt = &now
		} else {
			state.Mode = nil
			state.Reason = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	action := "resume_workers"
	if paused {
		action = "pause_workers"
	}
	detail, _ := json.Marshal(map[string]any{"paused": paused, "mode": mode, "reason": reason})
	_ = s.repo.AppendSystemControlEvent(ctx, &SystemControlEvent{ActorUserID: &actorUserID, Action: action, Detail: detail})
	return updated, nil
}
