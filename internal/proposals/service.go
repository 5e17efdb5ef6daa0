// Package proposals implements the task proposal queue: a follow-up work
// item raised by a worker, an orchestrator, or a human reviewer, reviewed
// and optionally promoted into a real queue job.
package proposals

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"goa.design/clue/log"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contracttask"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/secretredact"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/telemetry"
)

const proposalsWriteCapability = "proposals_write"

var notificationCategories = map[string]bool{"security": true, "tests": true}

var dedupSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

var moonmindSignalTags = map[string]bool{
	"retry": true, "duplicate_output": true, "missing_ref": true,
	"conflicting_instructions": true, "flaky_test": true,
	"loop_detected": true, "artifact_gap": true,
}

// NotificationConfig carries the best-effort webhook notification policy.
type NotificationConfig struct {
	Enabled       bool
	WebhookURL    string
	Authorization string
	Timeout       time.Duration
}

// Config carries the policy knobs the Service enforces.
type Config struct {
	TaskContract        contracttask.Config
	Notification        NotificationConfig
	MoonMindRepository  string // lower-cased repository name subject to the MoonMind-CI special-case policy
	SimilarLimit        int
}

// Service is the application service over Repository and the queue
// Service, validating and journaling every proposal decision.
type Service struct {
	repo     Repository
	queue    *queue.Service
	redactor secretredact.Redactor
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	client   *http.Client
	log      *slog.Logger
	tracer   telemetry.Tracer
}

// NewService constructs a Service. redactor scrubs free text before
// persistence; a nil redactor defaults to secretredact.New("[REDACTED]").
func NewService(repo Repository, queueSvc *queue.Service, cfg Config, redactor secretredact.Redactor, logger *slog.Logger) *Service {
	if redactor == nil {
		redactor = secretredact.New("[REDACTED]")
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "proposal-notifications",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	timeout := cfg.Notification.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		repo:     repo,
		queue:    queueSvc,
		redactor: redactor,
		cfg:      cfg,
		breaker:  breaker,
		client:   &http.Client{Timeout: timeout},
		log:      logger,
		tracer:   telemetry.NewTracer("proposals"),
	}
}

// ResolveWorkerToken validates a worker bearer token grants the
// proposals_write capability, returning the resolved policy.
func (s *Service) ResolveWorkerToken(ctx context.Context, rawToken string) (result *queue.WorkerPolicy, err error) {
	ctx, end := s.tracer.Start(ctx, "ResolveWorkerToken")
	defer end(&err)
	if strings.TrimSpace(rawToken) == "" {
		return nil, queueerr.Validation("worker token is required for worker-authenticated proposal submission")
	}
	policy, err := s.queue.ResolveWorkerToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	hasCapability := false
	for _, c := range policy.Capabilities {
		if c == proposalsWriteCapability {
			hasCapability = true
			break
		}
	}
	if !hasCapability {
		return nil, queueerr.Validation("worker token is not authorized for proposal submission")
	}
	return policy, nil
}

func cleanStr(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func slugifyTitle(title string) string {
	normalized := strings.Trim(dedupSlugPattern.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if normalized == "" {
		return "untitled"
	}
	return normalized
}

func computeDedupFields(repository, title string) (string, string) {
	repo := strings.ToLower(strings.TrimSpace(repository))
	if repo == "" {
		repo = "unknown"
	}
	slug := slugifyTitle(title)
	dedupKey := repo + ":" + slug
	if len(dedupKey) > 512 {
		dedupKey = dedupKey[:512]
	}
	sum := sha256.Sum256([]byte(repo + ":" + slug))
	return dedupKey, hex.EncodeToString(sum[:])
}

func (s *Service) scrubText(text string) string {
	return s.redactor.Scrub(text)
}

func (s *Service) scrubJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	scrubbed := s.redactor.Scrub(string(raw))
	var out json.RawMessage
	if err := json.Unmarshal([]byte(scrubbed), &out); err != nil {
		// Scrubbing a JSON string can break its syntax (e.g. a key itself
		// looked like a secret); fall back to the unscrubbed bytes rather
		// than fail the whole operation.
		return raw, nil
	}
	return out, nil
}

func normalizeCategory(raw *string) (*string, error) {
	text := strings.ToLower(cleanStr(raw))
	if text == "" {
		return nil, nil
	}
	if len(text) > 64 {
		return nil, queueerr.Validation("category exceeds max length")
	}
	return &text, nil
}

func normalizeTags(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, v := range raw {
		candidate := strings.ToLower(strings.TrimSpace(v))
		if candidate == "" || seen[candidate] {
			continue
		}
		if len(candidate) > 64 {
			return nil, queueerr.Validation("tag exceeds max length")
		}
		out = append(out, candidate)
		seen[candidate] = true
	}
	return out, nil
}

func normalizeOriginSource(raw string) (OriginSource, error) {
	text := OriginSource(strings.ToLower(strings.TrimSpace(raw)))
	if text == "" {
		return "", queueerr.Validation("origin.source is required")
	}
	if !validOriginSources[text] {
		return "", queueerr.Validation("origin.source must be one of: queue, orchestrator, workflow, manual")
	}
	return text, nil
}

func normalizeReviewPriority(raw *string) (ReviewPriority, error) {
	text := ReviewPriority(strings.ToLower(cleanStr(raw)))
	if text == "" {
		text = PriorityNormal
	}
	if !validReviewPriorities[text] {
		return "", queueerr.Validation("priority must be one of: low, normal, high, urgent")
	}
	return text, nil
}

func (s *Service) isMoonMindRepository(repository string) bool {
	if repository == "" || s.cfg.MoonMindRepository == "" {
		return false
	}
	return strings.ToLower(strings.TrimSpace(repository)) == s.cfg.MoonMindRepository
}

func normalizeMoonMindTitle(title string, tags []string) string {
	normalized := strings.TrimSpace(title)
	if !strings.HasPrefix(strings.ToLower(normalized), "[run_quality]") {
		if normalized == "" {
			normalized = "MoonMind proposal"
		}
		normalized = "[run_quality] " + normalized
	}
	slugItems := append([]string(nil), tags...)
	sort.Strings(slugItems)
	if len(slugItems) > 0 {
		marker := "(tags: " + strings.Join(slugItems, "+") + ")"
		if !strings.Contains(normalized, marker) {
			normalized = normalized + " " + marker
		}
	}
	return normalized
}

// enforceMoonMindPolicy re-derives category/tags/title for a proposal
// against the MoonMind-CI repository's forced category and tag allowlist,
// and requires the trigger-provenance origin metadata fields.
func (s *Service) enforceMoonMindPolicy(title string, category *string, tags []string, metadata map[string]any) (string, []string, string, error) {
	normalizedCategory := strings.ToLower(cleanStr(category))
	if normalizedCategory == "" {
		normalizedCategory = "run_quality"
	}
	if normalizedCategory == "moonmind_ci" {
		normalizedCategory = "run_quality"
	}
	if normalizedCategory != "run_quality" {
		return "", nil, "", queueerr.Validation("MoonMind proposals must use category 'run_quality'")
	}

	allowedTags := make([]string, 0, len(tags))
	for _, t := range tags {
		if moonmindSignalTags[t] {
			allowedTags = append(allowedTags, t)
		}
	}
	if len(allowedTags) == 0 {
		return "", nil, "", queueerr.Validation("MoonMind proposals require at least one approved signal tag")
	}

	triggerRepo, _ := metadata["triggerRepo"].(string)
	triggerJob, _ := metadata["triggerJobId"].(string)
	if strings.TrimSpace(triggerRepo) == "" || strings.TrimSpace(triggerJob) == "" {
		return "", nil, "", queueerr.Validation("MoonMind proposals must include triggerRepo and triggerJobId metadata")
	}
	signal, ok := metadata["signal"].(map[string]any)
	if !ok {
		return "", nil, "", queueerr.Validation("MoonMind proposals must provide origin_metadata.signal details")
	}
	metadata["triggerRepo"] = strings.TrimSpace(triggerRepo)
	metadata["triggerJobId"] = strings.TrimSpace(triggerJob)
	metadata["signal"] = signal

	normalizedTitle := normalizeMoonMindTitle(title, allowedTags)
	return normalizedCategory, allowedTags, normalizedTitle, nil
}

func deriveMoonMindPriority(tags []string, metadata map[string]any) (ReviewPriority, string) {
	signal, _ := metadata["signal"].(map[string]any)
	severity := ""
	if signal != nil {
		severity, _ = signal["severity"].(string)
		severity = strings.ToLower(severity)
	}
	if severity == "high" || severity == "critical" {
		return PriorityHigh, "signal:severity"
	}
	tagSet := map[string]bool{}
	for _, t := range tags {
		tagSet[t] = true
	}
	if tagSet["loop_detected"] {
		return PriorityHigh, "signal:loop_detected"
	}
	if tagSet["conflicting_instructions"] {
		return PriorityHigh, "signal:conflicting_instructions"
	}
	if tagSet["missing_ref"] {
		if missing, ok := signal["missingRefs"].([]any); ok && len(missing) > 0 {
			return PriorityHigh, "signal:missing_ref"
		}
	}
	if tagSet["retry"] {
		retryCount := 0
		if v, ok := signal["retries"].(float64); ok {
			retryCount = int(v)
		}
		if retryCount >= 2 {
			return PriorityHigh, "signal:retry_exhausted"
		}
		return PriorityNormal, "signal:retry"
	}
	if tagSet["duplicate_output"] || tagSet["artifact_gap"] {
		return PriorityNormal, "signal:quality_gap"
	}
	if tagSet["flaky_test"] {
		return PriorityLow, "signal:flaky_test"
	}
	return "", ""
}

// taskCreateRequest is the wire shape of CreateProposal's/PromoteProposal's
// task_create_request field, mirroring the queue's own `task`-type create
// envelope.
type taskCreateRequest struct {
	Type        string                 `json:"type"`
	Priority    int32                  `json:"priority"`
	MaxAttempts int32                  `json:"maxAttempts"`
	AffinityKey *string                `json:"affinityKey,omitempty"`
	Payload     contracttask.RawPayload `json:"payload"`
}

type preparedTaskCreateRequest struct {
	Type        string
	Priority    int32
	MaxAttempts int32
	AffinityKey *string
	Payload     *contracttask.CanonicalView
}

func (p preparedTaskCreateRequest) toJSON() (json.RawMessage, error) {
	return json.Marshal(struct {
		Type        string                      `json:"type"`
		Priority    int32                       `json:"priority"`
		MaxAttempts int32                       `json:"maxAttempts"`
		AffinityKey *string                     `json:"affinityKey,omitempty"`
		Payload     *contracttask.CanonicalView `json:"payload"`
	}{p.Type, p.Priority, p.MaxAttempts, p.AffinityKey, p.Payload})
}

// prepareTaskCreateRequest validates and normalizes raw as a `task`-type
// create envelope, returning the prepared request plus its normalized
// payload's repository.
func (s *Service) prepareTaskCreateRequest(raw json.RawMessage) (*preparedTaskCreateRequest, string, error) {
	var req taskCreateRequest
	req.MaxAttempts = 3
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, "", queueerr.Validation("taskCreateRequest must be an object: %v", err)
	}
	jobType := strings.ToLower(strings.TrimSpace(req.Type))
	if jobType == "" {
		jobType = "task"
	}
	if jobType != "task" {
		return nil, "", queueerr.Validation("taskCreateRequest.type must be 'task'")
	}
	if req.MaxAttempts < 1 {
		return nil, "", queueerr.Validation("maxAttempts must be >= 1")
	}
	var affinityKey *string
	if req.AffinityKey != nil {
		v := strings.TrimSpace(*req.AffinityKey)
		if v != "" {
			affinityKey = &v
		}
	}

	view, err := contracttask.Normalize(s.cfg.TaskContract, req.Payload)
	if err != nil {
		return nil, "", err
	}
	repository := strings.TrimSpace(view.Repository)
	if repository == "" {
		return nil, "", queueerr.Validation("taskCreateRequest.payload.repository is required")
	}

	return &preparedTaskCreateRequest{
		Type:        "task",
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		AffinityKey: affinityKey,
		Payload:     view,
	}, repository, nil
}

// CreateProposalInput carries CreateProposal's validated-on-entry fields.
type CreateProposalInput struct {
	Title              string
	Summary            string
	Category           *string
	Tags               []string
	TaskCreateRequest  json.RawMessage
	OriginSource       string
	OriginID           *uuid.UUID
	OriginMetadata     json.RawMessage
	ProposedByWorkerID *string
	ProposedByUserID   *string
	ReviewPriority     *string
}

// CreateProposal validates, normalizes, deduplicates, and persists a new
// proposal, applying the MoonMind-CI special-case policy when the
// underlying task's repository matches it, then best-effort notifies.
func (s *Service) CreateProposal(ctx context.Context, in CreateProposalInput) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "CreateProposal")
	defer end(&err)

	if cleanStr(in.ProposedByWorkerID) == "" && cleanStr(in.ProposedByUserID) == "" {
		return nil, queueerr.Validation("one of proposedByWorkerId or proposedByUserId is required")
	}

	title := s.scrubText(strings.TrimSpace(in.Title))
	if title == "" {
		return nil, queueerr.Validation("title is required")
	}
	if len(title) > 256 {
		return nil, queueerr.Validation("title exceeds max length")
	}

	summary := s.scrubText(strings.TrimSpace(in.Summary))
	if summary == "" {
		return nil, queueerr.Validation("summary is required")
	}
	if len(summary) > 10000 {
		return nil, queueerr.Validation("summary exceeds max length")
	}

	category, err := normalizeCategory(in.Category)
	if err != nil {
		return nil, err
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	origin, err := normalizeOriginSource(in.OriginSource)
	if err != nil {
		return nil, err
	}
	var metadata map[string]any
	if len(in.OriginMetadata) > 0 {
		if err := json.Unmarshal(in.OriginMetadata, &metadata); err != nil {
			return nil, queueerr.Validation("originMetadata must be a JSON object")
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	requestedPriority, err := normalizeReviewPriority(in.ReviewPriority)
	if err != nil {
		return nil, err
	}
	var priorityOverrideReason string

	prepared, repository, err := s.prepareTaskCreateRequest(in.TaskCreateRequest)
	if err != nil {
		return nil, err
	}
	envelopeJSON, err := prepared.toJSON()
	if err != nil {
		return nil, queueerr.Validation("taskCreateRequest could not be marshaled: %v", err)
	}
	scrubbedRequest, err := s.scrubJSON(json.RawMessage(envelopeJSON))
	if err != nil {
		return nil, err
	}

	if s.isMoonMindRepository(repository) {
		normalizedCategory, allowedTags, normalizedTitle, err := s.enforceMoonMindPolicy(title, category, tags, metadata)
		if err != nil {
			return nil, err
		}
		category, tags, title = &normalizedCategory, allowedTags, normalizedTitle
		if derivedPriority, reason := deriveMoonMindPriority(tags, metadata); derivedPriority != "" &&
			priorityRank[derivedPriority] > priorityRank[requestedPriority] {
			requestedPriority = derivedPriority
			priorityOverrideReason = reason
		}
	}

	dedupKey, dedupHash := computeDedupFields(repository, title)
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, queueerr.Validation("originMetadata could not be marshaled: %v", err)
	}
	var overrideReason *string
	if priorityOverrideReason != "" {
		overrideReason = &priorityOverrideReason
	}

	proposal := &Proposal{
		ID:                     uuid.New(),
		Status:                 StatusOpen,
		Title:                  title,
		Summary:                summary,
		Category:               category,
		Tags:                   tags,
		Repository:             repository,
		DedupKey:               dedupKey,
		DedupHash:              dedupHash,
		ReviewPriority:         requestedPriority,
		PriorityOverrideReason: overrideReason,
		TaskCreateRequest:      scrubbedRequest,
		ProposedByWorkerID:     in.ProposedByWorkerID,
		ProposedByUserID:       in.ProposedByUserID,
		OriginSource:           origin,
		OriginID:               in.OriginID,
		OriginMetadata:         metadataJSON,
		SnoozeHistory:          []SnoozeEntry{},
	}
	if err := s.repo.CreateProposal(ctx, proposal); err != nil {
		return nil, err
	}

	s.emitNotification(ctx, proposal)
	s.log.Info("created task proposal", "proposalId", proposal.ID, "repository", repository, "category", strPtrOr(category, "-"))
	return proposal, nil
}

func strPtrOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

// ListProposalsInput carries ListProposals' query parameters.
type ListProposalsInput struct {
	Status         *Status
	Category       *string
	Repository     *string
	OriginSource   *OriginSource
	Cursor         *string
	Limit          int
	IncludeSnoozed bool
	OnlySnoozed    bool
}

// ListProposals expires elapsed snoozes, then returns a page of proposals
// newest-first plus the opaque cursor for the next page (nil when
// exhausted).
func (s *Service) ListProposals(ctx context.Context, in ListProposalsInput) (resultProposals []*Proposal, resultCursor *string, err error) {
	ctx, end := s.tracer.Start(ctx, "ListProposals")
	defer end(&err)
	if in.Limit < 1 || in.Limit > 200 {
		return nil, nil, queueerr.Validation("limit must be between 1 and 200")
	}
	var category *string
	if in.Category != nil {
		c, err := normalizeCategory(in.Category)
		if err != nil {
			return nil, nil, err
		}
		category = c
	}
	var repository *string
	if in.Repository != nil {
		r := strings.TrimSpace(*in.Repository)
		if r != "" {
			repository = &r
		}
	}
	var cursor *Cursor
	if in.Cursor != nil {
		c, err := decodeCursor(*in.Cursor)
		if err != nil {
			return nil, nil, err
		}
		cursor = c
	}

	now := time.Now().UTC()
	if _, err := s.repo.ExpireSnoozed(ctx, now); err != nil {
		return nil, nil, err
	}

	list, hasMore, err := s.repo.ListProposals(ctx, ListFilter{
		Status:         in.Status,
		Category:       category,
		Repository:     repository,
		OriginSource:   in.OriginSource,
		Cursor:         cursor,
		Limit:          in.Limit,
		IncludeSnoozed: in.IncludeSnoozed,
		OnlySnoozed:    in.OnlySnoozed,
		Now:            now,
	})
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *string
	if hasMore && len(list) > 0 {
		c := encodeCursor(list[len(list)-1])
		nextCursor = &c
	}
	return list, nextCursor, nil
}

func encodeCursor(p *Proposal) string {
	return fmt.Sprintf("%s|%s", p.CreatedAt.UTC().Format(time.RFC3339Nano), p.ID)
}

func decodeCursor(raw string) (*Cursor, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return nil, queueerr.Validation("cursor is invalid")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, queueerr.Validation("cursor is invalid")
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, queueerr.Validation("cursor is invalid")
	}
	return &Cursor{CreatedAt: ts, ID: id}, nil
}

// GetProposal fetches a proposal by id.
func (s *Service) GetProposal(ctx context.Context, id uuid.UUID) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "GetProposal", log.KV{K: "proposal_id", V: id})
	defer end(&err)
	return s.repo.GetProposal(ctx, id)
}

// GetSimilarProposals returns up to limit open proposals sharing p's
// dedup hash.
func (s *Service) GetSimilarProposals(ctx context.Context, p *Proposal, limit int) (result []*Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "GetSimilarProposals", log.KV{K: "proposal_id", V: p.ID})
	defer end(&err)
	if limit <= 0 {
		limit = s.cfg.SimilarLimit
	}
	if p.DedupHash == "" {
		return nil, nil
	}
	return s.repo.ListSimilar(ctx, p.DedupHash, p.ID, limit)
}

// PromoteProposalInput carries PromoteProposal's optional overrides.
type PromoteProposalInput struct {
	ProposalID               uuid.UUID
	PromotedByUserID         string
	PriorityOverride         *int32
	MaxAttemptsOverride      *int32
	Note                     *string
	TaskCreateRequestOverride json.RawMessage
}

// PromoteProposal creates a queue job from an open proposal's (possibly
// overridden) task_create_request and transitions it to promoted.
// Re-promoting an already-promoted proposal is idempotent: it returns the
// existing job rather than creating a second one.
func (s *Service) PromoteProposal(ctx context.Context, in PromoteProposalInput) (resultProposal *Proposal, resultJob *queue.Job, err error) {
	ctx, end := s.tracer.Start(ctx, "PromoteProposal", log.KV{K: "proposal_id", V: in.ProposalID})
	defer end(&err)

	proposal, err := s.repo.GetProposalForUpdate(ctx, in.ProposalID)
	if err != nil {
		return nil, nil, err
	}
	if proposal.Status == StatusPromoted {
		if proposal.PromotedJobID == nil {
			return nil, nil, queueerr.State("proposal_already_promoted", "proposal already promoted without job id")
		}
		job, err := s.queue.GetJob(ctx, *proposal.PromotedJobID)
		if err != nil {
			return nil, nil, queueerr.State("proposal_job_unavailable", "proposal already promoted but job record is unavailable")
		}
		return proposal, job, nil
	}
	if proposal.Status != StatusOpen {
		return nil, nil, queueerr.State("proposal_not_open", "proposal status %s cannot be promoted", proposal.Status)
	}

	var prepared *preparedTaskCreateRequest
	if len(in.TaskCreateRequestOverride) > 0 {
		var overrideRepository string
		prepared, overrideRepository, err = s.prepareTaskCreateRequest(in.TaskCreateRequestOverride)
		if err != nil {
			return nil, nil, err
		}
		// A proposal's identity (including its dedup key) is partly a
		// function of its repository; silently promoting a different
		// repository than what was reviewed would let a reviewer approve
		// one thing and ship another.
		if !strings.EqualFold(overrideRepository, proposal.Repository) {
			return nil, nil, queueerr.Validation("taskCreateRequestOverride.payload.repository (%s) must match the proposal's repository (%s)", overrideRepository, proposal.Repository)
		}
	} else {
		prepared, _, err = s.prepareTaskCreateRequest(proposal.TaskCreateRequest)
		if err != nil {
			return nil, nil, queueerr.Validation("stored task payload is invalid: %v", err)
		}
	}

	priority := prepared.Priority
	if in.PriorityOverride != nil {
		priority = *in.PriorityOverride
	}
	maxAttempts := prepared.MaxAttempts
	if in.MaxAttemptsOverride != nil {
		maxAttempts = *in.MaxAttemptsOverride
	}
	if maxAttempts < 1 {
		return nil, nil, queueerr.Validation("maxAttempts must be >= 1")
	}

	payloadJSON, err := json.Marshal(prepared.Payload)
	if err != nil {
		return nil, nil, queueerr.Validation("task payload could not be marshaled: %v", err)
	}
	job, err := s.queue.CreateJob(ctx, queue.TypeTask, payloadJSON, priority, &in.PromotedByUserID, &in.PromotedByUserID, prepared.AffinityKey, maxAttempts)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	finalRequest := *prepared
	finalRequest.Priority = priority
	finalRequest.MaxAttempts = maxAttempts
	finalJSON, err := finalRequest.toJSON()
	if err != nil {
		return nil, nil, queueerr.Validation("task create request could not be marshaled: %v", err)
	}
	scrubbed, err := s.scrubJSON(json.RawMessage(finalJSON))
	if err != nil {
		return nil, nil, err
	}

	proposal.Status = StatusPromoted
	proposal.PromotedJobID = &job.ID
	proposal.PromotedAt = &now
	proposal.PromotedByUserID = &in.PromotedByUserID
	proposal.DecidedByUserID = &in.PromotedByUserID
	proposal.TaskCreateRequest = scrubbed
	if in.Note != nil {
		note := s.scrubText(strings.TrimSpace(*in.Note))
		if note != "" {
			proposal.DecisionNote = &note
		}
	}
	if err := s.repo.UpdateProposal(ctx, proposal); err != nil {
		return nil, nil, err
	}
	s.log.Info("promoted proposal", "proposalId", proposal.ID, "jobId", job.ID, "priority", priority, "maxAttempts", maxAttempts)
	return proposal, job, nil
}

// DismissProposal transitions an open proposal to dismissed.
func (s *Service) DismissProposal(ctx context.Context, id uuid.UUID, dismissedByUserID string, note *string) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "DismissProposal", log.KV{K: "proposal_id", V: id})
	defer end(&err)

	proposal, err := s.repo.GetProposalForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != StatusOpen {
		return nil, queueerr.State("proposal_not_open", "proposal status %s cannot be dismissed", proposal.Status)
	}
	proposal.Status = StatusDismissed
	proposal.DecidedByUserID = &dismissedByUserID
	if note != nil {
		cleaned := s.scrubText(strings.TrimSpace(*note))
		if cleaned != "" {
			proposal.DecisionNote = &cleaned
		}
	}
	if err := s.repo.UpdateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	s.log.Info("dismissed proposal", "proposalId", proposal.ID)
	return proposal, nil
}

// UpdateReviewPriority changes an open proposal's reviewer-facing
// priority.
func (s *Service) UpdateReviewPriority(ctx context.Context, id uuid.UUID, priority, updatedByUserID string) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "UpdateReviewPriority", log.KV{K: "proposal_id", V: id})
	defer end(&err)

	proposal, err := s.repo.GetProposalForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != StatusOpen {
		return nil, queueerr.State("proposal_not_open", "proposal status %s cannot be reprioritized", proposal.Status)
	}
	value, err := normalizeReviewPriority(&priority)
	if err != nil {
		return nil, err
	}
	proposal.ReviewPriority = value
	proposal.DecidedByUserID = &updatedByUserID
	if err := s.repo.UpdateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	s.log.Info("updated proposal review priority", "proposalId", proposal.ID, "priority", value)
	return proposal, nil
}

// SnoozeProposal hides an open proposal from default listings until
// until, recording a bounded history entry.
func (s *Service) SnoozeProposal(ctx context.Context, id uuid.UUID, until time.Time, note *string, userID string) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "SnoozeProposal", log.KV{K: "proposal_id", V: id})
	defer end(&err)

	proposal, err := s.repo.GetProposalForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != StatusOpen {
		return nil, queueerr.State("proposal_not_open", "proposal status %s cannot be snoozed", proposal.Status)
	}
	normalizedUntil := until.UTC()
	if !normalizedUntil.After(time.Now().UTC()) {
		return nil, queueerr.Validation("snooze expiration must be in the future")
	}
	var cleanedNote *string
	if note != nil {
		cleaned := s.scrubText(strings.TrimSpace(*note))
		if cleaned != "" {
			cleanedNote = &cleaned
		}
	}
	proposal.SnoozedUntil = &normalizedUntil
	proposal.SnoozedByUserID = &userID
	proposal.SnoozeNote = cleanedNote
	history := append(append([]SnoozeEntry{}, proposal.SnoozeHistory...), SnoozeEntry{
		Until: normalizedUntil, Note: cleanedNote, SnoozedBy: userID,
	})
	if len(history) > maxSnoozeHistory {
		history = history[len(history)-maxSnoozeHistory:]
	}
	proposal.SnoozeHistory = history
	if err := s.repo.UpdateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	s.log.Info("snoozed proposal", "proposalId", proposal.ID, "until", normalizedUntil)
	return proposal, nil
}

// UnsnoozeProposal clears an open proposal's snooze state immediately.
func (s *Service) UnsnoozeProposal(ctx context.Context, id uuid.UUID, userID string) (result *Proposal, err error) {
	ctx, end := s.tracer.Start(ctx, "UnsnoozeProposal", log.KV{K: "proposal_id", V: id})
	defer end(&err)

	proposal, err := s.repo.GetProposalForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != StatusOpen {
		return nil, queueerr.State("proposal_not_open", "proposal status %s cannot be unsnoozed", proposal.Status)
	}
	proposal.SnoozedUntil = nil
	proposal.SnoozedByUserID = &userID
	proposal.SnoozeNote = nil
	if err := s.repo.UpdateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	s.log.Info("unsnoozed proposal", "proposalId", proposal.ID)
	return proposal, nil
}

func (s *Service) shouldNotifyCategory(category *string) bool {
	if category == nil {
		return false
	}
	return notificationCategories[strings.ToLower(*category)]
}

func (s *Service) buildNotificationPayload(p *Proposal) map[string]any {
	summary := p.Summary
	if len(summary) > 4000 {
		summary = summary[:4000]
	}
	payload := map[string]any{
		"text": fmt.Sprintf("[Task Proposal] %s → %s", strPtrOr(p.Category, "general"), p.Repository),
		"attachments": []map[string]any{{
			"title":      p.Title,
			"title_link": "/tasks/proposals/" + p.ID.String(),
			"text":       summary,
			"fields": []map[string]any{
				{"title": "Repository", "value": p.Repository, "short": true},
				{"title": "Priority", "value": string(p.ReviewPriority), "short": true},
			},
		}},
		"proposalId": p.ID.String(),
		"category":   p.Category,
	}
	if p.OriginID != nil {
		payload["originJobId"] = p.OriginID.String()
	}
	payload["taskPreview"] = p.TaskCreateRequest
	return payload
}

// emitNotification best-effort delivers a webhook notification for
// high-signal proposal categories, auditing the attempt regardless of
// outcome. Failures (including circuit-breaker trips) are logged and
// never surfaced to the caller.
func (s *Service) emitNotification(ctx context.Context, p *Proposal) {
	if !s.cfg.Notification.Enabled || s.cfg.Notification.WebhookURL == "" {
		return
	}
	if !s.shouldNotifyCategory(p.Category) {
		return
	}
	already, err := s.repo.HasNotification(ctx, p.ID, s.cfg.Notification.WebhookURL)
	if err != nil || already {
		return
	}
	s.deliverNotification(ctx, p, s.cfg.Notification.WebhookURL)
}

// deliverNotification performs one webhook delivery attempt and logs the
// audit row (upserted per proposal+target), regardless of outcome.
func (s *Service) deliverNotification(ctx context.Context, p *Proposal, target string) {
	body, err := json.Marshal(s.buildNotificationPayload(p))
	if err != nil {
		s.log.Warn("proposal notification payload marshal failed", "proposalId", p.ID, "error", err)
		return
	}

	status := NotificationSent
	var notifyErr error
	_, breakerErr := s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.Notification.Authorization != "" {
			req.Header.Set("Authorization", s.cfg.Notification.Authorization)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if breakerErr != nil {
		status = NotificationFailed
		notifyErr = breakerErr
		s.log.Warn("proposal notification failed", "proposalId", p.ID, "error", breakerErr)
	}

	var errMsg *string
	if notifyErr != nil {
		msg := notifyErr.Error()
		errMsg = &msg
	}
	if err := s.repo.LogNotification(ctx, &Notification{
		ProposalID: p.ID,
		Category:   strPtrOr(p.Category, ""),
		Target:     target,
		Status:     status,
		Error:      errMsg,
	}); err != nil {
		s.log.Debug("notification audit insert failed", "proposalId", p.ID, "error", err)
	}
}

// ExpireSnoozedProposals clears snooze fields on every proposal whose
// snooze has elapsed. ListProposals already does this opportunistically on
// every page request; the maintenance scheduler calls this directly so
// snoozes expire even during a quiet period with no reviewer traffic.
func (s *Service) ExpireSnoozedProposals(ctx context.Context) (result int, err error) {
	ctx, end := s.tracer.Start(ctx, "ExpireSnoozedProposals")
	defer end(&err)
	return s.repo.ExpireSnoozed(ctx, time.Now().UTC())
}

// RetryFailedNotifications re-attempts delivery for up to limit
// previously-failed webhook notifications, oldest first. Each retry is a
// fresh best-effort attempt through the same circuit breaker as
// emitNotification; a proposal that no longer exists (e.g. since deleted)
// is skipped rather than treated as an error. Returns the number of
// proposals retried (regardless of outcome).
func (s *Service) RetryFailedNotifications(ctx context.Context, limit int) (result int, err error) {
	ctx, end := s.tracer.Start(ctx, "RetryFailedNotifications")
	defer end(&err)
	if limit <= 0 {
		limit = 50
	}
	failed, err := s.repo.ListFailedNotifications(ctx, limit)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, n := range failed {
		p, err := s.repo.GetProposal(ctx, n.ProposalID)
		if err != nil {
			s.log.Debug("skipping notification retry for missing proposal", "proposalId", n.ProposalID, "error", err)
			continue
		}
		s.deliverNotification(ctx, p, n.Target)
		retried++
	}
	return retried, nil
}
