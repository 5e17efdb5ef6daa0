package manifestregistry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contractmanifest"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/telemetry"
)

// manifestRunMaxAttempts is the default retry budget for a submitted
// manifest run, matching the queue's own default for the task job type.
const manifestRunMaxAttempts = 3

// Service implements CRUD over named manifest definitions and submission
// of manifest-type queue jobs against them.
type Service struct {
	store  Store
	queue  *queue.Service
	manCfg contractmanifest.Config
	tracer telemetry.Tracer
}

// NewService constructs a Service over store, dispatching submitted runs
// through queueSvc.
func NewService(store Store, queueSvc *queue.Service, manCfg contractmanifest.Config) *Service {
	return &Service{store: store, queue: queueSvc, manCfg: manCfg, tracer: telemetry.NewTracer("manifestregistry")}
}

// UpsertManifest validates content as a v0 manifest whose metadata.name
// matches name, then creates or replaces the registry record for name.
func (s *Service) UpsertManifest(ctx context.Context, name, content string) (result *Record, err error) {
	ctx, end := s.tracer.Start(ctx, "UpsertManifest", log.KV{K: "manifest_name", V: name})
	defer end(&err)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, queueerr.Validation("name must be a non-empty string")
	}
	if strings.TrimSpace(content) == "" {
		return nil, queueerr.Validation("content must be a non-empty string")
	}

	// NormalizeManifestJobPayload is the only manifest-validation entry
	// point available; action is irrelevant to validating the stored
	// definition, so "plan" is used as a harmless probe action.
	normalized, err := contractmanifest.NormalizeManifestJobPayload(s.manCfg, contractmanifest.RawManifestJob{
		Name:   name,
		Action: "plan",
		Source: contractmanifest.Source{Kind: "inline", Content: content},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	existing, err := s.store.GetManifest(ctx, name)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	record := &Record{
		Name:        name,
		Content:     content,
		ContentHash: normalized.ManifestHash,
		Version:     normalized.Version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
		record.LastRunJobID = existing.LastRunJobID
		record.LastRunStatus = existing.LastRunStatus
		record.LastRunStartedAt = existing.LastRunStartedAt
		record.LastRunFinishedAt = existing.LastRunFinishedAt
		record.StateJSON = existing.StateJSON
	}

	if err := s.store.SaveManifest(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetManifest fetches a registry record by name.
func (s *Service) GetManifest(ctx context.Context, name string) (result *Record, err error) {
	ctx, end := s.tracer.Start(ctx, "GetManifest", log.KV{K: "manifest_name", V: name})
	defer end(&err)
	record, err := s.store.GetManifest(ctx, name)
	if err == ErrNotFound {
		return nil, queueerr.NotFound("manifest_not_found", "manifest %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListManifests returns all registry records, ordered by name.
func (s *Service) ListManifests(ctx context.Context) (result []*Record, err error) {
	ctx, end := s.tracer.Start(ctx, "ListManifests")
	defer end(&err)
	return s.store.ListManifests(ctx)
}

// DeleteManifest removes a registry record by name.
func (s *Service) DeleteManifest(ctx context.Context, name string) (err error) {
	ctx, end := s.tracer.Start(ctx, "DeleteManifest", log.KV{K: "manifest_name", V: name})
	defer end(&err)
	err = s.store.DeleteManifest(ctx, name)
	if err == ErrNotFound {
		return queueerr.NotFound("manifest_not_found", "manifest %q not found", name)
	}
	return err
}

// SubmitManifestRun fetches the named record, submits a registry-source
// manifest job against it with the given action/options, and records the
// job as the record's last run.
func (s *Service) SubmitManifestRun(ctx context.Context, name, action string, options *contractmanifest.Options, userID *string) (result *queue.Job, err error) {
	ctx, end := s.tracer.Start(ctx, "SubmitManifestRun", log.KV{K: "manifest_name", V: name})
	defer end(&err)

	record, err := s.GetManifest(ctx, name)
	if err != nil {
		return nil, err
	}

	payload := contractmanifest.RawManifestJob{
		Name:    name,
		Action:  action,
		Source:  contractmanifest.Source{Kind: "registry", Name: name, Content: record.Content},
		Options: options,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, queueerr.Validation("manifest run payload could not be marshaled: %v", err)
	}

	job, err := s.queue.CreateJob(ctx, queue.TypeManifest, raw, 0, userID, userID, nil, manifestRunMaxAttempts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobID := job.ID
	status := job.Status
	record.LastRunJobID = &jobID
	record.LastRunStatus = &status
	record.LastRunStartedAt = &now
	record.LastRunFinishedAt = nil
	record.UpdatedAt = now
	if err := s.store.SaveManifest(ctx, record); err != nil {
		return nil, err
	}

	return job, nil
}
