package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

const telemetryEventFetchLimit = 100000

// QueueMigrationTelemetry is the aggregated snapshot returned by
// GetMigrationTelemetry, used to track the legacy-to-canonical task job
// rollout and mixed-fleet runtime/publish health.
type QueueMigrationTelemetry struct {
	GeneratedAt                time.Time
	WindowHours                int
	TotalJobs                  int
	JobVolumeByType             map[string]int
	FailureCountsByRuntimeStage []RuntimeStageFailureCount
	PublishOutcomes             PublishOutcomeCounts
	LegacyJobSubmissions        int
	EventsTruncated             bool
}

// RuntimeStageFailureCount is one (runtime, stage) bucket in the failure
// breakdown, sorted by count descending then runtime/stage ascending.
type RuntimeStageFailureCount struct {
	Runtime string
	Stage   string
	Count   int
}

// PublishOutcomeCounts summarizes publish attempts observed across the
// telemetry window.
type PublishOutcomeCounts struct {
	Requested     int
	Published     int
	Skipped       int
	Failed        int
	Unknown       int
	PublishedRate float64
	SkippedRate   float64
	FailedRate    float64
}

func roundRate(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}

// GetMigrationTelemetry aggregates job volume, failure stage, and publish
// outcome counts over the trailing windowHours, scanning at most limit jobs
// and telemetryEventFetchLimit events per call; EventsTruncated reports
// whether the event fetch hit that cap.
func (s *Service) GetMigrationTelemetry(ctx context.Context, windowHours, limit int) (*QueueMigrationTelemetry, error) {
	if windowHours < 1 || windowHours > 24*365 {
		return nil, queueerr.Validation("windowHours must be between 1 and 8760")
	}
	if limit < 1 || limit > 20000 {
		return nil, queueerr.Validation("limit must be between 1 and 20000")
	}

	generatedAt := time.Now().UTC()
	since := generatedAt.Add(-time.Duration(windowHours) * time.Hour)
	jobs, _, err := s.repo.ListJobsForTelemetry(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	jobVolumeByType := map[string]int{}
	legacySubmissions := 0
	for _, job := range jobs {
		jobVolumeByType[job.Type]++
		if LegacyJobTypes[job.Type] {
			legacySubmissions++
		}
	}

	eventsByJob, eventsTruncated, err := s.loadEventsByJob(ctx, jobs)
	if err != nil {
		return nil, err
	}

	type stageKey struct{ runtime, stage string }
	failureCounts := map[stageKey]int{}
	var publishRequested, publishPublished, publishSkipped, publishFailed, publishUnknown int

	for _, job := range jobs {
		runtime := extractJobRuntime(job.Payload)
		publishMode := extractJobPublishMode(job.Payload)
		jobEvents := eventsByJob[job.ID]

		if job.Status == StatusFailed || job.Status == StatusDeadLetter {
			key := stageKey{runtime, extractFailedStage(jobEvents)}
			failureCounts[key]++
		}

		if publishMode != "none" {
			publishRequested++
			switch extractPublishOutcome(jobEvents) {
			case "published":
				publishPublished++
			case "skipped":
				publishSkipped++
			case "failed":
				publishFailed++
			default:
				publishUnknown++
			}
		}
	}

	keys := make([]stageKey, 0, len(failureCounts))
	for k := range failureCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if failureCounts[keys[i]] != failureCounts[keys[j]] {
			return failureCounts[keys[i]] > failureCounts[keys[j]]
		}
		if keys[i].runtime != keys[j].runtime {
			return keys[i].runtime < keys[j].runtime
		}
		return keys[i].stage < keys[j].stage
	})
	failureBreakdown := make([]RuntimeStageFailureCount, 0, len(keys))
	for _, k := range keys {
		failureBreakdown = append(failureBreakdown, RuntimeStageFailureCount{Runtime: k.runtime, Stage: k.stage, Count: failureCounts[k]})
	}

	denom := publishRequested
	if denom == 0 {
		denom = 1
	}
	outcomes := PublishOutcomeCounts{
		Requested:     publishRequested,
		Published:     publishPublished,
		Skipped:       publishSkipped,
		Failed:        publishFailed,
		Unknown:       publishUnknown,
		PublishedRate: roundRate(float64(publishPublished) / float64(denom)),
		SkippedRate:   roundRate(float64(publishSkipped) / float64(denom)),
		FailedRate:    roundRate(float64(publishFailed) / float64(denom)),
	}

	return &QueueMigrationTelemetry{
		GeneratedAt:                 generatedAt,
		WindowHours:                 windowHours,
		TotalJobs:                   len(jobs),
		JobVolumeByType:             jobVolumeByType,
		FailureCountsByRuntimeStage: failureBreakdown,
		PublishOutcomes:             outcomes,
		LegacyJobSubmissions:        legacySubmissions,
		EventsTruncated:             eventsTruncated,
	}, nil
}

func (s *Service) loadEventsByJob(ctx context.Context, jobs []*Job) (map[uuid.UUID][]*JobEvent, bool, error) {
	if len(jobs) == 0 {
		return map[uuid.UUID][]*JobEvent{}, false, nil
	}
	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	events, truncated, err := s.repo.ListEventsForJobs(ctx, ids, telemetryEventFetchLimit)
	if err != nil {
		return nil, false, err
	}
	grouped := map[uuid.UUID][]*JobEvent{}
	for _, e := range events {
		grouped[e.JobID] = append(grouped[e.JobID], e)
	}
	return grouped, truncated, nil
}

// extractJobRuntime reads a canonical task payload's targetRuntime field,
// falling back to "unknown" for manifest jobs or malformed payloads.
func extractJobRuntime(payload json.RawMessage) string {
	var doc struct {
		TargetRuntime string `json:"targetRuntime"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "unknown"
	}
	runtime := doc.TargetRuntime
	if runtime == "" || !(runtime == "codex" || runtime == "gemini" || runtime == "claude" || runtime == "universal") {
		return "unknown"
	}
	return runtime
}

// extractJobPublishMode reads a canonical task payload's task.publish.mode
// field, defaulting to "none" for manifest jobs or jobs with no publish
// configuration.
func extractJobPublishMode(payload json.RawMessage) string {
	var doc struct {
		Task struct {
			Publish *struct {
				Mode string `json:"mode"`
			} `json:"publish"`
		} `json:"task"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "none"
	}
	if doc.Task.Publish == nil {
		return "none"
	}
	switch doc.Task.Publish.Mode {
	case "none", "branch", "pr":
		return doc.Task.Publish.Mode
	default:
		return "none"
	}
}

// eventStageMarker returns the event's payload "stage" field if present,
// otherwise its message, matching the convention worker-reported stage
// events use ("moonmind.task.prepare", ".execute", ".publish" prefixes).
func eventStageMarker(event *JobEvent) string {
	if len(event.Payload) > 0 {
		var doc struct {
			Stage string `json:"stage"`
		}
		if err := json.Unmarshal(event.Payload, &doc); err == nil && doc.Stage != "" {
			return doc.Stage
		}
	}
	return event.Message
}

func eventPayloadStatus(event *JobEvent) string {
	if len(event.Payload) == 0 {
		return ""
	}
	var doc struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(event.Payload, &doc); err != nil {
		return ""
	}
	return doc.Status
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// extractFailedStage scans events newest-first for the last failed
// prepare/execute/publish stage marker.
func extractFailedStage(events []*JobEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		marker := eventStageMarker(event)
		status := eventPayloadStatus(event)
		isFailed := event.Level == LevelError || status == "failed"
		if !isFailed {
			continue
		}
		switch {
		case hasPrefix(marker, "moonmind.task.prepare"):
			return "prepare"
		case hasPrefix(marker, "moonmind.task.execute"):
			return "execute"
		case hasPrefix(marker, "moonmind.task.publish"):
			return "publish"
		}
	}
	return "unknown"
}

// extractPublishOutcome scans events newest-first for the most recent
// publish-stage marker's terminal status.
func extractPublishOutcome(events []*JobEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		marker := eventStageMarker(event)
		status := eventPayloadStatus(event)
		if marker == "moonmind.task.publish" && (status == "published" || status == "skipped") {
			return status
		}
		if hasPrefix(marker, "moonmind.task.publish") && (event.Level == LevelError || status == "failed") {
			return "failed"
		}
	}
	return "unknown"
}

// RequireWorkerToken returns worker token metadata by id, translating a
// not-found repository error into a validation error.
func (s *Service) RequireWorkerToken(ctx context.Context, id uuid.UUID) (*WorkerToken, error) {
	token, err := s.repo.GetWorkerToken(ctx, id)
	if err != nil {
		if queueerr.Is(err, queueerr.KindNotFound) {
			return nil, queueerr.Validation("%v", err)
		}
		return nil, err
	}
	return token, nil
}
