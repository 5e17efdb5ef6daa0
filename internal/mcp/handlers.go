package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

type enqueueArgs struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int32           `json:"priority"`
	AffinityKey *string         `json:"affinityKey"`
	MaxAttempts int32           `json:"maxAttempts"`
}

func handleEnqueue(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args enqueueArgs
	args.MaxAttempts = 3
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.enqueue", Detail: err.Error()}
	}
	job, err := execCtx.Service.CreateJob(ctx, args.Type, args.Payload, args.Priority, execCtx.UserID, execCtx.UserID, args.AffinityKey, args.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return job, nil
}

type claimArgs struct {
	WorkerID           string   `json:"workerId"`
	LeaseSeconds       int      `json:"leaseSeconds"`
	AllowedTypes       []string `json:"allowedTypes"`
	WorkerCapabilities []string `json:"workerCapabilities"`
}

func handleClaim(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args claimArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.claim", Detail: err.Error()}
	}
	job, err := execCtx.Service.ClaimJob(ctx, args.WorkerID, args.LeaseSeconds, args.AllowedTypes, args.WorkerCapabilities)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

type heartbeatArgs struct {
	JobID        uuid.UUID `json:"jobId"`
	WorkerID     string    `json:"workerId"`
	LeaseSeconds int       `json:"leaseSeconds"`
}

func handleHeartbeat(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args heartbeatArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.heartbeat", Detail: err.Error()}
	}
	return execCtx.Service.Heartbeat(ctx, args.JobID, args.WorkerID, args.LeaseSeconds)
}

type completeArgs struct {
	JobID         uuid.UUID `json:"jobId"`
	WorkerID      string    `json:"workerId"`
	ResultSummary *string   `json:"resultSummary"`
}

func handleComplete(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args completeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.complete", Detail: err.Error()}
	}
	return execCtx.Service.CompleteJob(ctx, args.JobID, args.WorkerID, args.ResultSummary)
}

type failArgs struct {
	JobID        uuid.UUID `json:"jobId"`
	WorkerID     string    `json:"workerId"`
	ErrorMessage string    `json:"errorMessage"`
	Retryable    bool      `json:"retryable"`
}

func handleFail(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args failArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.fail", Detail: err.Error()}
	}
	return execCtx.Service.FailJob(ctx, args.JobID, args.WorkerID, args.ErrorMessage, args.Retryable)
}

type cancelArgs struct {
	JobID  uuid.UUID `json:"jobId"`
	Reason *string   `json:"reason"`
}

// handleCancel wires queue.cancel to Service.RequestCancel. The original
// registry's tool list never registered this verb despite the
// external-interfaces surface naming it; this registry adds it rather than
// reproducing that omission.
func handleCancel(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args cancelArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.cancel", Detail: err.Error()}
	}
	return execCtx.Service.RequestCancel(ctx, args.JobID, execCtx.UserID, args.Reason)
}

type getArgs struct {
	JobID uuid.UUID `json:"jobId"`
}

func handleGet(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args getArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.get", Detail: err.Error()}
	}
	return execCtx.Service.GetJob(ctx, args.JobID)
}

type listArgs struct {
	Status *string `json:"status"`
	Type   *string `json:"type"`
	Limit  int     `json:"limit"`
}

func handleList(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	args := listArgs{Limit: 50}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.list", Detail: err.Error()}
	}
	jobs, err := execCtx.Service.ListJobs(ctx, args.Status, args.Type, args.Limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	return map[string]any{"items": jobs}, nil
}

type uploadArtifactArgs struct {
	JobID         uuid.UUID `json:"jobId"`
	Name          string    `json:"name"`
	ContentBase64 string    `json:"contentBase64"`
	ContentType   *string   `json:"contentType"`
	Digest        *string   `json:"digest"`
}

func handleUploadArtifact(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error) {
	var args uploadArtifactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: "queue.upload_artifact", Detail: err.Error()}
	}
	data, err := base64.StdEncoding.DecodeString(args.ContentBase64)
	if err != nil {
		return nil, queueerr.Validation("contentBase64 must be valid base64")
	}
	return execCtx.Service.UploadArtifact(ctx, args.JobID, args.Name, data, args.ContentType, args.Digest, nil)
}
