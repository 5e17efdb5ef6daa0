package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

type createJobRequest struct {
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int32           `json:"priority"`
	AffinityKey       *string         `json:"affinityKey"`
	MaxAttempts       int32           `json:"maxAttempts"`
	RequestedByUserID *string         `json:"requestedByUserId"`
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	req.MaxAttempts = 3
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	requestedBy := req.RequestedByUserID
	if requestedBy == nil {
		requestedBy = userIDPtr(r.Context())
	}
	job, err := h.deps.Queue.CreateJob(r.Context(), req.Type, req.Payload, req.Priority, userIDPtr(r.Context()), requestedBy, req.AffinityKey, req.MaxAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Queue.ListJobs(r.Context(), queryStrPtr(r, "status"), queryStrPtr(r, "type"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

type claimJobRequest struct {
	WorkerID           string   `json:"workerId"`
	LeaseSeconds       int      `json:"leaseSeconds"`
	AllowedTypes       []string `json:"allowedTypes"`
	WorkerCapabilities []string `json:"workerCapabilities"`
}

func (h *handlers) claimJob(w http.ResponseWriter, r *http.Request) {
	policy, ok := requireWorkerToken(w, r, h.deps.Queue)
	if !ok {
		return
	}
	var req claimJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = policy.WorkerID
	}
	job, err := h.deps.Queue.ClaimJob(r.Context(), req.WorkerID, req.LeaseSeconds, req.AllowedTypes, req.WorkerCapabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.deps.Queue.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerID     string `json:"workerId"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.Heartbeat(r.Context(), id, req.WorkerID, req.LeaseSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeJobRequest struct {
	WorkerID      string  `json:"workerId"`
	ResultSummary *string `json:"resultSummary"`
}

func (h *handlers) completeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req completeJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.CompleteJob(r.Context(), id, req.WorkerID, req.ResultSummary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type failJobRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	Retryable    bool   `json:"retryable"`
}

func (h *handlers) failJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req failJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.FailJob(r.Context(), id, req.WorkerID, req.ErrorMessage, req.Retryable)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type requestCancelRequest struct {
	Reason *string `json:"reason"`
}

func (h *handlers) requestCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req requestCancelRequest
	if err := decodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.RequestCancel(r.Context(), id, userIDPtr(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type ackCancelRequest struct {
	WorkerID string  `json:"workerId"`
	Message  *string `json:"message"`
}

func (h *handlers) ackCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req ackCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.AckCancel(r.Context(), id, req.WorkerID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) migrationTelemetry(w http.ResponseWriter, r *http.Request) {
	telemetry, err := h.deps.Queue.GetMigrationTelemetry(r.Context(), queryInt(r, "windowHours", 24), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, telemetry)
}

func badRequest(err error) error {
	return wrapDecodeError(err)
}
