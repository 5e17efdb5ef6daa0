package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

type uploadArtifactRequest struct {
	Name          string  `json:"name"`
	ContentBase64 string  `json:"contentBase64"`
	ContentType   *string `json:"contentType"`
	Digest        *string `json:"digest"`
	WorkerID      *string `json:"workerId"`
}

func (h *handlers) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req uploadArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, queueerr.Validation("contentBase64 must be valid base64"))
		return
	}
	artifact, err := h.deps.Queue.UploadArtifact(r.Context(), jobID, req.Name, data, req.ContentType, req.Digest, req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (h *handlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	artifacts, err := h.deps.Queue.ListArtifacts(r.Context(), jobID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []*queue.JobArtifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": artifacts})
}

func (h *handlers) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	artifactID, ok := pathUUID(w, r, "artifactID")
	if !ok {
		return
	}
	download, err := h.deps.Queue.GetArtifactDownload(r.Context(), jobID, artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Open(download.FilePath)
	if err != nil {
		writeError(w, queueerr.NotFound("artifact_not_found", "artifact content is unavailable"))
		return
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if download.Artifact.ContentType != nil && *download.Artifact.ContentType != "" {
		contentType = *download.Artifact.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+download.Artifact.Name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

type appendEventRequest struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func (h *handlers) appendEvent(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	event, err := h.deps.Queue.AppendEvent(r.Context(), jobID, req.Level, req.Message, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	var cursor queue.EventCursor
	if raw := r.URL.Query().Get("after"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, queueerr.Validation("after must be an RFC3339 timestamp"))
			return
		}
		cursor.After = &ts
	}
	if raw := r.URL.Query().Get("afterEventId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, queueerr.Validation("afterEventId must be a valid UUID"))
			return
		}
		cursor.AfterEventID = &id
	}

	events, hasMore, err := h.deps.Queue.ListEvents(r.Context(), jobID, queryInt(r, "limit", 100), cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*queue.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "hasMore": hasMore})
}
