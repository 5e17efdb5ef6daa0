package httpapi

import (
	"net/http"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

func (h *handlers) getLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	session, err := h.deps.Queue.GetLiveSession(r.Context(), id, userIDPtr(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handlers) createLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	session, err := h.deps.Queue.CreateLiveSession(r.Context(), id, &actorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type reportLiveSessionRequest struct {
	WorkerID       string     `json:"workerId"`
	WorkerHostname *string    `json:"workerHostname"`
	Status         string     `json:"status"`
	Provider       *string    `json:"provider"`
	AttachRO       *string    `json:"attachRo"`
	AttachRW       *string    `json:"attachRw"`
	WebRO          *string    `json:"webRo"`
	WebRW          *string    `json:"webRw"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	ErrorMessage   *string    `json:"errorMessage"`
}

func (h *handlers) reportLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	var req reportLiveSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	session, err := h.deps.Queue.ReportLiveSession(r.Context(), id, queue.ReportLiveSessionInput{
		WorkerID:       req.WorkerID,
		WorkerHostname: req.WorkerHostname,
		Status:         req.Status,
		Provider:       req.Provider,
		AttachRO:       req.AttachRO,
		AttachRW:       req.AttachRW,
		WebRO:          req.WebRO,
		WebRW:          req.WebRW,
		ExpiresAt:      req.ExpiresAt,
		ErrorMessage:   req.ErrorMessage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type heartbeatLiveSessionRequest struct {
	WorkerID string `json:"workerId"`
}

func (h *handlers) heartbeatLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	var req heartbeatLiveSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	session, err := h.deps.Queue.HeartbeatLiveSession(r.Context(), id, req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type grantLiveSessionWriteRequest struct {
	TTLMinutes *int `json:"ttlMinutes"`
}

func (h *handlers) grantLiveSessionWrite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req grantLiveSessionWriteRequest
	if err := decodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		writeError(w, badRequest(err))
		return
	}
	grant, err := h.deps.Queue.GrantLiveSessionWrite(r.Context(), id, &actorUserID, req.TTLMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type revokeLiveSessionRequest struct {
	Reason *string `json:"reason"`
}

func (h *handlers) revokeLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req revokeLiveSessionRequest
	if err := decodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		writeError(w, badRequest(err))
		return
	}
	session, err := h.deps.Queue.RevokeLiveSession(r.Context(), id, &actorUserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type applyControlActionRequest struct {
	Action string `json:"action"`
}

func (h *handlers) applyControlAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req applyControlActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Queue.ApplyControlAction(r.Context(), id, &actorUserID, req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type appendOperatorMessageRequest struct {
	Message string `json:"message"`
}

func (h *handlers) appendOperatorMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req appendOperatorMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	event, err := h.deps.Queue.AppendOperatorMessage(r.Context(), id, &actorUserID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// watchLiveSession upgrades to a websocket and relays the task run's
// "moonmind:live:"+id pub/sub channel verbatim. Never required for
// correctness: the cursor-based REST/MCP surface is fully sufficient on
// its own, so an absent Subscriber just fails the upgrade with 501.
func (h *handlers) watchLiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "taskRunID")
	if !ok {
		return
	}
	if h.deps.Subscriber == nil {
		writeError(w, queueerr.ValidationCode("watch_unavailable", "live-session watch is not configured on this deployment"))
		return
	}
	serveLiveSessionWatch(w, r, h.deps.Subscriber, "moonmind:live:"+id.String())
}
