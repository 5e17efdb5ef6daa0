package httpapi

import (
	"net/http"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

type issueWorkerTokenRequest struct {
	WorkerID            string   `json:"workerId"`
	Description         *string  `json:"description"`
	AllowedRepositories []string `json:"allowedRepositories"`
	AllowedJobTypes     []string `json:"allowedJobTypes"`
	Capabilities        []string `json:"capabilities"`
}

func (h *handlers) issueWorkerToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	var req issueWorkerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	result, err := h.deps.Queue.IssueWorkerToken(r.Context(), req.WorkerID, req.Description, req.AllowedRepositories, req.AllowedJobTypes, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": result.Token, "rawToken": result.RawToken})
}

func (h *handlers) listWorkerTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	tokens, err := h.deps.Queue.ListWorkerTokens(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if tokens == nil {
		tokens = []*queue.WorkerToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tokens})
}

func (h *handlers) revokeWorkerToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	id, ok := pathUUID(w, r, "tokenID")
	if !ok {
		return
	}
	token, err := h.deps.Queue.RevokeWorkerToken(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *handlers) getWorkerPause(w http.ResponseWriter, r *http.Request) {
	state, err := h.deps.Queue.GetWorkerPauseState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type setWorkerPauseRequest struct {
	Paused bool    `json:"paused"`
	Mode   *string `json:"mode"`
	Reason *string `json:"reason"`
}

func (h *handlers) setWorkerPause(w http.ResponseWriter, r *http.Request) {
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req setWorkerPauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	state, err := h.deps.Queue.SetWorkerPauseState(r.Context(), req.Paused, req.Mode, req.Reason, actorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
