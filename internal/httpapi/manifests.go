package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contractmanifest"
)

type upsertManifestRequest struct {
	Content string `json:"content"`
}

func (h *handlers) upsertManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req upsertManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	record, err := h.deps.Manifests.UpsertManifest(r.Context(), name, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handlers) getManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	record, err := h.deps.Manifests.GetManifest(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handlers) deleteManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.deps.Manifests.DeleteManifest(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listManifests(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Manifests.ListManifests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*manifestregistry.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

type submitManifestRunRequest struct {
	Action  string                   `json:"action"`
	Options *contractmanifest.Options `json:"options"`
}

func (h *handlers) submitManifestRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req submitManifestRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	job, err := h.deps.Manifests.SubmitManifestRun(r.Context(), name, req.Action, req.Options, userIDPtr(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}
