package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

type createProposalRequest struct {
	Title              string          `json:"title"`
	Summary            string          `json:"summary"`
	Category           *string         `json:"category"`
	Tags               []string        `json:"tags"`
	TaskCreateRequest  json.RawMessage `json:"taskCreateRequest"`
	OriginSource       string          `json:"originSource"`
	OriginID           *string         `json:"originId"`
	OriginMetadata     json.RawMessage `json:"originMetadata"`
	ProposedByWorkerID *string         `json:"proposedByWorkerId"`
	ProposedByUserID   *string         `json:"proposedByUserId"`
	ReviewPriority     *string         `json:"reviewPriority"`
}

func (h *handlers) createProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	var originID *uuid.UUID
	if req.OriginID != nil {
		parsed, err := uuid.Parse(*req.OriginID)
		if err != nil {
			writeError(w, queueerr.Validation("originId must be a valid UUID"))
			return
		}
		originID = &parsed
	}

	proposedByUserID := req.ProposedByUserID
	if proposedByUserID == nil && req.ProposedByWorkerID == nil {
		proposedByUserID = userIDPtr(r.Context())
	}

	in := proposals.CreateProposalInput{
		Title:              req.Title,
		Summary:            req.Summary,
		Category:           req.Category,
		Tags:               req.Tags,
		TaskCreateRequest:  req.TaskCreateRequest,
		OriginSource:       req.OriginSource,
		OriginID:           originID,
		OriginMetadata:     req.OriginMetadata,
		ProposedByWorkerID: req.ProposedByWorkerID,
		ProposedByUserID:   proposedByUserID,
		ReviewPriority:     req.ReviewPriority,
	}

	proposal, err := h.deps.Proposals.CreateProposal(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (h *handlers) listProposals(w http.ResponseWriter, r *http.Request) {
	var status *proposals.Status
	if raw := queryStrPtr(r, "status"); raw != nil {
		s := proposals.Status(*raw)
		status = &s
	}
	var originSource *proposals.OriginSource
	if raw := queryStrPtr(r, "originSource"); raw != nil {
		s := proposals.OriginSource(*raw)
		originSource = &s
	}
	in := proposals.ListProposalsInput{
		Status:         status,
		Category:       queryStrPtr(r, "category"),
		Repository:     queryStrPtr(r, "repository"),
		OriginSource:   originSource,
		Cursor:         queryStrPtr(r, "cursor"),
		Limit:          queryInt(r, "limit", 50),
		IncludeSnoozed: queryBool(r, "includeSnoozed", false),
		OnlySnoozed:    queryBool(r, "onlySnoozed", false),
	}
	list, nextCursor, err := h.deps.Proposals.ListProposals(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*proposals.Proposal{}
	}
	resp := map[string]any{"items": list}
	if nextCursor != nil {
		resp["nextCursor"] = *nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	proposal, err := h.deps.Proposals.GetProposal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (h *handlers) getSimilarProposals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	proposal, err := h.deps.Proposals.GetProposal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	similar, err := h.deps.Proposals.GetSimilarProposals(r.Context(), proposal, queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, err)
		return
	}
	if similar == nil {
		similar = []*proposals.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": similar})
}

type promoteProposalRequest struct {
	PriorityOverride          *int32          `json:"priorityOverride"`
	MaxAttemptsOverride       *int32          `json:"maxAttemptsOverride"`
	Note                      *string         `json:"note"`
	TaskCreateRequestOverride json.RawMessage `json:"taskCreateRequestOverride"`
}

func (h *handlers) promoteProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req promoteProposalRequest
	if err := decodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		writeError(w, badRequest(err))
		return
	}
	proposal, job, err := h.deps.Proposals.PromoteProposal(r.Context(), proposals.PromoteProposalInput{
		ProposalID:                id,
		PromotedByUserID:          actorUserID,
		PriorityOverride:          req.PriorityOverride,
		MaxAttemptsOverride:       req.MaxAttemptsOverride,
		Note:                      req.Note,
		TaskCreateRequestOverride: req.TaskCreateRequestOverride,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal, "job": job})
}

type dismissProposalRequest struct {
	Note *string `json:"note"`
}

func (h *handlers) dismissProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req dismissProposalRequest
	if err := decodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		writeError(w, badRequest(err))
		return
	}
	proposal, err := h.deps.Proposals.DismissProposal(r.Context(), id, actorUserID, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type updateReviewPriorityRequest struct {
	Priority string `json:"priority"`
}

func (h *handlers) updateReviewPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req updateReviewPriorityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	proposal, err := h.deps.Proposals.UpdateReviewPriority(r.Context(), id, req.Priority, actorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type snoozeProposalRequest struct {
	Until time.Time `json:"until"`
	Note  *string   `json:"note"`
}

func (h *handlers) snoozeProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req snoozeProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	proposal, err := h.deps.Proposals.SnoozeProposal(r.Context(), id, req.Until, req.Note, actorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (h *handlers) unsnoozeProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposalID")
	if !ok {
		return
	}
	actorUserID, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	proposal, err := h.deps.Proposals.UnsnoozeProposal(r.Context(), id, actorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}
