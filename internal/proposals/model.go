package proposals

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPromoted  Status = "promoted"
	StatusDismissed Status = "dismissed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// OriginSource identifies what produced a proposal, for auditing.
type OriginSource string

const (
	OriginQueue        OriginSource = "queue"
	OriginOrchestrator OriginSource = "orchestrator"
	OriginWorkflow     OriginSource = "workflow"
	OriginManual       OriginSource = "manual"
)

var validOriginSources = map[OriginSource]bool{
	OriginQueue: true, OriginOrchestrator: true, OriginWorkflow: true, OriginManual: true,
}

// ReviewPriority is reviewer-facing triage priority.
type ReviewPriority string

const (
	PriorityLow    ReviewPriority = "low"
	PriorityNormal ReviewPriority = "normal"
	PriorityHigh   ReviewPriority = "high"
	PriorityUrgent ReviewPriority = "urgent"
)

var priorityRank = map[ReviewPriority]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityUrgent: 3,
}

var validReviewPriorities = map[ReviewPriority]bool{
	PriorityLow: true, PriorityNormal: true, PriorityHigh: true, PriorityUrgent: true,
}

// SnoozeEntry is one bounded history entry recorded each time a proposal
// is snoozed. History is kept to the last 20 entries.
type SnoozeEntry struct {
	Until     time.Time `json:"until"`
	Note      *string   `json:"note,omitempty"`
	SnoozedBy string    `json:"snoozedBy"`
}

const maxSnoozeHistory = 20

// Proposal is a control-plane record representing a follow-up task
// proposal raised by a worker, an orchestrator, or a human reviewer.
type Proposal struct {
	ID                      uuid.UUID       `json:"id"`
	Status                  Status          `json:"status"`
	Title                   string          `json:"title"`
	Summary                 string          `json:"summary"`
	Category                *string         `json:"category,omitempty"`
	Tags                    []string        `json:"tags"`
	Repository              string          `json:"repository"`
	DedupKey                string          `json:"dedupKey"`
	DedupHash               string          `json:"dedupHash"`
	ReviewPriority          ReviewPriority  `json:"reviewPriority"`
	PriorityOverrideReason  *string         `json:"priorityOverrideReason,omitempty"`
	TaskCreateRequest       json.RawMessage `json:"taskCreateRequest"`
	ProposedByWorkerID      *string         `json:"proposedByWorkerId,omitempty"`
	ProposedByUserID        *string         `json:"proposedByUserId,omitempty"`
	OriginSource            OriginSource    `json:"originSource"`
	OriginID                *uuid.UUID      `json:"originId,omitempty"`
	OriginMetadata          json.RawMessage `json:"originMetadata"`
	PromotedJobID           *uuid.UUID      `json:"promotedJobId,omitempty"`
	PromotedAt              *time.Time      `json:"promotedAt,omitempty"`
	PromotedByUserID        *string         `json:"promotedByUserId,omitempty"`
	DecidedByUserID         *string         `json:"decidedByUserId,omitempty"`
	DecisionNote            *string         `json:"decisionNote,omitempty"`
	SnoozedUntil            *time.Time      `json:"snoozedUntil,omitempty"`
	SnoozedByUserID         *string         `json:"snoozedByUserId,omitempty"`
	SnoozeNote              *string         `json:"snoozeNote,omitempty"`
	SnoozeHistory           []SnoozeEntry   `json:"snoozeHistory"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// NotificationStatus is the delivery state of a proposal notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an audit-log row for a high-signal proposal's webhook
// delivery attempt, unique per (proposal, target).
type Notification struct {
	ID         uuid.UUID          `json:"id"`
	ProposalID uuid.UUID          `json:"proposalId"`
	Category   string             `json:"category"`
	Target     string             `json:"target"`
	Status     NotificationStatus `json:"status"`
	Error      *string            `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}
