package proposals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows ListProposals; zero-value fields are unfiltered.
type ListFilter struct {
	Status         *Status
	Category       *string
	Repository     *string
	OriginSource   *OriginSource
	Cursor         *Cursor
	Limit          int
	IncludeSnoozed bool
	OnlySnoozed    bool
	Now            time.Time
}

// Cursor is the decoded keyset-pagination position: the last page's
// final row's (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Repository is the persistence layer for proposals and their
// notification audit log. Implementations must be safe for concurrent
// use.
type Repository interface {
	CreateProposal(ctx context.Context, p *Proposal) error

	// ListProposals returns up to filter.Limit proposals newest-first,
	// plus whether more rows exist beyond the page.
	ListProposals(ctx context.Context, filter ListFilter) ([]*Proposal, bool, error)

	GetProposal(ctx context.Context, id uuid.UUID) (*Proposal, error)

	// GetProposalForUpdate fetches a proposal with a row lock (Postgres:
	// SELECT ... FOR UPDATE) so a concurrent decision cannot race.
	GetProposalForUpdate(ctx context.Context, id uuid.UUID) (*Proposal, error)

	// ListSimilar returns up to limit open proposals sharing dedupHash,
	// excluding excludeID, newest-first.
	ListSimilar(ctx context.Context, dedupHash string, excludeID uuid.UUID, limit int) ([]*Proposal, error)

	// ExpireSnoozed clears snooze fields on every proposal whose
	// snoozedUntil has elapsed as of now, returning the count cleared.
	ExpireSnoozed(ctx context.Context, now time.Time) (int, error)

	// UpdateProposal persists the full current state of p (status,
	// decision fields, snooze fields, task_create_request, etc.).
	UpdateProposal(ctx context.Context, p *Proposal) error

	LogNotification(ctx context.Context, n *Notification) error

	HasNotification(ctx context.Context, proposalID uuid.UUID, target string) (bool, error)

	// ListFailedNotifications returns up to limit notification audit rows
	// whose most recent delivery attempt is still status=failed, oldest
	// first, for best-effort retry by the maintenance scheduler.
	ListFailedNotifications(ctx context.Context, limit int) ([]*Notification, error)
}
