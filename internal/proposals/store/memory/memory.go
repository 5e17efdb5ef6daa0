// Package memory provides an in-memory implementation of the proposals
// Repository, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// Store is an in-memory proposals.Repository. Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	proposals     map[uuid.UUID]*proposals.Proposal
	notifications map[uuid.UUID][]*proposals.Notification
}

var _ proposals.Repository = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		proposals:     make(map[uuid.UUID]*proposals.Proposal),
		notifications: make(map[uuid.UUID][]*proposals.Notification),
	}
}

func (s *Store) CreateProposal(_ context.Context, p *proposals.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

func (s *Store) ListProposals(_ context.Context, filter proposals.ListFilter) ([]*proposals.Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := filter.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	all := make([]*proposals.Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})

	matched := make([]*proposals.Proposal, 0, len(all))
	for _, p := range all {
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.Category != nil && (p.Category == nil || *p.Category != *filter.Category) {
			continue
		}
		if filter.Repository != nil && p.Repository != *filter.Repository {
			continue
		}
		if filter.OriginSource != nil && p.OriginSource != *filter.OriginSource {
			continue
		}
		if filter.Cursor != nil {
			c := filter.Cursor
			if !(p.CreatedAt.Before(c.CreatedAt) || (p.CreatedAt.Equal(c.CreatedAt) && p.ID.String() < c.ID.String())) {
				continue
			}
		}
		if filter.OnlySnoozed {
			if p.SnoozedUntil == nil || !p.SnoozedUntil.After(now) {
				continue
			}
		} else if !filter.IncludeSnoozed {
			if p.SnoozedUntil != nil && p.SnoozedUntil.After(now) {
				continue
			}
		}
		cp := *p
		matched = append(matched, &cp)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	return matched, hasMore, nil
}

func (s *Store) GetProposal(_ context.Context, id uuid.UUID) (*proposals.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, queueerr.NotFound("proposal_not_found", "proposal %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// GetProposalForUpdate has no separate locking story in-process; the
// store's single mutex already serializes all mutations.
func (s *Store) GetProposalForUpdate(ctx context.Context, id uuid.UUID) (*proposals.Proposal, error) {
	return s.GetProposal(ctx, id)
}

func (s *Store) ListSimilar(_ context.Context, dedupHash string, excludeID uuid.UUID, limit int) ([]*proposals.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proposals.Proposal, 0, limit)
	candidates := make([]*proposals.Proposal, 0)
	for _, p := range s.proposals {
		if p.DedupHash == dedupHash && p.ID != excludeID && p.Status == proposals.StatusOpen {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	for i, p := range candidates {
		if i >= limit {
			break
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ExpireSnoozed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.proposals {
		if p.SnoozedUntil != nil && !p.SnoozedUntil.After(now) {
			p.SnoozedUntil = nil
			p.SnoozedByUserID = nil
			p.SnoozeNote = nil
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateProposal(_ context.Context, p *proposals.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; !ok {
		return queueerr.NotFound("proposal_not_found", "proposal %s not found", p.ID)
	}
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

// LogNotification upserts the audit row for (proposalID, target), matching
// the postgres store's ON CONFLICT (proposal_id, target) DO UPDATE: at most
// one row tracks the latest attempt per target.
func (s *Store) LogNotification(_ context.Context, n *proposals.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	existing := s.notifications[n.ProposalID]
	for i, e := range existing {
		if e.Target == n.Target {
			existing[i] = &cp
			return nil
		}
	}
	s.notifications[n.ProposalID] = append(existing, &cp)
	return nil
}

func (s *Store) HasNotification(_ context.Context, proposalID uuid.UUID, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications[proposalID] {
		if n.Target == target {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListFailedNotifications(_ context.Context, limit int) ([]*proposals.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*proposals.Notification
	for _, rows := range s.notifications {
		for _, n := range rows {
			if n.Status == proposals.NotificationFailed {
				cp := *n
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
