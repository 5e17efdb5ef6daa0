// Package postgres implements proposals.Repository over PostgreSQL using
// pgx/v5 directly, matching the queue package's own no-ORM, explicit-SQL
// idiom.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// Store is a PostgreSQL-backed proposals.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ proposals.Repository = (*Store)(nil)

func (s *Store) CreateProposal(ctx context.Context, p *proposals.Proposal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	history, err := json.Marshal(p.SnoozeHistory)
	if err != nil {
		return fmt.Errorf("postgres: marshal snooze history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_proposals (
			id, status, title, summary, category, tags, repository, dedup_key, dedup_hash,
			review_priority, priority_override_reason, task_create_request, proposed_by_worker_id, proposed_by_user_id,
			origin_source, origin_id, origin_metadata, snooze_history, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.ID, p.Status, p.Title, p.Summary, p.Category, tags, p.Repository, p.DedupKey, p.DedupHash,
		p.ReviewPriority, p.PriorityOverrideReason, []byte(p.TaskCreateRequest), p.ProposedByWorkerID, p.ProposedByUserID,
		p.OriginSource, p.OriginID, []byte(p.OriginMetadata), history, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create proposal: %w", err)
	}
	return nil
}

const selectProposalColumns = `
	id, status, title, summary, category, tags, repository, dedup_key, dedup_hash,
	review_priority, priority_override_reason, task_create_request, proposed_by_worker_id, proposed_by_user_id,
	origin_source, origin_id, origin_metadata, promoted_job_id, promoted_at,
	promoted_by_user_id, decided_by_user_id, decision_note, snoozed_until,
	snoozed_by_user_id, snooze_note, snooze_history, created_at, updated_at`

func scanProposal(row pgx.Row) (*proposals.Proposal, error) {
	var p proposals.Proposal
	var tags, taskCreateRequest, originMetadata, snoozeHistory []byte
	if err := row.Scan(
		&p.ID, &p.Status, &p.Title, &p.Summary, &p.Category, &tags, &p.Repository, &p.DedupKey, &p.DedupHash,
		&p.ReviewPriority, &p.PriorityOverrideReason, &taskCreateRequest, &p.ProposedByWorkerID, &p.ProposedByUserID,
		&p.OriginSource, &p.OriginID, &originMetadata, &p.PromotedJobID, &p.PromotedAt,
		&p.PromotedByUserID, &p.DecidedByUserID, &p.DecisionNote, &p.SnoozedUntil,
		&p.SnoozedByUserID, &p.SnoozeNote, &snoozeHistory, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("postgres: decode tags: %w", err)
		}
	}
	if len(snoozeHistory) > 0 {
		if err := json.Unmarshal(snoozeHistory, &p.SnoozeHistory); err != nil {
			return nil, fmt.Errorf("postgres: decode snooze history: %w", err)
		}
	}
	p.TaskCreateRequest = json.RawMessage(taskCreateRequest)
	p.OriginMetadata = json.RawMessage(originMetadata)
	return &p, nil
}

func (s *Store) GetProposal(ctx context.Context, id uuid.UUID) (*proposals.Proposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectProposalColumns+` FROM task_proposals WHERE id=$1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("proposal_not_found", "proposal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get proposal: %w", err)
	}
	return p, nil
}

func (s *Store) GetProposalForUpdate(ctx context.Context, id uuid.UUID) (*proposals.Proposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectProposalColumns+` FROM task_proposals WHERE id=$1 FOR UPDATE`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NotFound("proposal_not_found", "proposal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get proposal for update: %w", err)
	}
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context, filter proposals.ListFilter) ([]*proposals.Proposal, bool, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	now := filter.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	query := `SELECT ` + selectProposalColumns + ` FROM task_proposals WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != nil {
		query += " AND status=" + arg(*filter.Status)
	}
	if filter.Category != nil {
		query += " AND category=" + arg(*filter.Category)
	}
	if filter.Repository != nil {
		query += " AND repository=" + arg(*filter.Repository)
	}
	if filter.OriginSource != nil {
		query += " AND origin_source=" + arg(*filter.OriginSource)
	}
	if filter.Cursor != nil {
		tArg := arg(filter.Cursor.CreatedAt)
		idArg := arg(filter.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at < %s OR (created_at = %s AND id < %s))", tArg, tArg, idArg)
	}
	if filter.OnlySnoozed {
		nowArg := arg(now)
		query += " AND snoozed_until IS NOT NULL AND snoozed_until > " + nowArg
	} else if !filter.IncludeSnoozed {
		nowArg := arg(now)
		query += " AND (snoozed_until IS NULL OR snoozed_until <= " + nowArg + ")"
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s", arg(limit+1))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: list proposals: %w", err)
	}
	defer rows.Close()

	result := make([]*proposals.Proposal, 0, limit+1)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, false, fmt.Errorf("postgres: decode proposal row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("postgres: list proposals: %w", err)
	}

	hasMore := len(result) > limit
	if hasMore {
		result = result[:limit]
	}
	return result, hasMore, nil
}

func (s *Store) ListSimilar(ctx context.Context, dedupHash string, excludeID uuid.UUID, limit int) ([]*proposals.Proposal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectProposalColumns+` FROM task_proposals
		WHERE dedup_hash=$1 AND id<>$2 AND status=$3
		ORDER BY created_at DESC LIMIT $4`,
		dedupHash, excludeID, proposals.StatusOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list similar proposals: %w", err)
	}
	defer rows.Close()

	var result []*proposals.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode proposal row: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) ExpireSnoozed(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_proposals
		SET snoozed_until=NULL, snoozed_by_user_id=NULL, snooze_note=NULL
		WHERE snoozed_until IS NOT NULL AND snoozed_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire snoozed proposals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpdateProposal(ctx context.Context, p *proposals.Proposal) error {
	p.UpdatedAt = time.Now().UTC()
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	history, err := json.Marshal(p.SnoozeHistory)
	if err != nil {
		return fmt.Errorf("postgres: marshal snooze history: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_proposals SET
			status=$2, title=$3, summary=$4, category=$5, tags=$6, repository=$7,
			dedup_key=$8, dedup_hash=$9, review_priority=$10, priority_override_reason=$11, task_create_request=$12,
			promoted_job_id=$13, promoted_at=$14, promoted_by_user_id=$15,
			decided_by_user_id=$16, decision_note=$17, snoozed_until=$18,
			snoozed_by_user_id=$19, snooze_note=$20, snooze_history=$21, updated_at=$22
		WHERE id=$1`,
		p.ID, p.Status, p.Title, p.Summary, p.Category, tags, p.Repository,
		p.DedupKey, p.DedupHash, p.ReviewPriority, p.PriorityOverrideReason, []byte(p.TaskCreateRequest),
		p.PromotedJobID, p.PromotedAt, p.PromotedByUserID,
		p.DecidedByUserID, p.DecisionNote, p.SnoozedUntil,
		p.SnoozedByUserID, p.SnoozeNote, history, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queueerr.NotFound("proposal_not_found", "proposal %s not found", p.ID)
	}
	return nil
}

func (s *Store) LogNotification(ctx context.Context, n *proposals.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_proposal_notifications (id, proposal_id, category, target, status, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (proposal_id, target) DO UPDATE SET status=EXCLUDED.status, error=EXCLUDED.error`,
		n.ID, n.ProposalID, n.Category, n.Target, n.Status, n.Error, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: log notification: %w", err)
	}
	return nil
}

func (s *Store) HasNotification(ctx context.Context, proposalID uuid.UUID, target string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM task_proposal_notifications WHERE proposal_id=$1 AND target=$2)`,
		proposalID, target).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check notification: %w", err)
	}
	return exists, nil
}

func (s *Store) ListFailedNotifications(ctx context.Context, limit int) ([]*proposals.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, proposal_id, category, target, status, error, created_at
		FROM task_proposal_notifications
		WHERE status=$1
		ORDER BY created_at ASC LIMIT $2`, proposals.NotificationFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed notifications: %w", err)
	}
	defer rows.Close()

	var out []*proposals.Notification
	for rows.Next() {
		var n proposals.Notification
		if err := rows.Scan(&n.ID, &n.ProposalID, &n.Category, &n.Target, &n.Status, &n.Error, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: decode notification row: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
