package proposals_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	propmemory "github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/memory"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	queuememory "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
)

func newTestService(t *testing.T) *proposals.Service {
	t.Helper()
	qsvc := queue.NewService(queuememory.New(), storage.New(t.TempDir()), nil, queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}, nil)
	cfg := proposals.Config{
		MoonMindRepository: "moon/mind",
	}
	return proposals.NewService(propmemory.New(), qsvc, cfg, nil, nil)
}

const proposalTaskPayload = `{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"run thing"}}`

func taskCreateRequest(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"type":"task","priority":5,"maxAttempts":3,"payload":` + proposalTaskPayload + `}`)
}

// Scenario 7 (spec §8): a MoonMind-CI proposal forces category=run_quality,
// intersects tags with the signal allowlist, and derives review_priority
// (plus its override reason) from the signal's severity.
func TestMoonMindCIProposalForcesCategoryTagsAndPriority(t *testing.T) {
	svc := newTestService(t)
	workerID := "worker-1"

	category := "tests"
	metadata, err := json.Marshal(map[string]any{
		"triggerRepo": "Moon/Mind",
		"triggerJobId": "abc",
		"signal": map[string]any{"severity": "high"},
	})
	require.NoError(t, err)

	proposal, err := svc.CreateProposal(t.Context(), proposals.CreateProposalInput{
		Title:              "flaky test on main",
		Summary:            "observed two consecutive flaky failures",
		Category:           &category,
		Tags:               []string{"flaky_test", "cosmetic"},
		TaskCreateRequest:  taskCreateRequest(t),
		OriginSource:       "queue",
		OriginMetadata:     metadata,
		ProposedByWorkerID: &workerID,
	})
	require.NoError(t, err)
	require.NotNil(t, proposal.Category)
	require.Equal(t, "run_quality", *proposal.Category)
	require.Equal(t, []string{"flaky_test"}, proposal.Tags)
	require.Equal(t, proposals.PriorityHigh, proposal.ReviewPriority)
	require.NotNil(t, proposal.PriorityOverrideReason)
	require.Equal(t, "signal:severity", *proposal.PriorityOverrideReason)
}

func TestMoonMindCIProposalRejectsUnapprovedTagsOnly(t *testing.T) {
	svc := newTestService(t)
	workerID := "worker-1"

	metadata, err := json.Marshal(map[string]any{
		"triggerRepo": "Moon/Mind",
		"triggerJobId": "abc",
		"signal": map[string]any{"severity": "low"},
	})
	require.NoError(t, err)

	_, err = svc.CreateProposal(t.Context(), proposals.CreateProposalInput{
		Title:              "unrelated note",
		Summary:            "nothing in the allowlist",
		Tags:               []string{"cosmetic"},
		TaskCreateRequest:  taskCreateRequest(t),
		OriginSource:       "queue",
		OriginMetadata:     metadata,
		ProposedByWorkerID: &workerID,
	})
	require.Error(t, err)
}

// Basic create/list/promote round trip for a non-MoonMind repository, where
// no special-case policy applies.
func TestCreateListAndPromoteProposal(t *testing.T) {
	svc := newTestService(t)
	workerID := "worker-1"
	userID := "reviewer-1"

	raw := json.RawMessage(`{"type":"task","priority":1,"maxAttempts":3,"payload":{"repository":"Other/Repo","targetRuntime":"codex","task":{"instructions":"do it"}}}`)
	proposal, err := svc.CreateProposal(t.Context(), proposals.CreateProposalInput{
		Title:              "follow-up work",
		Summary:            "do the follow-up",
		TaskCreateRequest:  raw,
		OriginSource:       "manual",
		ProposedByWorkerID: &workerID,
	})
	require.NoError(t, err)
	require.Equal(t, proposals.StatusOpen, proposal.Status)
	require.Nil(t, proposal.PriorityOverrideReason)

	page, cursor, err := svc.ListProposals(t.Context(), proposals.ListProposalsInput{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Nil(t, cursor)

	promoted, job, err := svc.PromoteProposal(t.Context(), proposals.PromoteProposalInput{
		ProposalID:       proposal.ID,
		PromotedByUserID: userID,
	})
	require.NoError(t, err)
	require.Equal(t, proposals.StatusPromoted, promoted.Status)
	require.NotNil(t, job)
	require.NotNil(t, promoted.PromotedJobID)
	require.Equal(t, job.ID, *promoted.PromotedJobID)

	// Re-promoting is idempotent: returns the same job, no second one created.
	again, job2, err := svc.PromoteProposal(t.Context(), proposals.PromoteProposalInput{
		ProposalID:       proposal.ID,
		PromotedByUserID: userID,
	})
	require.NoError(t, err)
	require.Equal(t, job.ID, job2.ID)
	require.Equal(t, proposal.ID, again.ID)
}
