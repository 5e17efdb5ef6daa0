package maintenance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/maintenance"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	propmemory "github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/memory"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	queuememory "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
)

const maintenanceTaskPayload = `{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"run thing"}}`

func newTestActivities(t *testing.T) (*maintenance.Activities, *queue.Service, *proposals.Service) {
	t.Helper()
	qsvc := queue.NewService(queuememory.New(), storage.New(t.TempDir()), nil, queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}, nil)
	psvc := proposals.NewService(propmemory.New(), qsvc, proposals.Config{}, nil, nil)
	return &maintenance.Activities{Queue: qsvc, Proposals: psvc}, qsvc, psvc
}

// RunOnce normalizes a job whose lease expired without a worker ever
// calling heartbeat/complete/fail, and clears an elapsed proposal snooze,
// without needing a Temporal worker running.
func TestRunOnceNormalizesLeasesAndSnoozes(t *testing.T) {
	activities, qsvc, psvc := newTestActivities(t)
	ctx := t.Context()

	job, err := qsvc.CreateJob(ctx, queue.TypeTask, []byte(maintenanceTaskPayload), 0, nil, nil, nil, 3)
	require.NoError(t, err)
	_, err = qsvc.ClaimJob(ctx, "w1", 1, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)

	workerID := "w1"
	proposal, err := psvc.CreateProposal(ctx, proposals.CreateProposalInput{
		Title:              "follow-up",
		Summary:            "needs a look",
		TaskCreateRequest:  []byte(`{"type":"task","priority":1,"maxAttempts":3,"payload":{"repository":"Other/Repo","targetRuntime":"codex","task":{"instructions":"do it"}}}`),
		OriginSource:       "manual",
		ProposedByWorkerID: &workerID,
	})
	require.NoError(t, err)
	_, err = psvc.SnoozeProposal(ctx, proposal.ID, time.Now().Add(50*time.Millisecond), nil, "reviewer-1")
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)

	report, err := maintenance.RunOnce(ctx, activities)
	require.NoError(t, err)
	require.Equal(t, 1, report.LeasesNormalized)
	require.Equal(t, 1, report.ProposalsUnsnoozed)

	reread, err := qsvc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, reread.Status)

	rereadProposal, err := psvc.GetProposal(ctx, proposal.ID)
	require.NoError(t, err)
	require.Nil(t, rereadProposal.SnoozedUntil)
}

func TestRunOnceRetriesFailedNotifications(t *testing.T) {
	activities, _, _ := newTestActivities(t)
	report, err := maintenance.RunOnce(t.Context(), activities)
	require.NoError(t, err)
	require.Equal(t, 0, report.NotificationsRetried)
}
