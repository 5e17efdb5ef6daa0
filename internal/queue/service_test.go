package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

func newTestService(t *testing.T) *queue.Service {
	t.Helper()
	store := memory.New()
	art := storage.New(t.TempDir())
	cfg := queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		RetryBackoffBase:     10 * time.Millisecond,
		RetryBackoffMax:      40 * time.Millisecond,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}
	return queue.NewService(store, art, nil, cfg, nil)
}

const taskPayload = `{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"run thing"}}`

// Scenario 1 (spec §8): claim respects capabilities — a worker missing a
// required capability never wins the claim; the first eligible worker does.
func TestClaimRespectsCapabilities(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 5, nil, nil, nil, 3)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, job.Status)

	none, err := svc.ClaimJob(ctx, "worker-a", 60, nil, []string{"manifest"})
	require.NoError(t, err)
	require.Nil(t, none, "worker lacking required capabilities must never be handed the job")

	claimed, err := svc.ClaimJob(ctx, "worker-b", 60, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, queue.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.ClaimedBy)
	require.Equal(t, "worker-b", *claimed.ClaimedBy)
	require.NotNil(t, claimed.LeaseExpiresAt)
}

// Scenario 2 (spec §8): a retryable failure requeues with back-off until
// max_attempts is exhausted, then the job moves to dead_letter.
func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 2)
	require.NoError(t, err)

	claimed, err := svc.ClaimJob(ctx, "w1", 60, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	failed, err := svc.FailJob(ctx, job.ID, "w1", "transient", true)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, failed.Status)
	require.EqualValues(t, 2, failed.Attempt)
	require.NotNil(t, failed.NextAttemptAt)

	// Wait out the backoff window so the job becomes claimable again.
	time.Sleep(20 * time.Millisecond)

	reclaimed, err := svc.ClaimJob(ctx, "w1", 60, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, job.ID, reclaimed.ID)

	deadLettered, err := svc.FailJob(ctx, job.ID, "w1", "transient again", true)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDeadLetter, deadLettered.Status)
	require.Nil(t, deadLettered.NextAttemptAt)
	require.Nil(t, deadLettered.ClaimedBy)
	require.Nil(t, deadLettered.LeaseExpiresAt)
	require.NotNil(t, deadLettered.FinishedAt)
}

// Scenario 3 (spec §8): cooperative cancel of a running job sets
// cancel_requested_at without interrupting it; ack_cancel is idempotent.
func TestCooperativeCancelOfRunningJob(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 1)
	require.NoError(t, err)
	claimed, err := svc.ClaimJob(ctx, "w1", 60, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reason := "stop"
	running, err := svc.RequestCancel(ctx, job.ID, nil, &reason)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRunning, running.Status)
	require.NotNil(t, running.CancelRequestedAt)

	cancelled, err := svc.AckCancel(ctx, job.ID, "w1", nil)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)
	require.Nil(t, cancelled.ClaimedBy)

	// Second ack is idempotent: no error, job stays cancelled.
	again, err := svc.AckCancel(ctx, job.ID, "w1", nil)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, again.Status)
}

// Scenario 4 (spec §8): lease expiry of a cancel-requested running job is
// normalized to cancelled by the next claim attempt, without any ack.
func TestLeaseExpiryCancellation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 1)
	require.NoError(t, err)
	_, err = svc.ClaimJob(ctx, "w1", 1, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)

	reason := "stop"
	_, err = svc.RequestCancel(ctx, job.ID, nil, &reason)
	require.NoError(t, err)

	// Let the 1-second lease expire.
	time.Sleep(1200 * time.Millisecond)

	// A second, unrelated job lets ClaimJob's normalization pass run even
	// though there is nothing eligible left for this worker to claim.
	none, err := svc.ClaimJob(ctx, "w2", 60, nil, []string{"codex", "git", "gh"})
	require.NoError(t, err)
	require.Nil(t, none)

	reread, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, reread.Status)
	require.NotNil(t, reread.FinishedAt)
}

// Scenario 5 (spec §8): artifact traversal is rejected before any file is
// written under the artifact root.
func TestArtifactTraversalRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 1)
	require.NoError(t, err)

	_, err = svc.UploadArtifact(ctx, job.ID, "../escape.log", []byte("x"), nil, nil, nil)
	require.Error(t, err)
	require.True(t, queueerr.Is(err, queueerr.KindValidation))
}

// Boundary case (spec §8): list_jobs enforces the documented limit range.
func TestListJobsLimitBoundaries(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.ListJobs(ctx, nil, nil, 0)
	require.Error(t, err)

	_, err = svc.ListJobs(ctx, nil, nil, 201)
	require.Error(t, err)

	_, err = svc.ListJobs(ctx, nil, nil, 1)
	require.NoError(t, err)

	_, err = svc.ListJobs(ctx, nil, nil, 200)
	require.NoError(t, err)
}

// Boundary case (spec §8): afterEventId without after is rejected.
func TestListEventsRequiresAfterWithAfterEventID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 1)
	require.NoError(t, err)

	id := job.ID
	_, _, err = svc.ListEvents(ctx, job.ID, 10, queue.EventCursor{AfterEventID: &id})
	require.Error(t, err)
}

// Scenario 8 (spec §8): a composite (created_at, id) event cursor returns
// events strictly after the cursor position, in order.
func TestCompositeEventCursor(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	job, err := svc.CreateJob(ctx, queue.TypeTask, []byte(taskPayload), 0, nil, nil, nil, 1)
	require.NoError(t, err)

	e1, err := svc.AppendEvent(ctx, job.ID, queue.LevelInfo, "e1", nil)
	require.NoError(t, err)
	e2, err := svc.AppendEvent(ctx, job.ID, queue.LevelInfo, "e2", nil)
	require.NoError(t, err)
	e3, err := svc.AppendEvent(ctx, job.ID, queue.LevelInfo, "e3", nil)
	require.NoError(t, err)

	page, _, err := svc.ListEvents(ctx, job.ID, 10, queue.EventCursor{After: &e1.CreatedAt, AfterEventID: &e1.ID})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(page), 2)

	var ids []string
	for _, e := range page {
		ids = append(ids, e.ID.String())
	}
	require.Contains(t, ids, e2.ID.String())
	require.Contains(t, ids, e3.ID.String())
	require.NotContains(t, ids, e1.ID.String())
}
