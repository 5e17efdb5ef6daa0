package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/postgres"
)

var (
	testPostgresContainer testcontainers.Container
	testPostgresDSN       string
	skipPostgresTests     bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "moonmind",
				"POSTGRES_PASSWORD": "moonmind",
				"POSTGRES_DB":       "moonmind",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		}
		testPostgresContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, postgres store tests will be skipped: %v\n", containerErr)
		skipPostgresTests = true
	} else {
		host, err := testPostgresContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipPostgresTests = true
		} else {
			port, err := testPostgresContainer.MappedPort(ctx, "5432")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipPostgresTests = true
			} else {
				testPostgresDSN = fmt.Sprintf("postgres://moonmind:moonmind@%s:%s/moonmind?sslmode=disable", host, port.Port())
				db, err := sql.Open("pgx", testPostgresDSN)
				if err != nil {
					fmt.Printf("Failed to open postgres: %v\n", err)
					skipPostgresTests = true
				} else {
					err = postgres.Migrate(db)
					_ = db.Close()
					if err != nil {
						fmt.Printf("Failed to migrate postgres: %v\n", err)
						skipPostgresTests = true
					}
				}
			}
		}
	}

	code := m.Run()

	if testPostgresContainer != nil {
		_ = testPostgresContainer.Terminate(ctx)
	}

	if code != 0 {
		panic(fmt.Sprintf("postgres store tests exited with code %d", code))
	}
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if skipPostgresTests {
		t.Skip("docker not available, skipping postgres store test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Each test runs against its own job rows; truncating keeps the shared
	// container's table state isolated between tests without a per-test
	// database.
	_, err = pool.Exec(ctx, "TRUNCATE jobs, worker_tokens RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	return postgres.New(pool)
}

func newJob(jobType string, priority int32) *queue.Job {
	return &queue.Job{
		Type:        jobType,
		Status:      queue.StatusQueued,
		Priority:    priority,
		Payload:     []byte(`{"repository":"Moon/Mind"}`),
		MaxAttempts: 3,
	}
}

func TestCreateAndGetJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newJob(queue.TypeTask, 5)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Equal(t, int32(5), got.Priority)
}

// TestClaimNextIsExclusiveUnderConcurrency verifies §8's core claim-exclusivity
// invariant directly against the real SELECT ... FOR UPDATE SKIP LOCKED and
// conditional-UPDATE claim path: concurrent ClaimNext callers racing over the
// same queued job must never both win it.
func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newJob(queue.TypeTask, 0)
	require.NoError(t, store.CreateJob(ctx, job))

	const workers = 8
	var wg sync.WaitGroup
	var wins int64
	claimedBy := make([]string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func(idx int, id string) {
			defer wg.Done()
			won, err := store.ClaimNext(ctx, queue.ClaimRequest{WorkerID: id, LeaseSeconds: 60}, time.Minute, time.Minute)
			if err != nil {
				return
			}
			if won != nil && won.ID == job.ID {
				atomic.AddInt64(&wins, 1)
				claimedBy[idx] = id
			}
		}(i, workerID)
	}
	wg.Wait()

	require.Equal(t, int64(1), wins, "exactly one concurrent claimer must win the job")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRunning, got.Status)
	require.NotNil(t, got.ClaimedBy)

	var winner string
	for _, id := range claimedBy {
		if id != "" {
			winner = id
		}
	}
	require.Equal(t, winner, *got.ClaimedBy)
}

func TestClaimNextRespectsAllowedTypes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	manifestJob := newJob(queue.TypeManifest, 0)
	require.NoError(t, store.CreateJob(ctx, manifestJob))

	won, err := store.ClaimNext(ctx, queue.ClaimRequest{WorkerID: "w1", AllowedTypes: []string{queue.TypeTask}}, time.Minute, time.Minute)
	require.NoError(t, err)
	require.Nil(t, won, "a worker restricted to task jobs must not claim a manifest job")

	won, err = store.ClaimNext(ctx, queue.ClaimRequest{WorkerID: "w1", AllowedTypes: []string{queue.TypeManifest}}, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, won)
	require.Equal(t, manifestJob.ID, won.ID)
}

func TestHeartbeatCompleteAndFailRequireOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newJob(queue.TypeTask, 0)
	require.NoError(t, store.CreateJob(ctx, job))

	won, err := store.ClaimNext(ctx, queue.ClaimRequest{WorkerID: "owner"}, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, won)

	_, err = store.Heartbeat(ctx, job.ID, "impostor", time.Minute)
	require.Error(t, err, "heartbeat from a non-owning worker must be rejected")

	_, err = store.Heartbeat(ctx, job.ID, "owner", time.Minute)
	require.NoError(t, err)

	summary := "done"
	completed, err := store.CompleteJob(ctx, job.ID, "owner", &summary)
	require.NoError(t, err)
	require.Equal(t, queue.StatusSucceeded, completed.Status)
}

func TestNormalizeExpiredLeasesRequeuesJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newJob(queue.TypeTask, 0)
	require.NoError(t, store.CreateJob(ctx, job))

	won, err := store.ClaimNext(ctx, queue.ClaimRequest{WorkerID: "w1"}, -time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, won)

	n, err := store.NormalizeExpiredLeases(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Nil(t, got.ClaimedBy)
}

func TestListJobsFiltersByStatusAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	taskJob := newJob(queue.TypeTask, 0)
	require.NoError(t, store.CreateJob(ctx, taskJob))
	manifestJob := newJob(queue.TypeManifest, 0)
	require.NoError(t, store.CreateJob(ctx, manifestJob))

	status := queue.StatusQueued
	jobType := queue.TypeTask
	jobs, err := store.ListJobs(ctx, queue.ListJobsFilter{Status: &status, Type: &jobType, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, taskJob.ID, jobs[0].ID)
}
