package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/postgres"
	queuepostgres "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/postgres"
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
		fmt.Printf("Docker not available, proposals postgres store tests will be skipped: %v\n", containerErr)
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
					// task_proposals.promoted_job_id references jobs(id), so the
					// queue store's migration set has to run first even though
					// this package only exercises the proposals tables.
					err = queuepostgres.Migrate(db)
					if err == nil {
						err = postgres.Migrate(db)
					}
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
		panic(fmt.Sprintf("proposals postgres store tests exited with code %d", code))
	}
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if skipPostgresTests {
		t.Skip("docker not available, skipping proposals postgres store test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "TRUNCATE task_proposal_notifications, task_proposals, jobs RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	return postgres.New(pool)
}

func newProposal(repository, dedupHash string) *proposals.Proposal {
	return &proposals.Proposal{
		Status:            proposals.StatusOpen,
		Title:             "Flaky integration test in checkout flow",
		Summary:           "The checkout integration suite fails intermittently under load.",
		Tags:              []string{"tests", "flaky"},
		Repository:        repository,
		DedupKey:          repository + ":flaky-checkout",
		DedupHash:         dedupHash,
		ReviewPriority:    proposals.PriorityNormal,
		TaskCreateRequest: []byte(`{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"investigate"}}`),
		OriginSource:      proposals.OriginWorkflow,
		OriginMetadata:    []byte(`{}`),
	}
}

func TestCreateAndGetProposalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newProposal("Moon/Mind", "hash-1")
	require.NoError(t, store.CreateProposal(ctx, p))
	require.NotEmpty(t, p.ID)

	got, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Title, got.Title)
	require.Equal(t, p.Tags, got.Tags)
	require.Equal(t, proposals.StatusOpen, got.Status)
}

func TestGetProposalNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetProposal(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestListProposalsFiltersAndPaginates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := newProposal("Moon/Mind", fmt.Sprintf("hash-%d", i))
		require.NoError(t, store.CreateProposal(ctx, p))
		time.Sleep(time.Millisecond)
	}
	other := newProposal("other/repo", "hash-other")
	require.NoError(t, store.CreateProposal(ctx, other))

	repo := "Moon/Mind"
	page, hasMore, err := store.ListProposals(ctx, proposals.ListFilter{Repository: &repo, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, hasMore)

	cursor := &proposals.Cursor{CreatedAt: page[len(page)-1].CreatedAt, ID: page[len(page)-1].ID}
	rest, hasMore, err := store.ListProposals(ctx, proposals.ListFilter{Repository: &repo, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, hasMore)
}

func TestListSimilarExcludesSelfAndNonOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p1 := newProposal("Moon/Mind", "shared-hash")
	require.NoError(t, store.CreateProposal(ctx, p1))
	p2 := newProposal("Moon/Mind", "shared-hash")
	require.NoError(t, store.CreateProposal(ctx, p2))

	similar, err := store.ListSimilar(ctx, "shared-hash", p1.ID, 10)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	require.Equal(t, p2.ID, similar[0].ID)
}

func TestUpdateProposalNotFound(t *testing.T) {
	store := newTestStore(t)
	p := newProposal("Moon/Mind", "hash-missing")
	p.ID = uuid.New()
	err := store.UpdateProposal(context.Background(), p)
	require.Error(t, err)
}

func TestExpireSnoozedClearsPastDeadlines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newProposal("Moon/Mind", "hash-snooze")
	require.NoError(t, store.CreateProposal(ctx, p))

	past := time.Now().UTC().Add(-time.Hour)
	p.SnoozedUntil = &past
	require.NoError(t, store.UpdateProposal(ctx, p))

	n, err := store.ExpireSnoozed(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Nil(t, got.SnoozedUntil)
}

func TestNotificationLogIsIdempotentPerTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := newProposal("Moon/Mind", "hash-notify")
	require.NoError(t, store.CreateProposal(ctx, p))

	has, err := store.HasNotification(ctx, p.ID, "webhook")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, store.LogNotification(ctx, &proposals.Notification{
		ProposalID: p.ID, Category: "tests", Target: "webhook", Status: proposals.NotificationFailed,
	}))
	require.NoError(t, store.LogNotification(ctx, &proposals.Notification{
		ProposalID: p.ID, Category: "tests", Target: "webhook", Status: proposals.NotificationSent,
	}))

	has, err = store.HasNotification(ctx, p.ID, "webhook")
	require.NoError(t, err)
	require.True(t, has)

	failed, err := store.ListFailedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, failed, "the retried send should have overwritten the failed row, not duplicated it")
}
