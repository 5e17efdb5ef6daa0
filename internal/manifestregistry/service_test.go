package manifestregistry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
	manmemory "github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry/store/memory"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	queuememory "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
)

const registryManifestYAML = `
version: v0
metadata:
  name: research-bot
embeddings:
  provider: openai
vectorStore:
  type: qdrant
`

func newTestService(t *testing.T) *manifestregistry.Service {
	t.Helper()
	qsvc := queue.NewService(queuememory.New(), storage.New(t.TempDir()), nil, queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}, nil)
	return manifestregistry.NewService(manmemory.New(), qsvc, queue.ServiceConfig{}.ManifestConfig)
}

func TestUpsertManifestIsIdempotentByHash(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.UpsertManifest(t.Context(), "research-bot", registryManifestYAML)
	require.NoError(t, err)
	require.NotEmpty(t, first.ContentHash)

	second, err := svc.UpsertManifest(t.Context(), "research-bot", registryManifestYAML)
	require.NoError(t, err)
	require.Equal(t, first.ContentHash, second.ContentHash)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestUpsertManifestRejectsNameMismatch(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.UpsertManifest(t.Context(), "other-name", registryManifestYAML)
	require.Error(t, err)
}

func TestSubmitManifestRunCreatesJobAndRecordsLastRun(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.UpsertManifest(t.Context(), "research-bot", registryManifestYAML)
	require.NoError(t, err)

	job, err := svc.SubmitManifestRun(t.Context(), "research-bot", "plan", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, queue.StatusQueued, job.Status)

	record, err := svc.GetManifest(t.Context(), "research-bot")
	require.NoError(t, err)
	require.NotNil(t, record.LastRunJobID)
	require.Equal(t, job.ID, *record.LastRunJobID)
}

func TestSubmitManifestRunRequiresExistingRecord(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.SubmitManifestRun(t.Context(), "missing", "plan", nil, nil)
	require.Error(t, err)
}

func TestDeleteAndListManifests(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.UpsertManifest(t.Context(), "research-bot", registryManifestYAML)
	require.NoError(t, err)

	all, err := svc.ListManifests(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, svc.DeleteManifest(t.Context(), "research-bot"))
	_, err = svc.GetManifest(t.Context(), "research-bot")
	require.Error(t, err)
}
