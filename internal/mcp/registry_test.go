package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/mcp"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
)

func newTestExecCtx(t *testing.T) mcp.ExecutionContext {
	t.Helper()
	svc := queue.NewService(memory.New(), storage.New(t.TempDir()), nil, queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}, nil)
	return mcp.ExecutionContext{Service: svc}
}

func TestListToolsIncludesEnqueueAndClaim(t *testing.T) {
	reg, err := mcp.NewRegistry()
	require.NoError(t, err)

	resp := reg.ListTools()
	names := make(map[string]bool, len(resp.Tools))
	for _, tool := range resp.Tools {
		names[tool.Name] = true
	}
	require.True(t, names["queue.enqueue"])
	require.True(t, names["queue.claim"])
	require.True(t, names["queue.get"])
}

func TestCallToolEnqueueThenClaim(t *testing.T) {
	reg, err := mcp.NewRegistry()
	require.NoError(t, err)
	execCtx := newTestExecCtx(t)

	enqueueArgs := json.RawMessage(`{"type":"task","payload":{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"run it"}},"priority":1,"maxAttempts":3}`)
	result, err := reg.CallTool(t.Context(), "queue.enqueue", enqueueArgs, execCtx)
	require.NoError(t, err)
	job, ok := result.(*queue.Job)
	require.True(t, ok)
	require.Equal(t, queue.StatusQueued, job.Status)

	claimArgs := json.RawMessage(`{"workerId":"w1","leaseSeconds":60,"workerCapabilities":["codex","git","gh"]}`)
	claimed, err := reg.CallTool(t.Context(), "queue.claim", claimArgs, execCtx)
	require.NoError(t, err)
	claimedJob, ok := claimed.(*queue.Job)
	require.True(t, ok)
	require.Equal(t, job.ID, claimedJob.ID)
}

func TestCallToolRejectsUnknownTool(t *testing.T) {
	reg, err := mcp.NewRegistry()
	require.NoError(t, err)
	_, err = reg.CallTool(t.Context(), "queue.nonexistent", nil, mcp.ExecutionContext{})
	require.Error(t, err)
	var notFound *mcp.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCallToolRejectsInvalidArguments(t *testing.T) {
	reg, err := mcp.NewRegistry()
	require.NoError(t, err)
	execCtx := newTestExecCtx(t)

	_, err = reg.CallTool(t.Context(), "queue.enqueue", json.RawMessage(`{"payload":{}}`), execCtx)
	require.Error(t, err)
	var validationErr *mcp.ToolArgumentsValidationError
	require.ErrorAs(t, err, &validationErr)
}
