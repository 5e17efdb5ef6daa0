package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/httpapi"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/mcp"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	qsvc := queue.NewService(memory.New(), storage.New(t.TempDir()), nil, queue.ServiceConfig{
		ArtifactMaxBytes:     1 << 20,
		DefaultTargetRuntime: "codex",
		DefaultPublishMode:   "pr",
	}, nil)
	registry, err := mcp.NewRegistry()
	require.NoError(t, err)
	return httpapi.NewRouter(httpapi.Deps{Queue: qsvc, MCP: registry})
}

func TestHealthzReportsOK(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetJobRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	body := []byte(`{"type":"task","priority":1,"maxAttempts":3,"payload":{"repository":"Moon/Mind","targetRuntime":"codex","task":{"instructions":"run it"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/queue/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created queue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, queue.StatusQueued, created.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/queue/jobs/"+created.ID.String(), nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var fetched queue.Job
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	require.Equal(t, created.ID, fetched.ID)
}

func TestClaimJobRequiresWorkerToken(t *testing.T) {
	router := newTestRouter(t)

	body := []byte(`{"workerId":"w1","leaseSeconds":60}`)
	req := httptest.NewRequest(http.MethodPost, "/queue/jobs/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListMCPToolsIncludesEnqueue(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "queue.enqueue")
}
