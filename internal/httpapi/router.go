package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/mcp"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

// LiveSubscriber is the optional pub/sub backend the live-session watch
// endpoint relays from. A nil Subscriber on Deps makes /watch respond 501
// rather than upgrading; every other endpoint is unaffected, matching the
// "best-effort, clients that never connect it lose nothing" contract.
type LiveSubscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Deps carries every dependency the router wires into handlers.
type Deps struct {
	Queue       *queue.Service
	Proposals   *proposals.Service
	Manifests   *manifestregistry.Service
	MCP         *mcp.Registry
	Subscriber  LiveSubscriber
	Log         *slog.Logger
}

// NewRouter builds the full REST surface: chi's request-id/recoverer/
// structured-log middleware chain, then the queue/proposal/manifest/
// system/live-session route groups, plus the ambient /openapi.json,
// /metrics, /healthz, and MCP tool endpoints.
func NewRouter(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(withPrincipal)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", newOpenAPIHandler())

	h := &handlers{deps: deps}

	r.Route("/queue", func(r chi.Router) {
		r.Post("/jobs", h.createJob)
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/claim", h.claimJob)
		r.Get("/jobs/{jobID}", h.getJob)
		r.Post("/jobs/{jobID}/heartbeat", h.heartbeat)
		r.Post("/jobs/{jobID}/complete", h.completeJob)
		r.Post("/jobs/{jobID}/fail", h.failJob)
		r.Post("/jobs/{jobID}/cancel", h.requestCancel)
		r.Post("/jobs/{jobID}/cancel-ack", h.ackCancel)
		r.Post("/jobs/{jobID}/artifacts", h.uploadArtifact)
		r.Get("/jobs/{jobID}/artifacts", h.listArtifacts)
		r.Get("/jobs/{jobID}/artifacts/{artifactID}/download", h.downloadArtifact)
		r.Post("/jobs/{jobID}/events", h.appendEvent)
		r.Get("/jobs/{jobID}/events", h.listEvents)
		r.Get("/telemetry/migration", h.migrationTelemetry)

		r.Post("/worker-tokens", h.issueWorkerToken)
		r.Get("/worker-tokens", h.listWorkerTokens)
		r.Delete("/worker-tokens/{tokenID}", h.revokeWorkerToken)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/worker-pause", h.getWorkerPause)
		r.Put("/worker-pause", h.setWorkerPause)
	})

	r.Route("/task-runs/{taskRunID}/live-session", func(r chi.Router) {
		r.Get("/", h.getLiveSession)
		r.Post("/", h.createLiveSession)
		r.Post("/report", h.reportLiveSession)
		r.Post("/heartbeat", h.heartbeatLiveSession)
		r.Post("/grant-write", h.grantLiveSessionWrite)
		r.Post("/revoke", h.revokeLiveSession)
		r.Post("/control", h.applyControlAction)
		r.Post("/operator-messages", h.appendOperatorMessage)
		r.Get("/watch", h.watchLiveSession)
	})

	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", h.createProposal)
		r.Get("/", h.listProposals)
		r.Get("/{proposalID}", h.getProposal)
		r.Get("/{proposalID}/similar", h.getSimilarProposals)
		r.Post("/{proposalID}/promote", h.promoteProposal)
		r.Post("/{proposalID}/dismiss", h.dismissProposal)
		r.Put("/{proposalID}/priority", h.updateReviewPriority)
		r.Post("/{proposalID}/snooze", h.snoozeProposal)
		r.Post("/{proposalID}/unsnooze", h.unsnoozeProposal)
	})

	r.Route("/manifests", func(r chi.Router) {
		r.Put("/{name}", h.upsertManifest)
		r.Get("/{name}", h.getManifest)
		r.Delete("/{name}", h.deleteManifest)
		r.Get("/", h.listManifests)
		r.Post("/{name}/runs", h.submitManifestRun)
	})

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/tools", h.listMCPTools)
		r.Post("/tools/call", h.callMCPTool)
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"durationMs", time.Since(start).Milliseconds(),
				"requestId", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type handlers struct {
	deps Deps
}
