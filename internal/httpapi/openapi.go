package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	openAPIOnce sync.Once
	openAPIDoc  []byte
)

func buildOpenAPIDocument() []byte {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "MoonMind Queue API",
			Version:     "1.0.0",
			Description: "Job queue, task proposal, and manifest registry REST surface.",
		},
		Paths: openapi3.NewPaths(),
	}

	jsonResponse := func(desc string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(desc).
			WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema()))}
	}
	errorResponse := openapi3.NewResponse().WithDescription("error").
		WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema()))

	route := func(path, method, summary string) {
		op := openapi3.NewOperation()
		op.Summary = summary
		op.Responses = openapi3.NewResponses()
		op.Responses.Set("200", jsonResponse("ok"))
		op.Responses.Set("422", &openapi3.ResponseRef{Value: errorResponse})
		item := doc.Paths.Value(path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(path, item)
		}
		item.SetOperation(method, op)
	}

	route("/queue/jobs", http.MethodPost, "Create a queue job")
	route("/queue/jobs", http.MethodGet, "List queue jobs")
	route("/queue/jobs/claim", http.MethodPost, "Claim the next eligible queue job")
	route("/queue/jobs/{jobID}", http.MethodGet, "Get a queue job")
	route("/queue/jobs/{jobID}/heartbeat", http.MethodPost, "Renew a claimed job's lease")
	route("/queue/jobs/{jobID}/complete", http.MethodPost, "Mark a job succeeded")
	route("/queue/jobs/{jobID}/fail", http.MethodPost, "Mark a job failed")
	route("/queue/jobs/{jobID}/cancel", http.MethodPost, "Request job cancellation")
	route("/queue/jobs/{jobID}/cancel-ack", http.MethodPost, "Acknowledge job cancellation")
	route("/queue/jobs/{jobID}/artifacts", http.MethodPost, "Upload a job artifact")
	route("/queue/jobs/{jobID}/artifacts", http.MethodGet, "List job artifacts")
	route("/queue/jobs/{jobID}/artifacts/{artifactID}/download", http.MethodGet, "Download a job artifact")
	route("/queue/jobs/{jobID}/events", http.MethodPost, "Append a job event")
	route("/queue/jobs/{jobID}/events", http.MethodGet, "List job events")
	route("/queue/telemetry/migration", http.MethodGet, "Legacy job-type migration telemetry")
	route("/queue/worker-tokens", http.MethodPost, "Issue a worker token")
	route("/queue/worker-tokens", http.MethodGet, "List worker tokens")
	route("/queue/worker-tokens/{tokenID}", http.MethodDelete, "Revoke a worker token")
	route("/system/worker-pause", http.MethodGet, "Get system-wide worker pause state")
	route("/system/worker-pause", http.MethodPut, "Set system-wide worker pause state")
	route("/task-runs/{taskRunID}/live-session", http.MethodGet, "Get a task run's live session")
	route("/task-runs/{taskRunID}/live-session", http.MethodPost, "Create a task run's live session")
	route("/task-runs/{taskRunID}/live-session/report", http.MethodPost, "Worker-side live session report")
	route("/task-runs/{taskRunID}/live-session/heartbeat", http.MethodPost, "Worker-side live session heartbeat")
	route("/task-runs/{taskRunID}/live-session/grant-write", http.MethodPost, "Grant a time-boxed write reveal")
	route("/task-runs/{taskRunID}/live-session/revoke", http.MethodPost, "Revoke a live session")
	route("/task-runs/{taskRunID}/live-session/control", http.MethodPost, "Apply a pause/resume/takeover control action")
	route("/task-runs/{taskRunID}/live-session/operator-messages", http.MethodPost, "Append an operator message")
	route("/proposals", http.MethodPost, "Create a task proposal")
	route("/proposals", http.MethodGet, "List task proposals")
	route("/proposals/{proposalID}", http.MethodGet, "Get a task proposal")
	route("/proposals/{proposalID}/similar", http.MethodGet, "List similar open proposals")
	route("/proposals/{proposalID}/promote", http.MethodPost, "Promote a proposal into a queue job")
	route("/proposals/{proposalID}/dismiss", http.MethodPost, "Dismiss a proposal")
	route("/proposals/{proposalID}/priority", http.MethodPut, "Update a proposal's review priority")
	route("/proposals/{proposalID}/snooze", http.MethodPost, "Snooze a proposal")
	route("/proposals/{proposalID}/unsnooze", http.MethodPost, "Clear a proposal's snooze")
	route("/manifests", http.MethodGet, "List manifest registry records")
	route("/manifests/{name}", http.MethodPut, "Create or replace a manifest record")
	route("/manifests/{name}", http.MethodGet, "Get a manifest record")
	route("/manifests/{name}", http.MethodDelete, "Delete a manifest record")
	route("/manifests/{name}/runs", http.MethodPost, "Submit a manifest run")

	raw, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"openapi":"3.0.3"}`)
	}
	return raw
}

func newOpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		openAPIOnce.Do(func() { openAPIDoc = buildOpenAPIDocument() })
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(openAPIDoc)
	}
}
