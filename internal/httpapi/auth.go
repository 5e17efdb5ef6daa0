package httpapi

import (
	"net/http"
	"strings"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// principalHeader carries the authenticated user id of a request that has
// already passed through an OIDC-terminating proxy; full OIDC/JWT
// verification is out of scope here (see SPEC_FULL.md's non-goals) and the
// core only ever asks "is this an authenticated principal", matching the
// queue Service's own `*string` user-id parameters.
const principalHeader = "X-MoonMind-User-Id"

// workerTokenHeader carries the raw `mmwt_<48 hex>` worker token.
const workerTokenHeader = "X-MoonMind-Worker-Token"

// withPrincipal threads the trusted-proxy principal header, if present,
// into the request context. It never rejects an unauthenticated request on
// its own; individual handlers that require a principal check for one with
// requirePrincipal.
func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := strings.TrimSpace(r.Header.Get(principalHeader)); v != "" {
			r = r.WithContext(withUserID(r.Context(), v))
		}
		next.ServeHTTP(w, r)
	})
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	if v, ok := userID(r.Context()); ok {
		return v, true
	}
	writeError(w, queueerr.Authentication("authenticated user id is required"))
	return "", false
}

// requireWorkerToken resolves the worker-token header against queueSvc and,
// on success, returns the frozen policy and stores it on the request
// context for downstream ownership checks.
func requireWorkerToken(w http.ResponseWriter, r *http.Request, queueSvc *queue.Service) (*queue.WorkerPolicy, bool) {
	raw := strings.TrimSpace(r.Header.Get(workerTokenHeader))
	if raw == "" {
		writeError(w, queueerr.Authentication("%s header is required", workerTokenHeader))
		return nil, false
	}
	policy, err := queueSvc.ResolveWorkerToken(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return policy, true
}
