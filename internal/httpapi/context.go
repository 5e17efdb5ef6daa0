// Package httpapi implements the REST transport over the queue, proposals,
// and manifest registry services: a chi router exposing the job/artifact/
// event/worker-token/system/live-session/proposal/manifest surface, plus
// the ambient /openapi.json, /metrics, /healthz, and live-session watch
// endpoints.
package httpapi

import (
	"context"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyWorkerPolicy
)

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// userID returns the trusted-header principal id, and whether one was set.
func userID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyUserID).(string)
	return v, ok
}

// userIDPtr adapts userID to the *string shape most Service methods expect.
func userIDPtr(ctx context.Context) *string {
	if v, ok := userID(ctx); ok {
		return &v
	}
	return nil
}

func withWorkerPolicy(ctx context.Context, policy *queue.WorkerPolicy) context.Context {
	return context.WithValue(ctx, ctxKeyWorkerPolicy, policy)
}

func workerPolicy(ctx context.Context) (*queue.WorkerPolicy, bool) {
	v, ok := ctx.Value(ctxKeyWorkerPolicy).(*queue.WorkerPolicy)
	return v, ok && v != nil
}
