// Package telemetry wires per-operation tracing and structured logging for
// the Service layer, pairing goa.design/clue/log with OTel tracing the same
// way the teacher's agent runtime instruments its own operations.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Tracer opens spans for a single named component (e.g. "queue",
// "proposals"), naming each span "<component>.<method>" and attaching any
// given key-value fields to the context's clue logger for the lifetime of
// the call.
type Tracer struct {
	component string
	tracer    trace.Tracer
}

// NewTracer returns a Tracer backed by the global OTel TracerProvider.
// Configure that provider via otel.SetTracerProvider; left unconfigured, the
// default no-op provider makes Start a cheap context/field-attaching
// pass-through.
func NewTracer(component string) Tracer {
	return Tracer{component: component, tracer: otel.Tracer(component)}
}

// Start opens a span named "<component>.<method>", attaches kv to the
// context's clue logger, and returns the derived context plus an End func
// the caller must defer immediately, passing the named error return so the
// span records failures before closing.
func (t Tracer) Start(ctx context.Context, method string, kv ...log.Fielder) (context.Context, func(errp *error)) {
	ctx, span := t.tracer.Start(ctx, t.component+"."+method)
	if len(kv) > 0 {
		ctx = log.With(ctx, kv...)
	}
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}
