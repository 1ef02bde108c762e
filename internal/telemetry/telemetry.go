package telemetry

// Lightweight telemetry layer used by the sync engine, leasing and the remote client.
// Spans go through the global OpenTelemetry tracer provider, which is a no-op until the
// binary installs one. Counters go through a pluggable emitter, also a no-op by default.

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lychee-technology/formsync"

type Emitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	emitMu   sync.Mutex
	emitImpl Emitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterEmitter installs a counter/gauge emitter. nil restores the no-op.
func RegisterEmitter(fn Emitter) {
	emitMu.Lock()
	defer emitMu.Unlock()
	if fn == nil {
		emitImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	emitImpl = fn
}

func emit(ctx context.Context, name string, labels map[string]string, value any) {
	emitMu.Lock()
	fn := emitImpl
	emitMu.Unlock()
	fn(ctx, name, labels, value)
}

// EmitRecordOutcome counts one sync outcome.
// name: "formsync_sync_record" with labels {"partition": "draft|application", "outcome": "..."}
func EmitRecordOutcome(ctx context.Context, partition, outcome string) {
	emit(ctx, "formsync_sync_record", map[string]string{"partition": partition, "outcome": outcome}, int64(1))
}

// EmitPoolSize records available identifiers after a pool change.
// name: "formsync_pool_available" with label {"form_type": "..."}
func EmitPoolSize(ctx context.Context, formType string, count int) {
	emit(ctx, "formsync_pool_available", map[string]string{"form_type": formType}, int64(count))
}

// EmitRemoteLatency records a remote call latency in milliseconds.
// name: "formsync_remote_latency_ms" with labels {"operation": "...", "status": "ok|error"}
func EmitRemoteLatency(ctx context.Context, operation, status string, ms int64) {
	emit(ctx, "formsync_remote_latency_ms", map[string]string{"operation": operation, "status": status}, ms)
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
