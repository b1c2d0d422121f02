package executor

import "context"

// NoopTracer satisfies Tracer without emitting spans; used when OpenTelemetry wiring is not
// configured (e.g. in tests) and as the fallback default for deployments that opt out of
// tracing.
type NoopTracer struct{}

// StartSpan returns ctx unchanged and a no-op end func.
func (NoopTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func()) {
	return ctx, func() {}
}
