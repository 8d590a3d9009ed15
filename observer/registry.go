package observer

import (
	"context"
	"time"

	warden "github.com/opencellcw/warden"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otellog "go.opentelemetry.io/otel/log"
)

// ObservedRegistry wraps a tool executor (typically *warden.Registry)
// with OTEL instrumentation on the execute path. Install it on the
// manager via warden.ManagerExecutor.
type ObservedRegistry struct {
	inner warden.ToolExecutor
	inst  *Instruments
}

// WrapRegistry returns an instrumented executor over the registry.
func WrapRegistry(inner warden.ToolExecutor, inst *Instruments) *ObservedRegistry {
	return &ObservedRegistry{inner: inner, inst: inst}
}

var _ warden.ToolExecutor = (*ObservedRegistry)(nil)

// Execute dispatches through the wrapped executor, emitting a span, a
// duration sample, an execution count, and a structured log record.
func (o *ObservedRegistry) Execute(ctx context.Context, name, version string, input any, wc *warden.WorkflowContext) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrTool.String(name),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Execute(ctx, name, version, input, wc)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStatus.String(status))

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrTool.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrTool.String(name),
	))

	// Structured log
	var rec otellog.Record
	sev := otellog.SeverityInfo
	if err != nil {
		sev = otellog.SeverityWarn
	}
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	if wc != nil {
		rec.AddAttributes(otellog.String("run.id", wc.RunID()))
	}
	if err != nil {
		rec.AddAttributes(otellog.String("error", err.Error()))
	}
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}
