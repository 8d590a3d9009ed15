package observer

import (
	"context"

	warden "github.com/opencellcw/warden"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otellog "go.opentelemetry.io/otel/log"
)

// Sink is a warden.EventSink that converts engine lifecycle events into
// OTEL metrics and structured log records.
type Sink struct {
	inst *Instruments
}

// NewSink creates an event sink over initialized instruments.
func NewSink(inst *Instruments) *Sink {
	return &Sink{inst: inst}
}

var _ warden.EventSink = (*Sink)(nil)

// Emit converts one event. Unknown event types are logged only.
func (s *Sink) Emit(e warden.Event) {
	ctx := context.Background()
	attrs := s.metricAttrs(e)

	switch e.Type {
	case warden.EventRunStarted:
		s.inst.RunsStarted.Add(ctx, 1, metric.WithAttributes(attrs...))
	case warden.EventRunCompleted:
		s.inst.RunsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
		s.inst.RunDuration.Record(ctx, float64(e.Duration.Milliseconds()),
			metric.WithAttributes(AttrWorkflow.String(e.Workflow)))
	case warden.EventStepCompleted:
		s.inst.StepsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
		s.inst.StepDuration.Record(ctx, float64(e.Duration.Milliseconds()),
			metric.WithAttributes(AttrWorkflow.String(e.Workflow), AttrStep.String(e.Step)))
	case warden.EventStepFailed:
		s.inst.StepsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
	case warden.EventStepSkipped:
		s.inst.StepsSkipped.Add(ctx, 1, metric.WithAttributes(attrs...))
	case warden.EventRetryAttempt:
		s.inst.RetryAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	case warden.EventGroupCompleted:
		s.inst.GroupsExecuted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	s.log(ctx, e)
}

func (s *Sink) metricAttrs(e warden.Event) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if e.Workflow != "" {
		attrs = append(attrs, AttrWorkflow.String(e.Workflow))
	}
	if e.Tool != "" {
		attrs = append(attrs, AttrTool.String(e.Tool))
	}
	if e.Group != "" {
		attrs = append(attrs, AttrGroup.String(e.Group))
	}
	status := "ok"
	if e.Err != nil {
		status = "error"
	}
	attrs = append(attrs, AttrStatus.String(status))
	return attrs
}

// log emits one structured log record for the event.
func (s *Sink) log(ctx context.Context, e warden.Event) {
	var rec otellog.Record
	sev := otellog.SeverityInfo
	if e.Err != nil {
		sev = otellog.SeverityWarn
	}
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(string(e.Type)))
	rec.AddAttributes(
		otellog.String("workflow.name", e.Workflow),
		otellog.String("run.id", e.RunID),
		otellog.String("step.id", e.Step),
		otellog.String("tool.name", e.Tool),
		otellog.String("group.id", e.Group),
		otellog.Int("attempt", e.Attempt),
		otellog.Float64("duration_ms", float64(e.Duration.Milliseconds())),
	)
	if e.Err != nil {
		rec.AddAttributes(otellog.String("error", e.Err.Error()))
	}
	if e.Message != "" {
		rec.AddAttributes(otellog.String("message", e.Message))
	}
	s.inst.Logger.Emit(ctx, rec)
}
