// Package observer provides OTEL-based observability for warden
// workflow execution.
//
// It wires trace, metric, and log providers with OTLP HTTP exporters and
// exposes a warden.Tracer implementation plus an event sink that turns
// engine lifecycle events into metrics and structured logs. Users export
// to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/opencellcw/warden/observer"

// Instruments holds all OTEL instruments used by the observer sink.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	StepsCompleted metric.Int64Counter
	StepsFailed    metric.Int64Counter
	StepsSkipped   metric.Int64Counter
	RetryAttempts  metric.Int64Counter
	GroupsExecuted metric.Int64Counter
	ToolExecutions metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	StepDuration metric.Float64Histogram
	ToolDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("warden")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runsStarted, err := meter.Int64Counter("workflow.runs.started",
		metric.WithDescription("Workflow runs started"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("workflow.runs.completed",
		metric.WithDescription("Workflow runs completed"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepsCompleted, err := meter.Int64Counter("workflow.steps.completed",
		metric.WithDescription("Steps completed successfully"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepsFailed, err := meter.Int64Counter("workflow.steps.failed",
		metric.WithDescription("Steps that failed"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepsSkipped, err := meter.Int64Counter("workflow.steps.skipped",
		metric.WithDescription("Steps skipped by condition or routing"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter("workflow.retry.attempts",
		metric.WithDescription("Retry attempts beyond the first"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	groupsExecuted, err := meter.Int64Counter("workflow.groups.executed",
		metric.WithDescription("Parallel groups executed"),
		metric.WithUnit("{group}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("workflow.tool.executions",
		metric.WithDescription("Tool executions dispatched through the registry"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("workflow.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		RunsStarted:    runsStarted,
		RunsCompleted:  runsCompleted,
		StepsCompleted: stepsCompleted,
		StepsFailed:    stepsFailed,
		StepsSkipped:   stepsSkipped,
		RetryAttempts:  retryAttempts,
		GroupsExecuted: groupsExecuted,
		ToolExecutions: toolExecutions,
		RunDuration:    runDuration,
		StepDuration:   stepDuration,
		ToolDuration:   toolDuration,
	}, nil
}
