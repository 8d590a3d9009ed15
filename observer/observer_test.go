package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	warden "github.com/opencellcw/warden"
)

// newInstruments against the default (no-op) global providers must
// still hand back usable instruments.
func TestNewInstruments(t *testing.T) {
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	if inst.Tracer == nil || inst.Meter == nil || inst.Logger == nil {
		t.Fatal("instruments incomplete")
	}
}

func TestSinkEmitAllEventTypes(t *testing.T) {
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	sink := NewSink(inst)

	// Every event type must be emittable without panicking, including
	// ones carrying errors and durations.
	events := []warden.Event{
		{Type: warden.EventRunStarted, Workflow: "w", RunID: "r"},
		{Type: warden.EventRunCompleted, Workflow: "w", RunID: "r", Duration: time.Second},
		{Type: warden.EventStepStarted, Workflow: "w", Step: "s"},
		{Type: warden.EventStepCompleted, Workflow: "w", Step: "s", Duration: time.Millisecond},
		{Type: warden.EventStepFailed, Workflow: "w", Step: "s", Err: errors.New("x")},
		{Type: warden.EventStepSkipped, Workflow: "w", Step: "s"},
		{Type: warden.EventRetryAttempt, Tool: "t", Attempt: 2, Err: errors.New("x")},
		{Type: warden.EventGroupStarted, Group: "g", Message: "any"},
		{Type: warden.EventGroupCompleted, Group: "g", Duration: time.Millisecond},
		{Type: warden.EventToolRegistered, Tool: "t", Message: "1.0.0"},
		{Type: warden.EventRegistrationWarning, Tool: "t", Message: "replaced"},
		{Type: warden.EventDeprecatedToolUsed, Tool: "t"},
	}
	for _, e := range events {
		sink.Emit(e)
	}
}

func TestTracerSpans(t *testing.T) {
	tracer := NewTracer()
	ctx, span := tracer.Start(t.Context(), "test.op",
		warden.StringAttr("k", "v"),
		warden.IntAttr("n", 1),
		warden.BoolAttr("b", true),
		warden.Float64Attr("f", 1.5))
	if ctx == nil || span == nil {
		t.Fatal("span not created")
	}
	span.Event("midpoint", warden.StringAttr("at", "half"))
	span.Error(errors.New("recorded"))
	span.SetAttr(warden.StringAttr("status", "done"))
	span.End()
}

func TestWrapRegistryDelegates(t *testing.T) {
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}

	reg := warden.NewRegistry()
	reg.Register(warden.NewTool(warden.ToolMetadata{
		Name:     "echo",
		Version:  "1.0.0",
		Security: warden.SecurityDescriptor{Idempotent: true},
	}, func(_ context.Context, input any, _ *warden.WorkflowContext) (any, error) {
		return input, nil
	}))

	wrapped := WrapRegistry(reg, inst)

	out, err := wrapped.Execute(t.Context(), "echo", "", "hello", nil)
	if err != nil || out != "hello" {
		t.Fatalf("Execute = (%v, %v), want (hello, nil)", out, err)
	}

	// Errors pass through unchanged and are still instrumented.
	if _, err := wrapped.Execute(t.Context(), "missing", "", nil, nil); err == nil {
		t.Error("unknown tool should error through the wrapper")
	}
}
