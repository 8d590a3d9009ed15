package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	warden "github.com/opencellcw/warden"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "warden.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func sampleRun(id, workflow, status string, at time.Time) warden.RunRecord {
	return warden.RunRecord{
		RunID:      id,
		Workflow:   workflow,
		UserID:     "u1",
		RequestID:  "q1",
		StartedAt:  at,
		FinishedAt: at.Add(time.Second),
		Status:     status,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().Truncate(time.Millisecond)

	run := sampleRun("r1", "flow", "succeeded", at)
	steps := []warden.StepRecord{
		{RunID: "r1", StepID: "a", Status: "succeeded", Result: map[string]any{"n": 3.0}},
		{RunID: "r1", StepID: "b", Status: "failed", Error: "boom"},
		{RunID: "r1", StepID: "c", Status: "skipped"},
	}
	if err := s.SaveRun(ctx, run, steps); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, gotSteps, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Workflow != "flow" || got.Status != "succeeded" || got.UserID != "u1" {
		t.Errorf("run = %+v", got)
	}
	if !got.StartedAt.Equal(at) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, at)
	}
	if len(gotSteps) != 3 {
		t.Fatalf("steps = %d", len(gotSteps))
	}
	// Ordered by step ID.
	if gotSteps[0].StepID != "a" || gotSteps[1].StepID != "b" || gotSteps[2].StepID != "c" {
		t.Errorf("step order = %v %v %v", gotSteps[0].StepID, gotSteps[1].StepID, gotSteps[2].StepID)
	}
	result, ok := gotSteps[0].Result.(map[string]any)
	if !ok || result["n"] != 3.0 {
		t.Errorf("step result = %#v", gotSteps[0].Result)
	}
	if gotSteps[1].Error != "boom" {
		t.Errorf("step error = %q", gotSteps[1].Error)
	}
	if gotSteps[2].Result != nil {
		t.Errorf("skipped step should have no result: %#v", gotSteps[2].Result)
	}
}

func TestSaveRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now()

	run := sampleRun("r1", "flow", "failed", at)
	if err := s.SaveRun(ctx, run, nil); err != nil {
		t.Fatalf("first save: %v", err)
	}
	run.Status = "succeeded"
	if err := s.SaveRun(ctx, run, nil); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _, err := s.GetRun(ctx, "r1")
	if err != nil || got.Status != "succeeded" {
		t.Errorf("after replace: (%+v, %v)", got, err)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"r1", "r2", "r3"} {
		workflow := "alpha"
		if id == "r3" {
			workflow = "beta"
		}
		run := sampleRun(id, workflow, "succeeded", base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveRun(ctx, run, nil); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	// Newest first, filtered by workflow.
	runs, err := s.ListRuns(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" || runs[1].RunID != "r1" {
		t.Errorf("alpha runs = %+v", runs)
	}

	// Empty workflow matches all.
	runs, err = s.ListRuns(ctx, "", 10)
	if err != nil || len(runs) != 3 {
		t.Errorf("all runs = %d (%v)", len(runs), err)
	}

	// Limit applies.
	runs, err = s.ListRuns(ctx, "", 1)
	if err != nil || len(runs) != 1 || runs[0].RunID != "r3" {
		t.Errorf("limited = %+v (%v)", runs, err)
	}
}

func TestGetMissingRun(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.GetRun(context.Background(), "nope"); err == nil {
		t.Error("missing run should error")
	}
}
