package warden

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

// stepTable builds a StepExecutor from per-step behavior.
func stepTable(behavior map[string]func(ctx context.Context) (any, error)) StepExecutor {
	return func(ctx context.Context, stepID string) (any, error) {
		fn, ok := behavior[stepID]
		if !ok {
			return nil, errors.New("unknown step " + stepID)
		}
		return fn(ctx)
	}
}

func sleepStep(d time.Duration, out any, err error) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return out, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newTestGroupManager(maxConcurrent int) *ParallelManager {
	return NewParallelManager(NewPool(PoolConfig{MaxConcurrent: maxConcurrent}))
}

func TestGroupAllSuccess(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"a", "b", "c"}, Strategy: WaitAll}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"a": sleepStep(5*time.Millisecond, 1, nil),
		"b": sleepStep(5*time.Millisecond, 2, nil),
		"c": sleepStep(5*time.Millisecond, 3, nil),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if !res.Success || len(res.CompletedSteps) != 3 || len(res.FailedSteps) != 0 {
		t.Errorf("res = %+v", res)
	}
	if res.Results["b"] != 2 {
		t.Errorf("results = %v", res.Results)
	}
}

func TestGroupAllFailsOnFirstError(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"good", "bad"}, Strategy: WaitAll}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"good": sleepStep(5*time.Millisecond, "ok", nil),
		"bad":  sleepStep(5*time.Millisecond, nil, errBoom),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	var groupErr *ParallelGroupError
	if !asErr(err, &groupErr) {
		t.Fatalf("want ParallelGroupError, got %v", err)
	}
	if res.Success {
		t.Error("all strategy with a failure should not succeed")
	}
	if len(res.FailedSteps) != 1 || res.FailedSteps[0] != "bad" {
		t.Errorf("failed = %v", res.FailedSteps)
	}
}

func TestGroupContinueOnError(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"good", "bad"}, Strategy: WaitAll, ContinueOnError: true}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"good": sleepStep(5*time.Millisecond, "ok", nil),
		"bad":  sleepStep(5*time.Millisecond, nil, errBoom),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err != nil {
		t.Fatalf("continueOnError should swallow the group error: %v", err)
	}
	if res.Success {
		t.Error("success flag should still reflect the strategy")
	}
	if res.Errors["bad"] == nil {
		t.Error("member error should be recorded")
	}
}

func TestGroupAnyScenario(t *testing.T) {
	// Scenario: primary fails fast, cache succeeds, secondary still
	// running at group completion.
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"primary", "secondary", "cache"}, Strategy: WaitAny}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"primary":   sleepStep(10*time.Millisecond, nil, errBoom),
		"secondary": sleepStep(500*time.Millisecond, "slow", nil),
		"cache":     sleepStep(20*time.Millisecond, "cached", nil),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err != nil {
		t.Fatalf("any: %v", err)
	}
	if !res.Success {
		t.Error("any with one success should succeed")
	}
	if len(res.CompletedSteps) != 1 || res.CompletedSteps[0] != "cache" {
		t.Errorf("completed = %v, want [cache]", res.CompletedSteps)
	}
	if len(res.FailedSteps) != 1 || res.FailedSteps[0] != "primary" {
		t.Errorf("failed = %v, want [primary]", res.FailedSteps)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "secondary" {
		t.Errorf("skipped = %v, want [secondary]", res.SkippedSteps)
	}
	if res.Results["cache"] != "cached" {
		t.Errorf("results = %v", res.Results)
	}
}

func TestGroupAnyAllFail(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"a", "b"}, Strategy: WaitAny}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"a": sleepStep(5*time.Millisecond, nil, errBoom),
		"b": sleepStep(5*time.Millisecond, nil, errBoom),
	})
	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err == nil || res.Success {
		t.Fatalf("any with all failures: (%+v, %v)", res, err)
	}
}

func TestGroupEmptyIsVacuousSuccess(t *testing.T) {
	m := newTestGroupManager(2)
	for _, strategy := range []WaitStrategy{WaitAll, WaitAny, WaitAllSettled, WaitRace} {
		g := &GroupSpec{Steps: nil, Strategy: strategy}
		res, err := m.ExecuteGroup(context.Background(), "grp", g, nil, testContext(nil))
		if err != nil || !res.Success {
			t.Errorf("%s: empty group = (%+v, %v), want vacuous success", strategy, res, err)
		}
	}
}

func TestGroupBatchingRespectsCap(t *testing.T) {
	// Ten members with a group cap of three: max simultaneous ≤ 3 and
	// wall clock at least ceil(10/3) batches of 30ms.
	m := newTestGroupManager(16)
	members := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}
	g := &GroupSpec{Steps: members, Strategy: WaitAll, MaxConcurrent: 3}

	var active, peak int64
	behavior := make(map[string]func(context.Context) (any, error), len(members))
	for _, id := range members {
		behavior[id] = func(context.Context) (any, error) {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil, nil
		}
	}

	start := time.Now()
	res, err := m.ExecuteGroup(context.Background(), "grp", g, stepTable(behavior), testContext(nil))
	elapsed := time.Since(start)
	if err != nil || !res.Success {
		t.Fatalf("group = (%+v, %v)", res, err)
	}
	if got := atomic.LoadInt64(&peak); got > 3 {
		t.Errorf("peak simultaneous members %d exceeds group cap 3", got)
	}
	if elapsed < 4*30*time.Millisecond {
		t.Errorf("elapsed %v, want at least 4 batches of 30ms", elapsed)
	}
}

func TestGroupTimeout(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{
		Steps:    []string{"fast", "slow"},
		Strategy: WaitAll,
		Timeout:  40 * time.Millisecond,
	}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"fast": sleepStep(5*time.Millisecond, "ok", nil),
		"slow": sleepStep(time.Second, "late", nil),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	var deadlineErr *GroupDeadlineExceededError
	if !asErr(err, &deadlineErr) {
		t.Fatalf("want GroupDeadlineExceededError, got %v", err)
	}
	if deadlineErr.Group != "grp" {
		t.Errorf("deadline names group %q", deadlineErr.Group)
	}
	// The fast member finished; the slow one was still unsettled.
	if len(res.CompletedSteps) != 1 || res.CompletedSteps[0] != "fast" {
		t.Errorf("completed = %v", res.CompletedSteps)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "slow" {
		t.Errorf("skipped = %v, want [slow]", res.SkippedSteps)
	}
}

func TestGroupTimeoutAllSettledMarksFailed(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{
		Steps:    []string{"slow"},
		Strategy: WaitAllSettled,
		Timeout:  20 * time.Millisecond,
	}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"slow": sleepStep(time.Second, nil, nil),
	})

	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err == nil {
		t.Fatal("timeout should surface")
	}
	if len(res.FailedSteps) != 1 || res.FailedSteps[0] != "slow" {
		t.Errorf("failed = %v, want [slow] under allSettled", res.FailedSteps)
	}
	var deadlineErr *GroupDeadlineExceededError
	if !asErr(res.Errors["slow"], &deadlineErr) {
		t.Errorf("member error = %v, want GroupDeadlineExceededError", res.Errors["slow"])
	}
}

func TestGroupDerivedStepList(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{
		Steps: []string{"a", "b", "c"},
		StepsFunc: func(wc *WorkflowContext) []string {
			v, _ := wc.Result("pick")
			return v.([]string)
		},
		Strategy: WaitAll,
	}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"a": sleepStep(time.Millisecond, "A", nil),
		"c": sleepStep(time.Millisecond, "C", nil),
	})

	wc := testContext(map[string]any{"pick": []string{"a", "c"}})
	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, wc)
	if err != nil {
		t.Fatalf("derived group: %v", err)
	}
	got := append([]string(nil), res.CompletedSteps...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("completed = %v, want [a c]", got)
	}
}

func TestGroupRaceSettlesOnFirstCompletion(t *testing.T) {
	m := newTestGroupManager(4)
	g := &GroupSpec{Steps: []string{"fast", "slow"}, Strategy: WaitRace}
	exec := stepTable(map[string]func(context.Context) (any, error){
		"fast": sleepStep(5*time.Millisecond, "won", nil),
		"slow": sleepStep(500*time.Millisecond, "lost", nil),
	})
	res, err := m.ExecuteGroup(context.Background(), "grp", g, exec, testContext(nil))
	if err != nil || !res.Success {
		t.Fatalf("race = (%+v, %v)", res, err)
	}
	if len(res.CompletedSteps) != 1 || res.CompletedSteps[0] != "fast" {
		t.Errorf("completed = %v", res.CompletedSteps)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "slow" {
		t.Errorf("skipped = %v", res.SkippedSteps)
	}
}
