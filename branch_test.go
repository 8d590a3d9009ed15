package warden

import (
	"reflect"
	"testing"
)

func TestBranchConditionalThenElse(t *testing.T) {
	r := NewBranchResolver(nil)
	wc := testContext(map[string]any{
		"fetch_user": map[string]any{"status": "active"},
	})

	b := If(`$results.fetch_user.status == "active"`, []string{"welcome"}, []string{"reactivate"})
	out := r.Resolve(&b, wc)
	if out.Arm != "then" || !reflect.DeepEqual(out.Steps, []string{"welcome"}) {
		t.Errorf("active: got %+v, want then [welcome]", out)
	}

	wc = testContext(map[string]any{
		"fetch_user": map[string]any{"status": "inactive"},
	})
	out = r.Resolve(&b, wc)
	if out.Arm != "else" || !reflect.DeepEqual(out.Steps, []string{"reactivate"}) {
		t.Errorf("inactive: got %+v, want else [reactivate]", out)
	}
}

func TestBranchConditionalNoElse(t *testing.T) {
	r := NewBranchResolver(nil)
	b := If("false", []string{"a"}, nil)
	out := r.Resolve(&b, testContext(nil))
	if out.Arm != "else" || len(out.Steps) != 0 {
		t.Errorf("got %+v, want empty else", out)
	}
}

func TestBranchConditionalEvalErrorRoutesToElse(t *testing.T) {
	r := NewBranchResolver(nil)
	b := If("this is not an expression (", []string{"a"}, []string{"fallback"})
	out := r.Resolve(&b, testContext(nil))
	if out.Arm != "else" || !reflect.DeepEqual(out.Steps, []string{"fallback"}) {
		t.Errorf("got %+v, want else [fallback]", out)
	}
	if out.Err == nil {
		t.Error("degraded branch should carry the evaluation error")
	}
}

func TestBranchConditionalClosure(t *testing.T) {
	r := NewBranchResolver(nil)
	b := IfFunc(func(wc *WorkflowContext) bool {
		v, _ := wc.Result("n")
		return v == 42
	}, []string{"yes"}, []string{"no"})

	out := r.Resolve(&b, testContext(map[string]any{"n": 42}))
	if out.Arm != "then" {
		t.Errorf("got %+v, want then", out)
	}

	// A panicking closure degrades to else.
	b = IfFunc(func(*WorkflowContext) bool { panic("nope") }, []string{"yes"}, []string{"no"})
	out = r.Resolve(&b, testContext(nil))
	if out.Arm != "else" || out.Err == nil {
		t.Errorf("panic: got %+v, want else with error", out)
	}
}

func TestBranchSwitchCases(t *testing.T) {
	r := NewBranchResolver(nil)
	b := Switch("$results.fetch_plan.tier", []SwitchCase{
		{Value: "enterprise", Steps: []string{"ent"}},
		{Value: "professional", Steps: []string{"pro"}},
		{Value: "starter", Steps: []string{"start"}},
	}, []string{"no_plan"})

	wc := testContext(map[string]any{"fetch_plan": map[string]any{"tier": "professional"}})
	out := r.Resolve(&b, wc)
	if out.Arm != "case" || !reflect.DeepEqual(out.Steps, []string{"pro"}) {
		t.Errorf("professional: got %+v", out)
	}

	// No case matches: default.
	wc = testContext(map[string]any{"fetch_plan": map[string]any{"tier": "trial"}})
	out = r.Resolve(&b, wc)
	if out.Arm != "default" || !reflect.DeepEqual(out.Steps, []string{"no_plan"}) {
		t.Errorf("trial: got %+v", out)
	}
}

func TestBranchSwitchDeepEquality(t *testing.T) {
	r := NewBranchResolver(nil)
	b := SwitchFunc(func(wc *WorkflowContext) any {
		v, _ := wc.Result("obj")
		return v
	}, []SwitchCase{
		{Value: map[string]any{"kind": "a", "n": 1}, Steps: []string{"matched"}},
	}, []string{"default"})

	// Key order and numeric representation do not matter.
	wc := testContext(map[string]any{"obj": map[string]any{"n": 1.0, "kind": "a"}})
	out := r.Resolve(&b, wc)
	if out.Arm != "case" {
		t.Errorf("got %+v, want structural match", out)
	}
}

func TestBranchSwitchNullCase(t *testing.T) {
	r := NewBranchResolver(nil)
	b := Switch("$results.s.value", []SwitchCase{
		{Value: nil, Steps: []string{"is_null"}},
	}, []string{"default"})

	// Expression resolves to explicit null: the null case matches.
	wc := testContext(map[string]any{"s": map[string]any{"value": nil}})
	out := r.Resolve(&b, wc)
	if out.Arm != "case" || !reflect.DeepEqual(out.Steps, []string{"is_null"}) {
		t.Errorf("null value: got %+v", out)
	}

	// Expression resolves to undefined: routes to default, not null.
	wc = testContext(nil)
	out = r.Resolve(&b, wc)
	if out.Arm != "default" {
		t.Errorf("undefined value: got %+v, want default", out)
	}
}

func TestBranchSwitchUndefinedRoutesToDefault(t *testing.T) {
	r := NewBranchResolver(nil)
	b := Switch("$results.absent.field", []SwitchCase{
		{Value: "x", Steps: []string{"x"}},
	}, []string{"fallback"})
	out := r.Resolve(&b, testContext(nil))
	if out.Arm != "default" || !reflect.DeepEqual(out.Steps, []string{"fallback"}) {
		t.Errorf("got %+v, want default [fallback]", out)
	}
}

func TestBranchSwitchNoDefault(t *testing.T) {
	r := NewBranchResolver(nil)
	b := Switch(`"zzz"`, []SwitchCase{{Value: "x", Steps: []string{"x"}}}, nil)
	out := r.Resolve(&b, testContext(nil))
	if out.Arm != "default" || len(out.Steps) != 0 {
		t.Errorf("got %+v, want empty default", out)
	}
}

func TestBranchResolutionIsDeterministic(t *testing.T) {
	r := NewBranchResolver(nil)
	b := Switch("$results.k.v", []SwitchCase{
		{Value: 1, Steps: []string{"one"}},
		{Value: 2, Steps: []string{"two"}},
	}, []string{"other"})
	wc := testContext(map[string]any{"k": map[string]any{"v": 2.0}})
	first := r.Resolve(&b, wc)
	for i := 0; i < 10; i++ {
		if out := r.Resolve(&b, wc); !reflect.DeepEqual(out.Steps, first.Steps) {
			t.Fatalf("resolution changed between calls: %+v vs %+v", first, out)
		}
	}
}
