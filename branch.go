package warden

import (
	"fmt"
)

// BranchResolver maps a branch definition plus the current context to the
// ordered list of step IDs to execute next. Resolution is deterministic
// in context content; it performs no I/O.
type BranchResolver struct {
	eval *Evaluator
}

// NewBranchResolver creates a resolver backed by the given evaluator.
// A nil evaluator gets the default.
func NewBranchResolver(eval *Evaluator) *BranchResolver {
	if eval == nil {
		eval = NewEvaluator()
	}
	return &BranchResolver{eval: eval}
}

// BranchOutcome reports which arm a resolution selected, for diagnostics.
type BranchOutcome struct {
	// Steps is the selected step list; may be empty.
	Steps []string
	// Arm names the selected arm: "then", "else", "case", or "default".
	Arm string
	// Err carries a non-fatal evaluation error when degradation routed
	// the branch to its else/default arm.
	Err error
}

// Resolve routes a branch against the context. Conditional branches with
// an evaluation error degrade to the else arm; switch branches with an
// undefined expression value route to defaultSteps.
func (r *BranchResolver) Resolve(b *BranchSpec, wc *WorkflowContext) BranchOutcome {
	if b.isSwitch {
		return r.resolveSwitch(b, wc)
	}
	return r.resolveConditional(b, wc)
}

func (r *BranchResolver) resolveConditional(b *BranchSpec, wc *WorkflowContext) BranchOutcome {
	var res EvalResult
	switch {
	case b.cond == nil:
		res = EvalResult{Matched: false, Err: &ConditionEvaluationError{Expr: "", Message: "branch has no condition"}}
	case b.cond.fn != nil:
		res = r.eval.ConditionFunc(b.cond.fn, wc)
	default:
		res = r.eval.Condition(b.cond.expr, wc)
	}
	if res.Matched {
		return BranchOutcome{Steps: b.thenSteps, Arm: "then"}
	}
	return BranchOutcome{Steps: b.elseSteps, Arm: "else", Err: res.Err}
}

func (r *BranchResolver) resolveSwitch(b *BranchSpec, wc *WorkflowContext) BranchOutcome {
	v, err := r.switchValue(b, wc)
	if err != nil || IsUndefined(v) {
		return BranchOutcome{Steps: b.defaults, Arm: "default", Err: err}
	}
	for _, c := range b.cases {
		if deepEqual(v, c.Value) {
			return BranchOutcome{Steps: c.Steps, Arm: "case"}
		}
	}
	return BranchOutcome{Steps: b.defaults, Arm: "default"}
}

// switchValue evaluates the switch expression, closure or string form.
func (r *BranchResolver) switchValue(b *BranchSpec, wc *WorkflowContext) (v any, err error) {
	if b.switchFn != nil {
		defer func() {
			if p := recover(); p != nil {
				v = Undefined
				err = &ConditionEvaluationError{Expr: "<closure>", Message: fmt.Sprintf("panic: %v", p)}
			}
		}()
		return b.switchFn(wc), nil
	}
	return r.eval.Value(b.switchExpr, wc)
}
