package warden

import (
	"fmt"
	"strings"
	"time"
)

// InvalidDefinitionError reports every problem found while validating a
// workflow definition: duplicate IDs, dangling references, cycles,
// excessive depth.
type InvalidDefinitionError struct {
	Workflow string
	Problems []string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("workflow %s: invalid definition: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// ToolNotFoundError indicates that no registration satisfied a lookup.
type ToolNotFoundError struct {
	Tool    string
	Version string // empty when the lookup asked for the latest version
}

func (e *ToolNotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("tool %s@%s not found", e.Tool, e.Version)
	}
	return fmt.Sprintf("tool %s not found", e.Tool)
}

// ToolDisabledError indicates the resolved registration refuses execution.
type ToolDisabledError struct {
	Tool    string
	Version string
}

func (e *ToolDisabledError) Error() string {
	return fmt.Sprintf("tool %s@%s is disabled", e.Tool, e.Version)
}

// InvalidInputError reports an input schema violation.
type InvalidInputError struct {
	Tool string
	Err  error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("tool %s: invalid input: %v", e.Tool, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// InvalidOutputError reports an output schema violation.
type InvalidOutputError struct {
	Tool string
	Err  error
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("tool %s: invalid output: %v", e.Tool, e.Err)
}

func (e *InvalidOutputError) Unwrap() error { return e.Err }

// DependencyUnsatisfiedError reports a required tool dependency that is
// missing or whose registered versions all fall outside the range.
type DependencyUnsatisfiedError struct {
	Tool       string
	Dependency string
	Range      string
}

func (e *DependencyUnsatisfiedError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("dependency %s (%s) unsatisfied", e.Dependency, e.Range)
	}
	return fmt.Sprintf("tool %s: dependency %s (%s) unsatisfied", e.Tool, e.Dependency, e.Range)
}

// OperationTimedOutError indicates a worker task exceeded its timeout.
// The task's late result, if it ever arrives, is discarded.
type OperationTimedOutError struct {
	Task    string
	Timeout time.Duration
}

func (e *OperationTimedOutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.Task, e.Timeout)
}

// GroupDeadlineExceededError indicates a parallel group's timeout fired
// before the strategy settled.
type GroupDeadlineExceededError struct {
	Group   string
	Timeout time.Duration
}

func (e *GroupDeadlineExceededError) Error() string {
	return fmt.Sprintf("parallel group %s exceeded deadline of %s", e.Group, e.Timeout)
}

// WorkflowDeadlineExceededError indicates the run-level deadline fired.
// The run terminates unconditionally; in-flight results are discarded.
type WorkflowDeadlineExceededError struct {
	Workflow string
	Deadline time.Duration
}

func (e *WorkflowDeadlineExceededError) Error() string {
	return fmt.Sprintf("workflow %s exceeded deadline of %s", e.Workflow, e.Deadline)
}

// RetryExhaustedError indicates all permitted retry attempts failed.
// Unwrap exposes the final attempt's error.
type RetryExhaustedError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("tool %s: %d attempts exhausted: %v", e.Tool, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// FallbackExhaustedError aggregates the failures of every strategy in a
// fallback chain, in invocation order.
type FallbackExhaustedError struct {
	Failures []FallbackFailure
}

// FallbackFailure names one strategy and its error.
type FallbackFailure struct {
	Strategy string
	Err      error
}

func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Strategy, f.Err)
	}
	return "all fallback strategies failed: " + strings.Join(parts, "; ")
}

// AggregateError collects per-task errors for strategies that fail only
// when every task fails (any). Causes are keyed by task ID.
type AggregateError struct {
	Op     string
	Causes map[string]error
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for id, err := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	return fmt.Sprintf("%s: all tasks failed: %s", e.Op, strings.Join(parts, "; "))
}

// ConditionEvaluationError reports an expression parse or path-resolution
// failure. It never propagates as a panic; the evaluator folds it into
// the evaluation result.
type ConditionEvaluationError struct {
	Expr    string
	Message string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Expr, e.Message)
}

// StepFailedError is the run-terminating outcome of a step failure under
// the fail policy. Unwrap exposes the step's error.
type StepFailedError struct {
	Workflow string
	Step     string
	Err      error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("workflow %s: step %q failed: %v", e.Workflow, e.Step, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// ParallelGroupError is surfaced when a group without continueOnError
// fails under its strategy. It carries the full group result.
type ParallelGroupError struct {
	Group  string
	Result *ParallelExecutionResult
}

func (e *ParallelGroupError) Error() string {
	return fmt.Sprintf("parallel group %s failed (%d completed, %d failed, %d skipped)",
		e.Group, len(e.Result.CompletedSteps), len(e.Result.FailedSteps), len(e.Result.SkippedSteps))
}
