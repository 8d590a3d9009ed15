package warden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns the lifecycle of workflow runs: validate (done at
// definition construction), graph-drive, thread context, and return.
type Manager struct {
	registry *Registry
	executor ToolExecutor
	retry    *RetryEngine
	eval     *Evaluator
	branches *BranchResolver
	poolCfg  PoolConfig
	logger   *slog.Logger
	tracer   Tracer
	events   EventSink
	clock    Clock
	store    RunStore
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerLogger sets a structured logger for run execution.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// ManagerTracer sets the tracer for run, step, and group spans.
func ManagerTracer(t Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// ManagerEvents sets the sink for run lifecycle events.
func ManagerEvents(s EventSink) ManagerOption {
	return func(m *Manager) { m.events = s }
}

// ManagerClock substitutes the clock used for deadlines and timestamps.
func ManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// ManagerRetry replaces the default retry engine.
func ManagerRetry(e *RetryEngine) ManagerOption {
	return func(m *Manager) { m.retry = e }
}

// ManagerEvaluator replaces the default condition evaluator.
func ManagerEvaluator(e *Evaluator) ManagerOption {
	return func(m *Manager) { m.eval = e }
}

// ManagerPool sets the default worker pool configuration for parallel
// groups; a definition's WithPool overrides it per run.
func ManagerPool(cfg PoolConfig) ManagerOption {
	return func(m *Manager) { m.poolCfg = cfg }
}

// ManagerStore records finished runs into a RunStore, best-effort.
func ManagerStore(s RunStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// ManagerExecutor replaces the tool dispatch path, typically with an
// instrumented wrapper over the registry (observer.WrapRegistry).
func ManagerExecutor(e ToolExecutor) ManagerOption {
	return func(m *Manager) { m.executor = e }
}

// NewManager creates a Manager over a tool registry.
func NewManager(reg *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: reg,
		logger:   nopLogger,
		events:   nopSink{},
		clock:    SystemClock(),
		poolCfg:  PoolConfig{MaxConcurrent: 4, DefaultTimeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.eval == nil {
		m.eval = NewEvaluator()
	}
	if m.branches == nil {
		m.branches = NewBranchResolver(m.eval)
	}
	if m.retry == nil {
		m.retry = NewRetryEngine(RetryClock(m.clock), RetryLogger(m.logger), RetryEvents(m.events))
	}
	if m.executor == nil {
		m.executor = m.registry
	}
	return m
}

// Retry exposes the manager's retry engine for policy installation.
func (m *Manager) Retry() *RetryEngine { return m.retry }

// RunInput identifies the originating caller of a run.
type RunInput struct {
	UserID    string
	RequestID string
}

// RunResult is the aggregate outcome of one workflow run.
type RunResult struct {
	RunID    string
	Workflow string
	Results  map[string]any
	Errors   map[string]error
	Skipped  []string
	Duration time.Duration
}

// runState is the cross-goroutine slice of run state: the shared context
// plus the discard flag set when the run deadline trips.
type runState struct {
	wc *WorkflowContext

	// serial is the dispatch lane for steps not flagged parallel: they
	// never run concurrently with one another. Parallel-flagged steps
	// and group members bypass it.
	serial sync.Mutex

	mu          sync.Mutex
	deadlineHit bool
}

// discarding reports whether outcome writes should be dropped.
func (s *runState) discarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadlineHit
}

func (s *runState) tripDeadline() {
	s.mu.Lock()
	s.deadlineHit = true
	s.mu.Unlock()
}

func (s *runState) recordResult(id string, v any) {
	if s.discarding() {
		return
	}
	s.wc.setResult(id, v)
}

func (s *runState) recordError(id string, err error) {
	if s.discarding() {
		return
	}
	s.wc.setError(id, err)
}

// stepOutcome is what a step goroutine reports back to the coordinator.
type stepOutcome struct {
	id      string
	err     error
	policy  ErrorPolicy
	skipped bool // condition not matched
	// selected carries a branch's chosen targets; nil for other kinds.
	selected map[string]bool
}

// Execute runs a validated definition to completion. Ready steps launch
// as their dependencies resolve; steps gated behind branches and groups
// launch only when selected or dispatched. The returned RunResult is
// populated even when the run fails.
func (m *Manager) Execute(ctx context.Context, def *Definition, input RunInput) (*RunResult, error) {
	runID := NewRunID()
	start := m.clock.Now()
	var deadline time.Time
	if def.maxDuration > 0 {
		deadline = start.Add(def.maxDuration)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var span Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "workflow.execute",
			StringAttr("workflow.name", def.name),
			StringAttr("run.id", runID),
			IntAttr("step_count", len(def.stepOrder)))
		defer span.End()
	}

	st := &runState{wc: newWorkflowContext(runID, input.UserID, input.RequestID, start, deadline)}

	m.logger.Info("workflow started", "workflow", def.name, "run_id", runID, "steps", len(def.stepOrder))
	m.events.Emit(Event{Type: EventRunStarted, Workflow: def.name, RunID: runID, At: start})

	poolCfg := m.poolCfg
	if def.pool != nil {
		poolCfg = *def.pool
	}
	pool := NewPool(poolCfg, PoolClock(m.clock), PoolLogger(m.logger))
	groups := NewParallelManager(pool,
		ParallelClock(m.clock), ParallelLogger(m.logger), ParallelEvents(m.events))

	routed, runErr := m.drive(ctx, cancel, def, st, groups)

	res := &RunResult{
		RunID:    runID,
		Workflow: def.name,
		Results:  st.wc.Results(),
		Errors:   st.wc.Errors(),
		Duration: m.clock.Now().Sub(start),
	}
	// Skipped = declared steps that recorded nothing. Branches record no
	// result of their own, so ones that actually routed are excluded.
	for _, id := range def.stepOrder {
		if !st.wc.Has(id) && !routed[id] {
			res.Skipped = append(res.Skipped, id)
		}
	}

	if span != nil {
		if runErr != nil {
			span.Error(runErr)
			span.SetAttr(StringAttr("workflow.status", "error"))
		} else {
			span.SetAttr(StringAttr("workflow.status", "ok"))
		}
	}
	m.logger.Info("workflow completed", "workflow", def.name, "run_id", runID,
		"duration", res.Duration, "error", runErr)
	m.events.Emit(Event{Type: EventRunCompleted, Workflow: def.name, RunID: runID,
		Err: runErr, Duration: res.Duration})

	m.persist(ctx, def, input, res, start, runErr)

	return res, runErr
}

// drive is the coordinator loop. Scheduling maps are owned by this
// goroutine; step goroutines report through the done channel. The
// returned set names branch steps that resolved (they leave no record
// in the context).
func (m *Manager) drive(ctx context.Context, cancel context.CancelFunc, def *Definition, st *runState, groups *ParallelManager) (map[string]bool, error) {
	remaining := make(map[string]int, len(def.steps))
	activated := make(map[string]bool, len(def.steps))
	launched := make(map[string]bool, len(def.steps))
	resolved := make(map[string]bool, len(def.steps))
	dependents := make(map[string][]string)

	for _, id := range def.stepOrder {
		s := def.steps[id]
		remaining[id] = len(s.dependsOn)
		for _, dep := range s.dependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
		if _, gated := def.gatedBy[id]; !gated {
			activated[id] = true
		}
	}

	done := make(chan stepOutcome, len(def.steps))
	inflight := 0

	var (
		terminal    error
		deadlineHit bool
	)
	routed := make(map[string]bool)

	launch := func(id string) {
		if launched[id] || terminal != nil || deadlineHit {
			return
		}
		launched[id] = true
		inflight++
		s := def.steps[id]
		go func() {
			done <- m.runStep(ctx, def, s, st, groups)
		}()
	}

	// resolve marks a step's dependency obligation met and launches any
	// dependents that become ready.
	var resolve func(id string)
	resolve = func(id string) {
		if resolved[id] {
			return
		}
		resolved[id] = true
		for _, dep := range dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 && activated[dep] {
				launch(dep)
			}
		}
	}

	// markSkipped resolves a step that will never run, cascading through
	// the structures it gates.
	var markSkipped func(id string)
	markSkipped = func(id string) {
		if launched[id] || resolved[id] {
			return
		}
		resolve(id)
		s := def.steps[id]
		switch s.kind {
		case stepBranch:
			for _, target := range s.branch.targets() {
				if _, gated := def.gatedBy[target]; gated && !activated[target] {
					markSkipped(target)
				}
			}
		case stepParallel:
			for _, member := range s.group.Steps {
				if !activated[member] {
					markSkipped(member)
				}
			}
		}
	}

	activate := func(id string) {
		if activated[id] {
			return
		}
		activated[id] = true
		if remaining[id] == 0 {
			launch(id)
		}
	}

	// Seed root steps in declaration order.
	for _, id := range def.stepOrder {
		if activated[id] && remaining[id] == 0 {
			launch(id)
		}
	}

	var deadlineCh <-chan time.Time
	if def.maxDuration > 0 {
		deadlineCh = m.clock.After(def.maxDuration)
	}

	for inflight > 0 {
		select {
		case o := <-done:
			inflight--

			if o.skipped {
				m.events.Emit(Event{Type: EventStepSkipped, Workflow: def.name, Step: o.id})
				resolve(o.id)
				m.cascadeUnreached(def, o.id, activated, markSkipped)
				continue
			}

			if o.err != nil {
				if o.policy == PolicyContinue {
					resolve(o.id)
					m.cascadeUnreached(def, o.id, activated, markSkipped)
					continue
				}
				// fail (including exhausted retry): terminate the run.
				if terminal == nil {
					terminal = &StepFailedError{Workflow: def.name, Step: o.id, Err: o.err}
					cancel()
				}
				continue
			}

			// Success. A group's members resolved inside it; release
			// their dependents. Branch selections activate targets.
			if s := def.steps[o.id]; s.kind == stepParallel {
				for _, member := range s.group.Steps {
					resolve(member)
				}
			}
			if o.selected != nil {
				routed[o.id] = true
				s := def.steps[o.id]
				seen := make(map[string]bool)
				for _, target := range s.branch.targets() {
					if seen[target] {
						continue
					}
					seen[target] = true
					if o.selected[target] {
						activate(target)
					} else {
						markSkipped(target)
					}
				}
			}
			resolve(o.id)

		case <-deadlineCh:
			if !deadlineHit {
				deadlineHit = true
				st.tripDeadline()
				cancel()
				// In-flight handlers are left to complete; their late
				// results are discarded. Return without draining.
				return routed, &WorkflowDeadlineExceededError{Workflow: def.name, Deadline: def.maxDuration}
			}
		}
	}

	return routed, terminal
}

// cascadeUnreached skips the gated structures of a step that resolved
// without selecting them (condition skip or continue-policy failure).
func (m *Manager) cascadeUnreached(def *Definition, id string, activated map[string]bool, markSkipped func(string)) {
	s := def.steps[id]
	switch s.kind {
	case stepBranch:
		for _, target := range s.branch.targets() {
			if !activated[target] {
				markSkipped(target)
			}
		}
	case stepParallel:
		for _, member := range s.group.Steps {
			if !activated[member] {
				markSkipped(member)
			}
		}
	}
}

// runStep executes one step's lifecycle: condition, dispatch, record.
func (m *Manager) runStep(ctx context.Context, def *Definition, s *stepConfig, st *runState, groups *ParallelManager) stepOutcome {
	start := m.clock.Now()

	var span Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "workflow.step",
			StringAttr("step.id", s.id))
		defer span.End()
	}

	if ctx.Err() != nil {
		return stepOutcome{id: s.id, policy: s.onError, err: ctx.Err()}
	}

	if skipped, evalErr := m.conditionSkips(s, st.wc); skipped {
		if evalErr != nil {
			m.logger.Warn("step condition error, treating as not matched",
				"workflow", def.name, "step", s.id, "error", evalErr)
		}
		m.logger.Debug("step skipped (condition not met)", "workflow", def.name, "step", s.id)
		if span != nil {
			span.SetAttr(StringAttr("step.status", "skipped"))
		}
		return stepOutcome{id: s.id, skipped: true}
	}

	if s.kind == stepTool && !s.parallel {
		st.serial.Lock()
		defer st.serial.Unlock()
	}

	m.events.Emit(Event{Type: EventStepStarted, Workflow: def.name, RunID: st.wc.RunID(), Step: s.id})

	var (
		out      stepOutcome
		duration time.Duration
	)
	switch s.kind {
	case stepBranch:
		out = m.runBranch(s, st)
	case stepParallel:
		out = m.runGroup(ctx, def, s, st, groups)
	default:
		out = m.runTool(ctx, s, st)
	}
	duration = m.clock.Now().Sub(start)
	out.policy = s.onError

	if out.err != nil {
		m.logger.Error("step failed", "workflow", def.name, "step", s.id, "error", out.err, "duration", duration)
		m.events.Emit(Event{Type: EventStepFailed, Workflow: def.name, RunID: st.wc.RunID(),
			Step: s.id, Err: out.err, Duration: duration})
		if span != nil {
			span.Error(out.err)
			span.SetAttr(StringAttr("step.status", "failed"))
		}
		return out
	}

	m.logger.Info("step completed", "workflow", def.name, "step", s.id, "duration", duration)
	m.events.Emit(Event{Type: EventStepCompleted, Workflow: def.name, RunID: st.wc.RunID(),
		Step: s.id, Duration: duration})
	if span != nil {
		span.SetAttr(StringAttr("step.status", "success"))
	}
	return out
}

// conditionSkips evaluates the step's condition, if any. Evaluation
// errors degrade to "not matched".
func (m *Manager) conditionSkips(s *stepConfig, wc *WorkflowContext) (bool, error) {
	if s.condition == nil {
		return false, nil
	}
	var res EvalResult
	if s.condition.fn != nil {
		res = m.eval.ConditionFunc(s.condition.fn, wc)
	} else {
		res = m.eval.Condition(s.condition.expr, wc)
	}
	return !res.Matched, res.Err
}

// runTool dispatches a tool step through the registry, wrapped by the
// retry engine. Steps with an explicit retry policy fall back to the
// engine default when the tool has no table entry.
func (m *Manager) runTool(ctx context.Context, s *stepConfig, st *runState) stepOutcome {
	input, err := m.resolveInput(s, st.wc)
	if err != nil {
		st.recordError(s.id, err)
		return stepOutcome{id: s.id, err: err}
	}

	thunk := func(ctx context.Context) (any, error) {
		return m.executor.Execute(ctx, s.tool, s.toolVersion, input, st.wc)
	}

	var out any
	if s.onError == PolicyRetry {
		out, err = m.retry.DoWithDefault(ctx, s.tool, thunk)
	} else {
		out, err = m.retry.Do(ctx, s.tool, thunk)
	}
	if err != nil {
		if ctx.Err() == nil {
			st.recordError(s.id, err)
		}
		return stepOutcome{id: s.id, err: err}
	}
	st.recordResult(s.id, out)
	return stepOutcome{id: s.id}
}

// resolveInput produces the step's effective input, reporting closure
// panics as step errors.
func (m *Manager) resolveInput(s *stepConfig, wc *WorkflowContext) (input any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s: input closure panicked: %v", s.id, r)
		}
	}()
	return s.input.resolve(wc), nil
}

// runBranch resolves a routing directive. A branch records no result of
// its own; its selection activates targets in the coordinator.
func (m *Manager) runBranch(s *stepConfig, st *runState) stepOutcome {
	outcome := m.branches.Resolve(s.branch, st.wc)
	if outcome.Err != nil {
		m.logger.Warn("branch degraded", "step", s.id, "arm", outcome.Arm, "error", outcome.Err)
	}
	selected := make(map[string]bool, len(outcome.Steps))
	for _, id := range outcome.Steps {
		selected[id] = true
	}
	return stepOutcome{id: s.id, selected: selected}
}

// runGroup dispatches a parallel group via the parallel manager. The
// executor callback re-enters the member lifecycle.
func (m *Manager) runGroup(ctx context.Context, def *Definition, s *stepConfig, st *runState, groups *ParallelManager) stepOutcome {
	exec := func(taskCtx context.Context, memberID string) (any, error) {
		return m.runGroupMember(taskCtx, def.steps[memberID], st)
	}
	res, err := groups.ExecuteGroup(ctx, s.id, s.group, exec, st.wc)
	if err != nil {
		st.recordError(s.id, err)
		return stepOutcome{id: s.id, err: err}
	}
	st.recordResult(s.id, res)
	return stepOutcome{id: s.id}
}

// runGroupMember runs one group member: condition, tool dispatch with
// retry, outcome recording. A member whose condition does not match
// completes with an absent value and records nothing.
func (m *Manager) runGroupMember(ctx context.Context, s *stepConfig, st *runState) (any, error) {
	if skipped, _ := m.conditionSkips(s, st.wc); skipped {
		return nil, nil
	}

	input, err := m.resolveInput(s, st.wc)
	if err != nil {
		st.recordError(s.id, err)
		return nil, err
	}

	thunk := func(ctx context.Context) (any, error) {
		return m.executor.Execute(ctx, s.tool, s.toolVersion, input, st.wc)
	}

	var out any
	if s.onError == PolicyRetry {
		out, err = m.retry.DoWithDefault(ctx, s.tool, thunk)
	} else {
		out, err = m.retry.Do(ctx, s.tool, thunk)
	}
	if err != nil {
		if ctx.Err() == nil {
			st.recordError(s.id, err)
		}
		return nil, err
	}
	st.recordResult(s.id, out)
	return out, nil
}

// persist records a finished run into the configured store, best-effort.
func (m *Manager) persist(ctx context.Context, def *Definition, input RunInput, res *RunResult, start time.Time, runErr error) {
	if m.store == nil {
		return
	}
	record := RunRecord{
		RunID:      res.RunID,
		Workflow:   def.name,
		UserID:     input.UserID,
		RequestID:  input.RequestID,
		StartedAt:  start,
		FinishedAt: start.Add(res.Duration),
		Status:     "succeeded",
	}
	if runErr != nil {
		record.Status = "failed"
		record.Error = runErr.Error()
	}

	steps := make([]StepRecord, 0, len(def.stepOrder))
	for _, id := range def.stepOrder {
		sr := StepRecord{RunID: res.RunID, StepID: id, Status: "skipped"}
		if v, ok := res.Results[id]; ok {
			sr.Status = "succeeded"
			sr.Result = v
		} else if err, ok := res.Errors[id]; ok {
			sr.Status = "failed"
			sr.Error = err.Error()
		}
		steps = append(steps, sr)
	}

	if err := m.store.SaveRun(ctx, record, steps); err != nil {
		m.logger.Warn("run persistence failed", "run_id", res.RunID, "error", err)
	}
}
