package warden

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StepExecutor runs one group member and returns its result. The
// workflow manager supplies it so group members re-enter the normal
// per-step lifecycle (condition, dispatch, outcome recording).
type StepExecutor func(ctx context.Context, stepID string) (any, error)

// ParallelManager executes a parallel group as one logical operation
// over the worker pool.
type ParallelManager struct {
	pool   *Pool
	clock  Clock
	logger *slog.Logger
	events EventSink
}

// ParallelOption configures a ParallelManager.
type ParallelOption func(*ParallelManager)

// ParallelLogger sets a structured logger for group execution.
func ParallelLogger(l *slog.Logger) ParallelOption {
	return func(m *ParallelManager) { m.logger = l }
}

// ParallelEvents sets the sink for group lifecycle events.
func ParallelEvents(s EventSink) ParallelOption {
	return func(m *ParallelManager) { m.events = s }
}

// ParallelClock substitutes the clock used for group deadlines.
func ParallelClock(c Clock) ParallelOption {
	return func(m *ParallelManager) { m.clock = c }
}

// NewParallelManager creates a manager scheduling onto the given pool.
func NewParallelManager(pool *Pool, opts ...ParallelOption) *ParallelManager {
	m := &ParallelManager{
		pool:   pool,
		clock:  SystemClock(),
		logger: nopLogger,
		events: nopSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExecuteGroup runs the group's members under its wait strategy.
//
// The member list is resolved first (evaluating a derived list if the
// group declares one). When the group's own concurrency cap is below the
// member count, members are scheduled in batches of that size; otherwise
// all at once. Members that were never dispatched, or that were still
// unsettled when the strategy decided, are reported as skipped.
//
// A group timeout caps the total wait; on expiry the surfaced error is
// GroupDeadlineExceeded and the parent step's error policy governs
// propagation. Otherwise, a group judged unsuccessful by its strategy
// surfaces a ParallelGroupError unless ContinueOnError is set.
func (m *ParallelManager) ExecuteGroup(ctx context.Context, groupID string, g *GroupSpec, exec StepExecutor, wc *WorkflowContext) (*ParallelExecutionResult, error) {
	start := m.clock.Now()

	members := g.Steps
	if g.StepsFunc != nil {
		members = g.StepsFunc(wc)
	}

	res := &ParallelExecutionResult{
		Group:    groupID,
		Strategy: g.Strategy,
		Results:  make(map[string]any),
		Errors:   make(map[string]error),
	}

	m.events.Emit(Event{Type: EventGroupStarted, Group: groupID, Message: string(g.Strategy)})
	m.logger.Info("parallel group started", "group", groupID, "strategy", g.Strategy, "members", len(members))

	if len(members) == 0 {
		// Vacuous success under every strategy.
		res.Success = true
		res.Duration = m.clock.Now().Sub(start)
		m.emitCompleted(res)
		return res, nil
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timer <-chan time.Time
	if g.Timeout > 0 {
		timer = m.clock.After(g.Timeout)
	}

	batchSize := len(members)
	if g.MaxConcurrent > 0 && g.MaxConcurrent < batchSize {
		batchSize = g.MaxConcurrent
	}

	settledByID := make(map[string]TaskOutcome, len(members))
	var (
		timedOut bool
		external bool
		decided  bool
		winner   *TaskOutcome
	)

batches:
	for batchStart := 0; batchStart < len(members) && !decided && !timedOut; batchStart += batchSize {
		end := batchStart + batchSize
		if end > len(members) {
			end = len(members)
		}
		batch := members[batchStart:end]

		settled := make(chan TaskOutcome, len(batch))
		for _, id := range batch {
			stepID := id
			ch := m.pool.Submit(gctx, Task{
				ID: stepID,
				Run: func(taskCtx context.Context) (any, error) {
					return exec(taskCtx, stepID)
				},
			})
			go func() { settled <- <-ch }()
		}

		for range batch {
			select {
			case o := <-settled:
				settledByID[o.ID] = o
				switch g.Strategy {
				case WaitAny:
					if o.Err == nil && !o.Skipped {
						winner = &o
						decided = true
						cancel()
						break batches
					}
				case WaitRace:
					if !o.Skipped {
						winner = &o
						decided = true
						cancel()
						break batches
					}
				case WaitAll:
					if o.Err != nil && !o.Skipped {
						// Fail fast: remaining members are cancelled
						// cooperatively and later batches never start.
						cancel()
					}
				}
			case <-timer:
				timedOut = true
				cancel()
				break batches
			case <-ctx.Done():
				external = true
				cancel()
				break batches
			}
		}

		if g.Strategy == WaitAll {
			for _, o := range settledByID {
				if o.Err != nil && !o.Skipped {
					break batches
				}
			}
		}
	}

	// Collect outcomes: settled successes and failures, then everything
	// that never settled.
	for _, id := range members {
		o, ok := settledByID[id]
		if !ok || o.Skipped {
			if timedOut && g.Strategy == WaitAllSettled {
				res.FailedSteps = append(res.FailedSteps, id)
				res.Errors[id] = &GroupDeadlineExceededError{Group: groupID, Timeout: g.Timeout}
				continue
			}
			res.SkippedSteps = append(res.SkippedSteps, id)
			continue
		}
		if o.Err != nil {
			// Members cancelled cooperatively did no accountable work;
			// their dropped outcome counts as skipped, not failed.
			if errors.Is(o.Err, context.Canceled) {
				res.SkippedSteps = append(res.SkippedSteps, id)
				continue
			}
			res.FailedSteps = append(res.FailedSteps, id)
			res.Errors[id] = o.Err
			continue
		}
		res.CompletedSteps = append(res.CompletedSteps, id)
		res.Results[id] = o.Value
	}

	res.Duration = m.clock.Now().Sub(start)

	switch g.Strategy {
	case WaitAll:
		res.Success = len(res.CompletedSteps) == len(members)
	case WaitAny:
		res.Success = len(res.CompletedSteps) > 0
	case WaitAllSettled:
		res.Success = !timedOut && !external
	case WaitRace:
		res.Success = winner != nil && winner.Err == nil
	}

	m.emitCompleted(res)

	if timedOut {
		return res, &GroupDeadlineExceededError{Group: groupID, Timeout: g.Timeout}
	}
	if !res.Success && !g.ContinueOnError {
		return res, &ParallelGroupError{Group: groupID, Result: res}
	}
	return res, nil
}

func (m *ParallelManager) emitCompleted(res *ParallelExecutionResult) {
	m.events.Emit(Event{
		Type:     EventGroupCompleted,
		Group:    res.Group,
		Message:  string(res.Strategy),
		Duration: res.Duration,
	})
	m.logger.Info("parallel group completed",
		"group", res.Group,
		"success", res.Success,
		"completed", len(res.CompletedSteps),
		"failed", len(res.FailedSteps),
		"skipped", len(res.SkippedSteps),
		"duration", res.Duration)
}
