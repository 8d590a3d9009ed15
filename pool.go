package warden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	// MaxConcurrent is the number of worker slots. Defaults to 4.
	MaxConcurrent int
	// DefaultTimeout caps every task; a task's own timeout can only
	// tighten it. Zero disables the pool-level cap.
	DefaultTimeout time.Duration
}

// Task is one unit of work for the pool.
type Task struct {
	ID string
	// Run produces the task's value. It should honor ctx; the pool never
	// stops it forcibly, it only discards late results.
	Run func(ctx context.Context) (any, error)
	// Timeout caps this task. The effective timeout is the tighter of
	// this and the pool default.
	Timeout time.Duration
}

// TaskOutcome is the settled result of one task.
type TaskOutcome struct {
	ID       string
	Value    any
	Err      error
	Duration time.Duration
	// TimedOut marks an OperationTimedOut outcome.
	TimedOut bool
	// Skipped marks a task cancelled before it ever started running.
	Skipped bool
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Completed int64
	Failed    int64
	TimedOut  int64
	// TotalWait is cumulative queue residency across dispatched tasks.
	TotalWait  time.Duration
	Dispatched int64
	Active     int
	Queued     int
	// UtilizationRate is Active over MaxConcurrent.
	UtilizationRate float64
	// AverageWait is TotalWait over Dispatched.
	AverageWait time.Duration
}

// Pool bounds concurrent task execution to a fixed number of worker
// slots. Submissions beyond the bound queue FIFO; when a slot frees, the
// head of the queue dispatches.
type Pool struct {
	maxConcurrent  int
	defaultTimeout time.Duration
	clock          Clock
	logger         *slog.Logger

	mu         sync.Mutex // guards the fields below
	active     int
	queue      []*poolItem
	completed  int64
	failed     int64
	timedOut   int64
	dispatched int64
	totalWait  time.Duration
}

type poolItem struct {
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	done       chan TaskOutcome
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// PoolLogger sets a structured logger for pool operations.
func PoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// PoolClock substitutes the clock used for timeouts and wait accounting.
func PoolClock(c Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	p := &Pool{
		maxConcurrent:  cfg.MaxConcurrent,
		defaultTimeout: cfg.DefaultTimeout,
		clock:          SystemClock(),
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues a task and returns a buffered channel that receives
// exactly one outcome.
func (p *Pool) Submit(ctx context.Context, task Task) <-chan TaskOutcome {
	item := &poolItem{
		ctx:        ctx,
		task:       task,
		enqueuedAt: p.clock.Now(),
		done:       make(chan TaskOutcome, 1),
	}
	p.mu.Lock()
	if p.active < p.maxConcurrent {
		p.active++
		p.mu.Unlock()
		go p.run(item)
	} else {
		p.queue = append(p.queue, item)
		p.mu.Unlock()
	}
	return item.done
}

// run executes one item in a worker slot, then dispatches the queue head.
func (p *Pool) run(item *poolItem) {
	wait := p.clock.Now().Sub(item.enqueuedAt)
	p.mu.Lock()
	p.dispatched++
	p.totalWait += wait
	p.mu.Unlock()

	var outcome TaskOutcome
	if item.ctx.Err() != nil {
		outcome = TaskOutcome{ID: item.task.ID, Err: item.ctx.Err(), Skipped: true}
	} else {
		outcome = p.execute(item)
	}

	p.mu.Lock()
	switch {
	case outcome.Skipped:
	case outcome.TimedOut:
		p.timedOut++
	case outcome.Err != nil:
		p.failed++
	default:
		p.completed++
	}
	// Counters are updated before delivery so a receiver sees them in Stats.
	item.done <- outcome
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		go p.run(next)
		return
	}
	p.active--
	p.mu.Unlock()
}

// execute races the task against its effective timeout. On expiry the
// outcome is an OperationTimedOut error; the task goroutine is not
// stopped, but its result, if it ever arrives, is discarded.
func (p *Pool) execute(item *poolItem) TaskOutcome {
	start := p.clock.Now()
	timeout := p.effectiveTimeout(item.task.Timeout)

	type taskReturn struct {
		value any
		err   error
	}
	resCh := make(chan taskReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- taskReturn{err: fmt.Errorf("task %s panicked: %v", item.task.ID, r)}
			}
		}()
		v, err := item.task.Run(item.ctx)
		resCh <- taskReturn{value: v, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = p.clock.After(timeout)
	}

	select {
	case r := <-resCh:
		return TaskOutcome{ID: item.task.ID, Value: r.value, Err: r.err, Duration: p.clock.Now().Sub(start)}
	case <-timer:
		p.logger.Warn("task timed out", "task", item.task.ID, "timeout", timeout)
		return TaskOutcome{
			ID:       item.task.ID,
			Err:      &OperationTimedOutError{Task: item.task.ID, Timeout: timeout},
			Duration: p.clock.Now().Sub(start),
			TimedOut: true,
		}
	case <-item.ctx.Done():
		return TaskOutcome{ID: item.task.ID, Err: item.ctx.Err(), Duration: p.clock.Now().Sub(start)}
	}
}

// effectiveTimeout is the tighter of the task timeout and pool default.
func (p *Pool) effectiveTimeout(taskTimeout time.Duration) time.Duration {
	switch {
	case taskTimeout <= 0:
		return p.defaultTimeout
	case p.defaultTimeout <= 0:
		return taskTimeout
	case taskTimeout < p.defaultTimeout:
		return taskTimeout
	default:
		return p.defaultTimeout
	}
}

// ExecuteOne submits a task and blocks for its outcome.
func (p *Pool) ExecuteOne(ctx context.Context, task Task) TaskOutcome {
	return <-p.Submit(ctx, task)
}

// ExecuteMany waits for all tasks and fails on the first error. Peer
// tasks are cancelled cooperatively once an error arrives.
func (p *Pool) ExecuteMany(ctx context.Context, tasks []Task) ([]TaskOutcome, error) {
	res, err := p.ExecuteWithStrategy(ctx, tasks, WaitAll)
	outcomes := make([]TaskOutcome, 0, len(tasks))
	for _, t := range tasks {
		if o, ok := res.Outcomes[t.ID]; ok {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, err
}

// StrategyResult is the settled view of ExecuteWithStrategy.
type StrategyResult struct {
	// Outcomes holds every outcome that settled before the strategy
	// decided, keyed by task ID.
	Outcomes map[string]TaskOutcome
	// Pending lists task IDs that had not settled at decision time
	// (still running or never dispatched).
	Pending []string
	// Winner is the deciding outcome for any and race.
	Winner *TaskOutcome
	// Err is the strategy-level error, nil on success.
	Err error
}

// ExecuteWithStrategy runs the batch under a wait strategy:
//
//   - all: succeed only if every task succeeds; fail on first error.
//   - any: succeed as soon as any task succeeds; fail only if all fail.
//   - allSettled: wait for all; report successes and errors together.
//   - race: settle on the first completion, success or error.
//
// An empty batch is a vacuous success under every strategy.
func (p *Pool) ExecuteWithStrategy(ctx context.Context, tasks []Task, strategy WaitStrategy) (*StrategyResult, error) {
	res := &StrategyResult{Outcomes: make(map[string]TaskOutcome, len(tasks))}
	if len(tasks) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan TaskOutcome, len(tasks))
	for _, t := range tasks {
		ch := p.Submit(ctx, t)
		go func() { settled <- <-ch }()
	}

	pending := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = true
	}
	finishPending := func() {
		for _, t := range tasks {
			if pending[t.ID] {
				res.Pending = append(res.Pending, t.ID)
			}
		}
	}

	var firstErr error
	for range tasks {
		o := <-settled
		res.Outcomes[o.ID] = o
		delete(pending, o.ID)

		switch strategy {
		case WaitAll:
			if o.Err != nil && !o.Skipped && firstErr == nil {
				firstErr = o.Err
				cancel()
			}
		case WaitAny:
			if o.Err == nil && !o.Skipped {
				winner := o
				res.Winner = &winner
				cancel()
				finishPending()
				return res, nil
			}
		case WaitRace:
			winner := o
			res.Winner = &winner
			cancel()
			finishPending()
			if o.Err != nil {
				res.Err = o.Err
				return res, o.Err
			}
			return res, nil
		}
	}

	switch strategy {
	case WaitAll:
		res.Err = firstErr
		return res, firstErr
	case WaitAny:
		causes := make(map[string]error, len(res.Outcomes))
		for id, o := range res.Outcomes {
			causes[id] = o.Err
		}
		err := &AggregateError{Op: "any", Causes: causes}
		res.Err = err
		return res, err
	default: // allSettled
		return res, nil
	}
}

// Stats returns a snapshot of pool counters with derived rates.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		Completed:  p.completed,
		Failed:     p.failed,
		TimedOut:   p.timedOut,
		TotalWait:  p.totalWait,
		Dispatched: p.dispatched,
		Active:     p.active,
		Queued:     len(p.queue),
	}
	s.UtilizationRate = float64(p.active) / float64(p.maxConcurrent)
	if p.dispatched > 0 {
		s.AverageWait = p.totalWait / time.Duration(p.dispatched)
	}
	return s
}
