package warden

import (
	"context"
	"errors"
	"sync"
	"time"
)

// --- Clock fakes ---

// fakeClock fires every After immediately and records the requested
// durations, making backoff behavior observable without sleeping.
// Only suitable for code paths where timers always fire (retry backoff);
// timeout races would trip instantly.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	at := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- at
	return ch
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// --- Event capture ---

type capturingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *capturingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *capturingSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- Tool fixtures (shared across registry, retry, and workflow tests) ---

// testMD builds idempotent metadata with no schemas.
func testMD(name, version string) ToolMetadata {
	return ToolMetadata{
		Name:     name,
		Version:  version,
		Category: "test",
		Security: SecurityDescriptor{Idempotent: true, RiskLevel: RiskLow},
	}
}

// staticTool always returns out.
func staticTool(name, version string, out any) ToolHandler {
	return NewTool(testMD(name, version), func(context.Context, any, *WorkflowContext) (any, error) {
		return out, nil
	})
}

// failingTool always returns err.
func failingTool(name, version string, err error) ToolHandler {
	return NewTool(testMD(name, version), func(context.Context, any, *WorkflowContext) (any, error) {
		return nil, err
	})
}

// countingTool runs fn and counts invocations.
type countingTool struct {
	md    ToolMetadata
	mu    sync.Mutex
	calls int
	fn    ToolFunc
}

func newCountingTool(name, version string, fn ToolFunc) *countingTool {
	return &countingTool{md: testMD(name, version), fn: fn}
}

func (t *countingTool) Metadata() ToolMetadata { return t.md }

func (t *countingTool) Execute(ctx context.Context, input any, wc *WorkflowContext) (any, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.fn(ctx, input, wc)
}

func (t *countingTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var errBoom = errors.New("boom")

// testContext builds a WorkflowContext pre-seeded with results.
func testContext(results map[string]any) *WorkflowContext {
	wc := newWorkflowContext("run-test", "user", "req", time.Now(), time.Time{})
	for k, v := range results {
		wc.setResult(k, v)
	}
	return wc
}

// asErr is a tiny errors.As wrapper to keep test call sites short.
func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}
