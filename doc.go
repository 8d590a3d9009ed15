// Package warden is a workflow execution engine for Go: it takes a
// declarative workflow definition (steps with dependencies, branches,
// and parallel groups) and executes it against a pluggable, versioned
// tool registry, honoring declared failure, concurrency, and timeout
// contracts.
//
// # Quick Start
//
// Register tools, build a definition, and run it through a Manager:
//
//	reg := warden.NewRegistry()
//	reg.Register(warden.NewTool(warden.ToolMetadata{
//		Name: "math.add", Version: "1.0.0",
//		Security: warden.SecurityDescriptor{Idempotent: true},
//	}, addFunc))
//
//	def, err := warden.NewDefinition("pipeline", "two-step chain",
//		warden.ToolStep("s1", "math.add", warden.Literal(map[string]any{"a": 1.0, "b": 2.0})),
//		warden.ToolStep("s2", "math.mul",
//			warden.Computed(func(wc *warden.WorkflowContext) any {
//				v, _ := wc.Result("s1")
//				return map[string]any{"a": v, "b": 4.0}
//			}),
//			warden.DependsOn("s1")),
//	)
//
//	mgr := warden.NewManager(reg)
//	res, err := mgr.Execute(ctx, def, warden.RunInput{UserID: "u1"})
//
// # Core Pieces
//
//   - [Registry] — versioned tool store with semver dependency resolution
//     and input/output schema validation
//   - [RetryEngine] — idempotency-aware retry with exponential backoff
//     and ordered fallback chains
//   - [Evaluator] — a safe, restricted expression language for runtime
//     conditions over step results ($results.step.field == "value")
//   - [BranchResolver] — if/else and switch/case routing over the context
//   - [Pool] — bounded worker pool with per-task timeouts and all / any /
//     allSettled / race wait strategies
//   - [ParallelManager] — parallel group execution with batching and
//     group deadlines
//   - [Manager] — definition validation, DAG-driven execution, per-step
//     error policies, and the run-level deadline
//
// # Included Implementations
//
// Observability: observer (OTEL traces, metrics, and logs).
// Run history: store/sqlite (pure-Go SQLite), store/postgres (pgx).
// Example tools: tools/httpfetch, tools/shellexec.
//
// See cmd/warden for a minimal runner that loads a TOML definition.
package warden
