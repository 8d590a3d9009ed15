package warden

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ToolHandler is the unit of registration: metadata plus the function
// that does the work. Handlers are the engine's sole injection point for
// I/O; they receive a read-only view of the workflow context.
type ToolHandler interface {
	Metadata() ToolMetadata
	Execute(ctx context.Context, input any, wc *WorkflowContext) (any, error)
}

// ToolFunc adapts a plain function to a ToolHandler together with its
// metadata. See NewTool.
type ToolFunc func(ctx context.Context, input any, wc *WorkflowContext) (any, error)

type funcHandler struct {
	md ToolMetadata
	fn ToolFunc
}

func (h *funcHandler) Metadata() ToolMetadata { return h.md }

func (h *funcHandler) Execute(ctx context.Context, input any, wc *WorkflowContext) (any, error) {
	return h.fn(ctx, input, wc)
}

// NewTool wraps a function and its metadata into a ToolHandler.
func NewTool(md ToolMetadata, fn ToolFunc) ToolHandler {
	return &funcHandler{md: md, fn: fn}
}

// registration is one (name, version) entry.
type registration struct {
	handler ToolHandler
	md      ToolMetadata
	version *semver.Version
	enabled bool
}

// RegistrationResult reports the outcome of a Register call.
type RegistrationResult struct {
	OK       bool
	Warnings []string
	Errors   []string
}

// RegistrySnapshot is an exportable summary of registry contents.
type RegistrySnapshot struct {
	Tools      int // distinct names
	Versions   int // total registrations
	Deprecated int
	Disabled   int
	ByCategory map[string]int
	ByRisk     map[RiskLevel]int
}

// ToolExecutor is the dispatch seam the workflow manager calls tools
// through. *Registry is the canonical implementation; the observer
// package wraps it with instrumentation.
type ToolExecutor interface {
	Execute(ctx context.Context, name, version string, input any, wc *WorkflowContext) (any, error)
}

// Registry is the canonical store of tool handlers keyed by
// (name, version). Multiple versions of a name coexist; within a name no
// two registrations share a version. Reads dominate after construction;
// registration and enable/disable serialize against them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string][]*registration // per name, sorted by version descending
	logger *slog.Logger
	events EventSink
}

// compile-time check
var _ ToolExecutor = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets a structured logger for registry operations.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// RegistryEvents sets the sink for registration and deprecation events.
func RegistryEvents(s EventSink) RegistryOption {
	return func(r *Registry) { r.events = s }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string][]*registration),
		logger: nopLogger,
		events: nopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a handler. The version must be strict
// MAJOR.MINOR.PATCH. Registering an existing (name, version) replaces it
// with a warning. Required dependencies must be registered with at least
// one version inside the declared range; unsatisfied optional
// dependencies only warn.
func (r *Registry) Register(h ToolHandler) RegistrationResult {
	md := h.Metadata()
	var res RegistrationResult

	if md.Name == "" {
		res.Errors = append(res.Errors, "tool name is required")
		return res
	}
	ver, err := semver.StrictNewVersion(md.Version)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("version %q is not strict semver: %v", md.Version, err))
		return res
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range md.Dependencies {
		if err := r.checkDependencyLocked(dep); err != nil {
			if dep.Optional {
				res.Warnings = append(res.Warnings, fmt.Sprintf("optional dependency %s (%s) unsatisfied", dep.Tool, dep.Range))
				continue
			}
			res.Errors = append(res.Errors, err.Error())
		}
	}
	if len(res.Errors) > 0 {
		return res
	}

	if md.Deprecated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("tool %s@%s is registered as deprecated", md.Name, md.Version))
	}

	reg := &registration{handler: h, md: md, version: ver, enabled: !md.Disabled}

	regs := r.tools[md.Name]
	replaced := false
	for i, existing := range regs {
		if existing.version.Equal(ver) {
			regs[i] = reg
			replaced = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("tool %s@%s replaced an existing registration", md.Name, md.Version))
			break
		}
	}
	if !replaced {
		regs = append(regs, reg)
		sort.Slice(regs, func(i, j int) bool { return regs[i].version.GreaterThan(regs[j].version) })
	}
	r.tools[md.Name] = regs

	for _, w := range res.Warnings {
		r.logger.Warn("tool registration warning", "tool", md.Name, "version", md.Version, "warning", w)
		r.events.Emit(Event{Type: EventRegistrationWarning, Tool: md.Name, Message: w})
	}
	r.logger.Info("tool registered", "tool", md.Name, "version", md.Version, "category", md.Category)
	r.events.Emit(Event{Type: EventToolRegistered, Tool: md.Name, Message: md.Version})

	res.OK = true
	return res
}

// checkDependencyLocked verifies that a dependency has a registered
// version inside the declared range.
func (r *Registry) checkDependencyLocked(dep ToolDependency) error {
	regs, ok := r.tools[dep.Tool]
	if !ok || len(regs) == 0 {
		return &DependencyUnsatisfiedError{Dependency: dep.Tool, Range: dep.Range}
	}
	constraint, err := semver.NewConstraint(dep.Range)
	if err != nil {
		return fmt.Errorf("dependency %s: malformed range %q: %v", dep.Tool, dep.Range, err)
	}
	for _, reg := range regs {
		if constraint.Check(reg.version) {
			return nil
		}
	}
	return &DependencyUnsatisfiedError{Dependency: dep.Tool, Range: dep.Range}
}

// Get returns the handler for an exact version, or for version "" the
// highest non-deprecated version. The boolean reports presence.
func (r *Registry) Get(name, version string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg := r.resolveLocked(name, version)
	if reg == nil {
		return nil, false
	}
	return reg.handler, true
}

// Metadata returns the metadata for a registration resolved like Get.
func (r *Registry) Metadata(name, version string) (ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg := r.resolveLocked(name, version)
	if reg == nil {
		return ToolMetadata{}, false
	}
	return reg.md, true
}

func (r *Registry) resolveLocked(name, version string) *registration {
	regs := r.tools[name]
	if version != "" {
		ver, err := semver.StrictNewVersion(version)
		if err != nil {
			return nil
		}
		for _, reg := range regs {
			if reg.version.Equal(ver) {
				return reg
			}
		}
		return nil
	}
	// Latest = highest semver not marked deprecated. The slice is sorted
	// descending, so the first non-deprecated entry wins.
	for _, reg := range regs {
		if !reg.md.Deprecated {
			return reg
		}
	}
	return nil
}

// Execute resolves a handler, validates the input against its schema,
// invokes it, and validates the output. Schema violations and disabled
// tools are fatal to the call; retry is a caller concern.
func (r *Registry) Execute(ctx context.Context, name, version string, input any, wc *WorkflowContext) (any, error) {
	r.mu.RLock()
	reg := r.resolveLocked(name, version)
	r.mu.RUnlock()

	if reg == nil {
		return nil, &ToolNotFoundError{Tool: name, Version: version}
	}
	if !reg.enabled {
		return nil, &ToolDisabledError{Tool: name, Version: reg.md.Version}
	}
	if reg.md.Deprecated {
		r.logger.Warn("deprecated tool used", "tool", name, "version", reg.md.Version, "note", reg.md.DeprecationNote)
		r.events.Emit(Event{Type: EventDeprecatedToolUsed, Tool: name, Message: reg.md.DeprecationNote})
	}

	if err := reg.md.Input.Validate(input); err != nil {
		return nil, &InvalidInputError{Tool: name, Err: err}
	}

	out, err := reg.handler.Execute(ctx, input, wc)
	if err != nil {
		return nil, err
	}

	if err := reg.md.Output.Validate(out); err != nil {
		return nil, &InvalidOutputError{Tool: name, Err: err}
	}
	return out, nil
}

// ListVersions returns the registered versions for a name, sorted
// descending.
func (r *Registry) ListVersions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.tools[name]
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.md.Version
	}
	return out
}

// ByCategory returns metadata for every registration in a category.
func (r *Registry) ByCategory(category string) []ToolMetadata {
	return r.filter(func(md ToolMetadata) bool { return md.Category == category })
}

// ByTag returns metadata for every registration carrying a tag.
func (r *Registry) ByTag(tag string) []ToolMetadata {
	return r.filter(func(md ToolMetadata) bool {
		for _, t := range md.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// Deprecated returns metadata for every deprecated registration.
func (r *Registry) Deprecated() []ToolMetadata {
	return r.filter(func(md ToolMetadata) bool { return md.Deprecated })
}

func (r *Registry) filter(keep func(ToolMetadata) bool) []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolMetadata
	for _, regs := range r.tools {
		for _, reg := range regs {
			if keep(reg.md) {
				out = append(out, reg.md)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return out
}

// SetEnabled enables or disables one version, or every version of a name
// when version is empty.
func (r *Registry) SetEnabled(name, version string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.tools[name]
	if len(regs) == 0 {
		return &ToolNotFoundError{Tool: name, Version: version}
	}
	if version == "" {
		for _, reg := range regs {
			reg.enabled = enabled
		}
		return nil
	}
	ver, err := semver.StrictNewVersion(version)
	if err != nil {
		return fmt.Errorf("version %q is not strict semver: %v", version, err)
	}
	for _, reg := range regs {
		if reg.version.Equal(ver) {
			reg.enabled = enabled
			return nil
		}
	}
	return &ToolNotFoundError{Tool: name, Version: version}
}

// Snapshot exports aggregate counts for monitoring and export.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := RegistrySnapshot{
		Tools:      len(r.tools),
		ByCategory: make(map[string]int),
		ByRisk:     make(map[RiskLevel]int),
	}
	for _, regs := range r.tools {
		for _, reg := range regs {
			snap.Versions++
			if reg.md.Deprecated {
				snap.Deprecated++
			}
			if !reg.enabled {
				snap.Disabled++
			}
			if reg.md.Category != "" {
				snap.ByCategory[reg.md.Category]++
			}
			if reg.md.Security.RiskLevel != "" {
				snap.ByRisk[reg.md.Security.RiskLevel]++
			}
		}
	}
	return snap
}
