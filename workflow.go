package warden

import (
	"fmt"
)

// maxGraphDepth is the deepest dependency chain a definition may declare.
const maxGraphDepth = 20

// NewDefinition builds and validates a workflow definition. The
// definition is immutable after construction. Validation enforces:
//
//   - step IDs unique within the definition
//   - every referenced step ID (dependencies, branch targets, parallel
//     members) resolves to a declared step
//   - the dependency graph is acyclic (three-color DFS)
//   - the maximum dependency depth does not exceed 20 (memoized DFS)
//   - branch targets and group members have exactly one owner
//   - parallel group members are tool steps and do not depend on other
//     members of the same group
//
// Problems are collected and returned together as an
// InvalidDefinitionError. The checks run in stages: ownership, group and
// cycle checks run only when every reference resolves, and the depth
// check only when no earlier check found a problem. The cycle check
// reports the first cycle it finds.
func NewDefinition(name, description string, opts ...DefinitionOption) (*Definition, error) {
	var cfg definitionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Definition{
		name:        name,
		description: description,
		maxDuration: cfg.maxDuration,
		pool:        cfg.pool,
		steps:       make(map[string]*stepConfig, len(cfg.steps)),
		gatedBy:     make(map[string]string),
	}

	var problems []string

	for _, s := range cfg.steps {
		if s.id == "" {
			problems = append(problems, "step with empty ID")
			continue
		}
		if _, dup := d.steps[s.id]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step ID %q", s.id))
			continue
		}
		d.steps[s.id] = s
		d.stepOrder = append(d.stepOrder, s.id)
	}

	problems = append(problems, d.checkReferences()...)
	if len(problems) == 0 {
		problems = append(problems, d.checkOwnership()...)
		problems = append(problems, d.checkGroups()...)
		problems = append(problems, d.checkCycles()...)
	}
	if len(problems) == 0 {
		problems = append(problems, d.checkDepth()...)
	}

	if len(problems) > 0 {
		return nil, &InvalidDefinitionError{Workflow: name, Problems: problems}
	}

	d.liftGroupDependencies()
	return d, nil
}

// checkReferences verifies that every referenced step ID is declared.
func (d *Definition) checkReferences() []string {
	var problems []string
	for _, id := range d.stepOrder {
		s := d.steps[id]
		for _, dep := range s.dependsOn {
			if _, ok := d.steps[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", id, dep))
			}
		}
		switch s.kind {
		case stepBranch:
			for _, target := range s.branch.targets() {
				if _, ok := d.steps[target]; !ok {
					problems = append(problems, fmt.Sprintf("branch %q routes to unknown step %q", id, target))
				}
			}
		case stepParallel:
			for _, member := range s.group.Steps {
				if _, ok := d.steps[member]; !ok {
					problems = append(problems, fmt.Sprintf("parallel group %q contains unknown step %q", id, member))
				}
			}
		}
	}
	return problems
}

// checkOwnership assigns each branch target and group member its gating
// owner and rejects steps claimed by more than one.
func (d *Definition) checkOwnership() []string {
	var problems []string
	claim := func(owner, id string) {
		if prev, gated := d.gatedBy[id]; gated && prev != owner {
			problems = append(problems, fmt.Sprintf("step %q is routed to by both %q and %q", id, prev, owner))
			return
		}
		d.gatedBy[id] = owner
	}
	for _, id := range d.stepOrder {
		s := d.steps[id]
		switch s.kind {
		case stepBranch:
			for _, target := range s.branch.targets() {
				claim(id, target)
			}
		case stepParallel:
			for _, member := range s.group.Steps {
				claim(id, member)
			}
		}
	}
	return problems
}

// checkGroups enforces the shape of parallel groups: members are tool
// steps, and no member depends on a sibling of the same group.
func (d *Definition) checkGroups() []string {
	var problems []string
	for _, id := range d.stepOrder {
		s := d.steps[id]
		if s.kind != stepParallel {
			continue
		}
		inGroup := make(map[string]bool, len(s.group.Steps))
		for _, member := range s.group.Steps {
			inGroup[member] = true
		}
		for _, member := range s.group.Steps {
			ms := d.steps[member]
			if ms.kind != stepTool {
				problems = append(problems, fmt.Sprintf("parallel group %q member %q must be a tool step", id, member))
				continue
			}
			for _, dep := range ms.dependsOn {
				if inGroup[dep] {
					problems = append(problems, fmt.Sprintf("parallel group %q member %q must not depend on sibling %q", id, member, dep))
				}
			}
		}
	}
	return problems
}

// checkCycles detects dependency cycles with a three-color DFS:
// white = unvisited, gray = on the current path, black = done.
func (d *Definition) checkCycles() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(d.steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range d.steps[id].dependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range d.stepOrder {
		if color[id] == white && visit(id) {
			return []string{fmt.Sprintf("cycle detected in dependencies of step %q", id)}
		}
	}
	return nil
}

// checkDepth computes the maximum dependency depth with a memoized DFS
// and rejects definitions deeper than maxGraphDepth.
func (d *Definition) checkDepth() []string {
	memo := make(map[string]int, len(d.steps))

	var depth func(id string) int
	depth = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		max := 0
		for _, dep := range d.steps[id].dependsOn {
			if v := depth(dep); v > max {
				max = v
			}
		}
		memo[id] = max + 1
		return max + 1
	}

	deepest := 0
	for _, id := range d.stepOrder {
		if v := depth(id); v > deepest {
			deepest = v
		}
	}
	if deepest > maxGraphDepth {
		return []string{fmt.Sprintf("dependency depth %d exceeds maximum of %d", deepest, maxGraphDepth)}
	}
	return nil
}

// liftGroupDependencies makes each parallel group step depend on every
// out-of-group dependency of its members, so member dependencies are
// guaranteed resolved before the group dispatches.
func (d *Definition) liftGroupDependencies() {
	for _, id := range d.stepOrder {
		s := d.steps[id]
		if s.kind != stepParallel {
			continue
		}
		inGroup := make(map[string]bool, len(s.group.Steps))
		for _, member := range s.group.Steps {
			inGroup[member] = true
		}
		have := make(map[string]bool, len(s.dependsOn))
		for _, dep := range s.dependsOn {
			have[dep] = true
		}
		for _, member := range s.group.Steps {
			for _, dep := range d.steps[member].dependsOn {
				if !inGroup[dep] && !have[dep] {
					s.dependsOn = append(s.dependsOn, dep)
					have[dep] = true
				}
			}
		}
	}
}
