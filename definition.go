package warden

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from strings like "250ms"
// in JSON and TOML definition files.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefinitionSpec is the serializable form of a workflow definition,
// loadable from JSON or TOML. The spec form carries literal inputs and
// string-expression conditions; closure inputs and conditions are only
// available through the in-code builder API.
type DefinitionSpec struct {
	Name        string     `json:"name" toml:"name"`
	Description string     `json:"description,omitempty" toml:"description"`
	MaxDuration Duration   `json:"max_duration,omitempty" toml:"max_duration"`
	Pool        *PoolSpec  `json:"pool,omitempty" toml:"pool"`
	Steps       []StepSpec `json:"steps" toml:"steps"`
}

// PoolSpec configures the worker pool for runs of the definition.
type PoolSpec struct {
	MaxConcurrent  int      `json:"max_concurrent,omitempty" toml:"max_concurrent"`
	DefaultTimeout Duration `json:"default_timeout,omitempty" toml:"default_timeout"`
}

// StepSpec is one serialized step. Exactly one of Tool, Branch, and
// Group must be set.
type StepSpec struct {
	ID string `json:"id" toml:"id"`

	Tool    string `json:"tool,omitempty" toml:"tool"`
	Version string `json:"version,omitempty" toml:"version"`
	Input   any    `json:"input,omitempty" toml:"input"`

	Branch *BranchDefSpec `json:"branch,omitempty" toml:"branch"`
	Group  *GroupDefSpec  `json:"group,omitempty" toml:"group"`

	DependsOn []string `json:"depends_on,omitempty" toml:"depends_on"`
	When      string   `json:"when,omitempty" toml:"when"`
	OnError   string   `json:"on_error,omitempty" toml:"on_error"`
	Parallel  bool     `json:"parallel,omitempty" toml:"parallel"`
}

// BranchDefSpec serializes a branch: the if/else form (If set) or the
// switch/case form (Switch set).
type BranchDefSpec struct {
	If   string   `json:"if,omitempty" toml:"if"`
	Then []string `json:"then,omitempty" toml:"then"`
	Else []string `json:"else,omitempty" toml:"else"`

	Switch  string     `json:"switch,omitempty" toml:"switch"`
	Cases   []CaseSpec `json:"cases,omitempty" toml:"cases"`
	Default []string   `json:"default,omitempty" toml:"default"`
}

// CaseSpec is one switch case.
type CaseSpec struct {
	Value any      `json:"value" toml:"value"`
	Steps []string `json:"steps" toml:"steps"`
}

// GroupDefSpec serializes a parallel group.
type GroupDefSpec struct {
	Steps           []string `json:"steps" toml:"steps"`
	Strategy        string   `json:"strategy,omitempty" toml:"strategy"`
	MaxConcurrent   int      `json:"max_concurrent,omitempty" toml:"max_concurrent"`
	Timeout         Duration `json:"timeout,omitempty" toml:"timeout"`
	ContinueOnError bool     `json:"continue_on_error,omitempty" toml:"continue_on_error"`
}

// FromSpec converts a serialized definition into an executable,
// validated Definition.
func FromSpec(spec DefinitionSpec) (*Definition, error) {
	var opts []DefinitionOption
	if spec.MaxDuration > 0 {
		opts = append(opts, MaxDuration(time.Duration(spec.MaxDuration)))
	}
	if spec.Pool != nil {
		opts = append(opts, WithPool(PoolConfig{
			MaxConcurrent:  spec.Pool.MaxConcurrent,
			DefaultTimeout: time.Duration(spec.Pool.DefaultTimeout),
		}))
	}

	for i := range spec.Steps {
		opt, err := stepSpecToOption(spec.Steps[i])
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", spec.Name, err)
		}
		opts = append(opts, opt)
	}

	return NewDefinition(spec.Name, spec.Description, opts...)
}

// stepSpecToOption converts one serialized step into a builder option.
func stepSpecToOption(s StepSpec) (DefinitionOption, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("step with empty ID")
	}

	kinds := 0
	if s.Tool != "" {
		kinds++
	}
	if s.Branch != nil {
		kinds++
	}
	if s.Group != nil {
		kinds++
	}
	if kinds != 1 {
		return nil, fmt.Errorf("step %q: exactly one of tool, branch, or group is required", s.ID)
	}

	stepOpts, err := commonStepOptions(s)
	if err != nil {
		return nil, err
	}

	switch {
	case s.Tool != "":
		if s.Version != "" {
			stepOpts = append(stepOpts, ToolVersion(s.Version))
		}
		return ToolStep(s.ID, s.Tool, Literal(s.Input), stepOpts...), nil

	case s.Branch != nil:
		branch, err := branchFromSpec(s.ID, s.Branch)
		if err != nil {
			return nil, err
		}
		return BranchStep(s.ID, branch, stepOpts...), nil

	default:
		group, err := groupFromSpec(s.ID, s.Group)
		if err != nil {
			return nil, err
		}
		return ParallelStep(s.ID, group, stepOpts...), nil
	}
}

func commonStepOptions(s StepSpec) ([]StepOption, error) {
	var opts []StepOption
	if len(s.DependsOn) > 0 {
		opts = append(opts, DependsOn(s.DependsOn...))
	}
	if s.When != "" {
		opts = append(opts, WhenExpr(s.When))
	}
	if s.OnError != "" {
		switch ErrorPolicy(s.OnError) {
		case PolicyFail, PolicyContinue, PolicyRetry:
			opts = append(opts, OnError(ErrorPolicy(s.OnError)))
		default:
			return nil, fmt.Errorf("step %q: unknown error policy %q", s.ID, s.OnError)
		}
	}
	if s.Parallel {
		opts = append(opts, Parallel())
	}
	return opts, nil
}

func branchFromSpec(id string, b *BranchDefSpec) (BranchSpec, error) {
	switch {
	case b.If != "" && b.Switch != "":
		return BranchSpec{}, fmt.Errorf("step %q: branch declares both if and switch", id)
	case b.If != "":
		return If(b.If, b.Then, b.Else), nil
	case b.Switch != "":
		cases := make([]SwitchCase, len(b.Cases))
		for i, c := range b.Cases {
			cases[i] = SwitchCase{Value: c.Value, Steps: c.Steps}
		}
		return Switch(b.Switch, cases, b.Default), nil
	default:
		return BranchSpec{}, fmt.Errorf("step %q: branch declares neither if nor switch", id)
	}
}

func groupFromSpec(id string, g *GroupDefSpec) (GroupSpec, error) {
	strategy := WaitStrategy(g.Strategy)
	switch strategy {
	case "":
		strategy = WaitAll
	case WaitAll, WaitAny, WaitAllSettled, WaitRace:
	default:
		return GroupSpec{}, fmt.Errorf("step %q: unknown wait strategy %q", id, g.Strategy)
	}
	return GroupSpec{
		Steps:           g.Steps,
		Strategy:        strategy,
		MaxConcurrent:   g.MaxConcurrent,
		Timeout:         time.Duration(g.Timeout),
		ContinueOnError: g.ContinueOnError,
	}, nil
}
