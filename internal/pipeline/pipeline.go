// Package pipeline parses task prerequisites and runs them ahead of a task.
//
// A prerequisite is either "task" (same package) or "^task" (every direct
// workspace dependency of the package). Resolution is one hop: the
// prerequisite's own depends_on list is never expanded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"monorun/internal/core"
	"monorun/internal/workspace"
)

var ErrInvalidTaskConfig = errors.New("invalid task configuration")

const upstreamMarker = "^"

// Prerequisite is one parsed depends_on entry.
type Prerequisite struct {
	Task     string
	Upstream bool
}

func (p Prerequisite) String() string {
	if p.Upstream {
		return upstreamMarker + p.Task
	}
	return p.Task
}

// Parse splits decls into prerequisites, preserving order. Empty entries and
// a bare "^" are rejected.
func Parse(decls []string) ([]Prerequisite, error) {
	out := make([]Prerequisite, 0, len(decls))
	for i, d := range decls {
		p := Prerequisite{Task: strings.TrimSpace(d)}
		if strings.HasPrefix(p.Task, upstreamMarker) {
			p.Upstream = true
			p.Task = strings.TrimPrefix(p.Task, upstreamMarker)
		}
		if p.Task == "" {
			return nil, fmt.Errorf("%w: depends_on[%d] %q names no task", ErrInvalidTaskConfig, i, d)
		}
		out = append(out, p)
	}
	return out, nil
}

// Runner runs a single prerequisite task for a package.
type Runner interface {
	RunPrerequisite(ctx context.Context, pkg core.Package, task string, spec core.TaskSpec) error
}

// Resolver runs the prerequisites of a task. Packages and Tasks are read
// only.
type Resolver struct {
	Packages map[string]core.Package
	Tasks    core.TaskTable
	Runner   Runner
}

// Validate checks that task is defined for pkg, that its depends_on list
// parses, and that every prerequisite it names is defined where it will run.
func (r *Resolver) Validate(pkg core.Package, task string) error {
	spec, ok := r.Tasks.Lookup(pkg.Name, task)
	if !ok {
		return fmt.Errorf("%w: task %q is not defined for package %q", ErrInvalidTaskConfig, task, pkg.Name)
	}
	prereqs, err := Parse(spec.DependsOn)
	if err != nil {
		return fmt.Errorf("%s#%s: %w", pkg.Name, task, err)
	}
	for _, p := range prereqs {
		if !p.Upstream {
			if p.Task == task {
				return fmt.Errorf("%w: %s#%s depends on itself", ErrInvalidTaskConfig, pkg.Name, task)
			}
			if _, ok := r.Tasks.Lookup(pkg.Name, p.Task); !ok {
				return fmt.Errorf("%w: %s#%s requires undefined task %q", ErrInvalidTaskConfig, pkg.Name, task, p.Task)
			}
			continue
		}
		for _, dep := range workspace.DirectDependencies(pkg, r.Packages) {
			if _, ok := r.Tasks.Lookup(dep.Name, p.Task); !ok {
				return fmt.Errorf("%w: %s#%s requires %q in dependency %q, which does not define it",
					ErrInvalidTaskConfig, pkg.Name, task, p.Task, dep.Name)
			}
		}
	}
	return nil
}

// Resolve runs the prerequisites of spec for pkg in declared order and stops
// at the first failure.
func (r *Resolver) Resolve(ctx context.Context, pkg core.Package, spec core.TaskSpec) error {
	prereqs, err := Parse(spec.DependsOn)
	if err != nil {
		return err
	}
	for _, p := range prereqs {
		targets := []core.Package{pkg}
		if p.Upstream {
			targets = workspace.DirectDependencies(pkg, r.Packages)
		}
		for _, target := range targets {
			depSpec, ok := r.Tasks.Lookup(target.Name, p.Task)
			if !ok {
				return fmt.Errorf("%w: task %q is not defined for package %q", ErrInvalidTaskConfig, p.Task, target.Name)
			}
			if err := r.Runner.RunPrerequisite(ctx, target, p.Task, depSpec); err != nil {
				return fmt.Errorf("prerequisite %s#%s: %w", target.Name, p.Task, err)
			}
		}
	}
	return nil
}
