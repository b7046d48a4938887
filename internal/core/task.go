package core

import "strings"

// Package is a workspace member. Dir is absolute; Dependencies holds every
// declared dependency name, including ones that are not workspace packages.
type Package struct {
	Name         string
	Dir          string
	Dependencies []string
}

// TaskSpec is the declared configuration of one task.
//
// DependsOn entries are either "<task>" (same package) or "^<task>" (the
// package's direct dependencies). Inputs and Outputs are paths or globs
// relative to the package directory.
type TaskSpec struct {
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Run       string            `json:"run" yaml:"run"`
	Inputs    []string          `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// OverrideSep joins a package name and a task name in a per-package
// override key, e.g. "web#build".
const OverrideSep = "#"

// TaskTable maps task names, and "<pkg>#<task>" overrides, to specs.
type TaskTable map[string]TaskSpec

// Lookup returns the TaskSpec for task in pkg. A per-package override replaces
// the shared definition entirely.
func (t TaskTable) Lookup(pkg, task string) (TaskSpec, bool) {
	if spec, ok := t[pkg+OverrideSep+task]; ok {
		return spec, true
	}
	spec, ok := t[task]
	return spec, ok
}

// Defined reports whether task has a shared definition or at least one
// override.
func (t TaskTable) Defined(task string) bool {
	if _, ok := t[task]; ok {
		return true
	}
	suffix := OverrideSep + task
	for k := range t {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}
