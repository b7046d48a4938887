package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorun/internal/core"
)

type spyRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (s *spyRunner) RunPrerequisite(_ context.Context, pkg core.Package, task string, _ core.TaskSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pkg.Name + "#" + task
	s.calls = append(s.calls, key)
	return s.fail[key]
}

func TestParse(t *testing.T) {
	got, err := Parse([]string{"^build", "codegen"})
	require.NoError(t, err)
	assert.Equal(t, []Prerequisite{{Task: "build", Upstream: true}, {Task: "codegen"}}, got)
	assert.Equal(t, "^build", got[0].String())
}

func TestParse_RejectsEmpty(t *testing.T) {
	for _, decls := range [][]string{{""}, {"^"}, {"build", " "}} {
		_, err := Parse(decls)
		assert.ErrorIs(t, err, ErrInvalidTaskConfig, "decls=%q", decls)
	}
}

func fixture() (map[string]core.Package, core.TaskTable) {
	pkgs := map[string]core.Package{
		"A": {Name: "A"},
		"B": {Name: "B", Dependencies: []string{"A", "external"}},
		"C": {Name: "C", Dependencies: []string{"B"}},
	}
	tasks := core.TaskTable{
		"build":   {DependsOn: []string{"^build"}, Run: "build"},
		"codegen": {Run: "gen"},
		"test":    {DependsOn: []string{"codegen", "^build"}, Run: "test"},
	}
	return pkgs, tasks
}

func TestResolve_UpstreamRunsInDirectDependenciesOnly(t *testing.T) {
	pkgs, tasks := fixture()
	spy := &spyRunner{}
	r := &Resolver{Packages: pkgs, Tasks: tasks, Runner: spy}

	require.NoError(t, r.Resolve(context.Background(), pkgs["C"], tasks["build"]))
	// One hop: B#build runs, A#build (B's own prerequisite) does not.
	assert.Equal(t, []string{"B#build"}, spy.calls)
}

func TestResolve_DeclaredOrder(t *testing.T) {
	pkgs, tasks := fixture()
	spy := &spyRunner{}
	r := &Resolver{Packages: pkgs, Tasks: tasks, Runner: spy}

	require.NoError(t, r.Resolve(context.Background(), pkgs["B"], tasks["test"]))
	assert.Equal(t, []string{"B#codegen", "A#build"}, spy.calls)
}

func TestResolve_StopsOnFailure(t *testing.T) {
	pkgs, tasks := fixture()
	boom := errors.New("boom")
	spy := &spyRunner{fail: map[string]error{"B#codegen": boom}}
	r := &Resolver{Packages: pkgs, Tasks: tasks, Runner: spy}

	err := r.Resolve(context.Background(), pkgs["B"], tasks["test"])
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"B#codegen"}, spy.calls)
}

func TestResolve_NoDependenciesNoCalls(t *testing.T) {
	pkgs, tasks := fixture()
	spy := &spyRunner{}
	r := &Resolver{Packages: pkgs, Tasks: tasks, Runner: spy}

	require.NoError(t, r.Resolve(context.Background(), pkgs["A"], tasks["build"]))
	assert.Empty(t, spy.calls)
}

func TestValidate(t *testing.T) {
	pkgs, tasks := fixture()
	tasks["bad"] = core.TaskSpec{DependsOn: []string{""}}
	tasks["self"] = core.TaskSpec{DependsOn: []string{"self"}}
	tasks["missing"] = core.TaskSpec{DependsOn: []string{"nope"}}
	tasks["C#only"] = core.TaskSpec{DependsOn: []string{"^only"}}
	r := &Resolver{Packages: pkgs, Tasks: tasks}

	assert.NoError(t, r.Validate(pkgs["C"], "test"))
	for _, task := range []string{"bad", "self", "missing", "undefined", "only"} {
		assert.ErrorIs(t, r.Validate(pkgs["C"], task), ErrInvalidTaskConfig, "task=%s", task)
	}
	// A has no such override.
	assert.ErrorIs(t, r.Validate(pkgs["A"], "only"), ErrInvalidTaskConfig)
}
