package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorun/internal/config"
	"monorun/internal/core"
	"monorun/internal/dag"
	"monorun/internal/engine"
	"monorun/internal/pipeline"
)

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "runs")
	store, err := NewStore(dir)
	require.NoError(t, err)
	clock := time.Unix(1700000000, 0).UTC()
	r := NewRecorder(store)
	r.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r, dir
}

func TestRecorder_SuccessfulRun(t *testing.T) {
	r, dir := newRecorder(t)

	run, err := r.Start("run-1", "build", "", false)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "run.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope": null`)
	assert.Contains(t, string(data), `"status": "running"`)

	require.NoError(t, r.Finish(run, map[string]int{"local": 2, "none": 1}))
	loaded, err := r.Store.LoadRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, loaded.Status)
	require.NotNil(t, loaded.EndTime)
	assert.True(t, loaded.EndTime.After(loaded.StartTime))
	assert.Equal(t, 2, loaded.Summary["local"])

	_, err = r.Store.LoadFailure("run-1")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecorder_FailedRun(t *testing.T) {
	r, _ := newRecorder(t)

	run, err := r.Start("run-2", "test", "web", false)
	require.NoError(t, err)
	cause := &engine.TaskExecutionError{Package: "web", Task: "test", Err: &core.ExitError{Code: 1}}
	require.NoError(t, r.Fail(run, cause))

	loaded, err := r.Store.LoadRun("run-2")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, loaded.Status)
	require.NotNil(t, loaded.Scope)
	assert.Equal(t, "web", *loaded.Scope)

	f, err := r.Store.LoadFailure("run-2")
	require.NoError(t, err)
	assert.Equal(t, FailureClassExecution, f.FailureClass)
	require.NotNil(t, f.Package)
	assert.Equal(t, "web", *f.Package)
	assert.Equal(t, "test", *f.Task)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	r, dir := newRecorder(t)
	for i := 0; i < 3; i++ {
		_, err := r.Start(fmt.Sprintf("run-%d", i), "build", "", true)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "junk"), 0o755))

	ids, err := r.Store.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"junk", "run-0", "run-1", "run-2"}, ids)

	runs, err := r.Store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.True(t, runs[0].DryRun)
}

func TestStore_MissingDirIsEmpty(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "nothing"))
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = NewStore(" ")
	assert.Error(t, err)
}

func TestStore_RejectsUnknownFields(t *testing.T) {
	r, dir := newRecorder(t)
	_, err := r.Start("run-x", "build", "", false)
	require.NoError(t, err)

	path := filepath.Join(dir, "run-x", "run.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"task"`, `"surprise": 1, "task"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = r.Store.LoadRun("run-x")
	assert.Error(t, err)
}

func TestStore_InvalidRecordsAreNotWritten(t *testing.T) {
	r, _ := newRecorder(t)
	assert.Error(t, r.Store.SaveRun(Run{RunID: "a"}))
	assert.Error(t, r.Store.SaveFailure("a", Failure{FailureClass: "weird"}))
	assert.Error(t, r.Store.SaveRun(Run{RunID: "a", Task: "t", StartTime: time.Now(), Status: RunStatusSucceeded}), "terminal run needs end_time")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class FailureClass
		code  string
	}{
		{"cycle", (func() error { g := dag.New(); a := g.AddNode("a"); _ = g.AddEdge(a, a); return g.CycleError() })(), FailureClassGraph, "CircularDependency"},
		{"scope", fmt.Errorf("run: %w", engine.ErrScopeNotFound), FailureClassConfig, "ScopeNotFound"},
		{"task config", fmt.Errorf("%w: empty", pipeline.ErrInvalidTaskConfig), FailureClassConfig, "InvalidTaskConfig"},
		{"config file", fmt.Errorf("%w: no tasks", config.ErrInvalidConfig), FailureClassConfig, "InvalidConfig"},
		{"permit", fmt.Errorf("%w: canceled", engine.ErrConcurrencyPermit), FailureClassSystem, "ConcurrencyPermit"},
		{"other", errors.New("disk on fire"), FailureClassSystem, "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Classify(tc.err)
			assert.Equal(t, tc.class, f.FailureClass)
			assert.Equal(t, tc.code, f.ErrorCode)
			assert.Nil(t, f.Package)
			assert.NoError(t, f.Validate())
		})
	}
}
