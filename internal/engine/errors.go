package engine

import (
	"errors"
	"fmt"

	"monorun/internal/dag"
	"monorun/internal/pipeline"
)

var (
	ErrScopeNotFound      = dag.ErrScopeNotFound
	ErrCircularDependency = dag.ErrCycleFound
	ErrInvalidTaskConfig  = pipeline.ErrInvalidTaskConfig
	ErrConcurrencyPermit  = errors.New("concurrency permit unavailable")
	ErrTaskExecution      = errors.New("task execution failed")
)

// TaskExecutionError carries the package and task of a failed unit.
// errors.Is matches both ErrTaskExecution and the underlying cause.
type TaskExecutionError struct {
	Package string
	Task    string
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("%s#%s: %v", e.Package, e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() []error { return []error{ErrTaskExecution, e.Err} }

func taskFailure(pkg, task string, err error) error {
	var te *TaskExecutionError
	if errors.As(err, &te) && te.Package == pkg && te.Task == task {
		return err
	}
	return &TaskExecutionError{Package: pkg, Task: task, Err: err}
}

// cause strips the package context added by TaskExecutionError.
func cause(err error) error {
	var te *TaskExecutionError
	if errors.As(err, &te) {
		return te.Err
	}
	return err
}
