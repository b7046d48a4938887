package state

import (
	"errors"

	"monorun/internal/config"
	"monorun/internal/engine"
	"monorun/internal/workspace"
)

// Classify maps a run error onto a Failure record.
func Classify(err error) Failure {
	msg := err.Error()

	var te *engine.TaskExecutionError
	if errors.As(err, &te) {
		pkg, task := te.Package, te.Task
		return Failure{
			FailureClass: FailureClassExecution,
			Package:      &pkg,
			Task:         &task,
			ErrorCode:    "TaskExecution",
			ErrorMessage: msg,
		}
	}

	switch {
	case errors.Is(err, engine.ErrCircularDependency):
		return Failure{FailureClass: FailureClassGraph, ErrorCode: "CircularDependency", ErrorMessage: msg}
	case errors.Is(err, engine.ErrScopeNotFound):
		return Failure{FailureClass: FailureClassConfig, ErrorCode: "ScopeNotFound", ErrorMessage: msg}
	case errors.Is(err, engine.ErrInvalidTaskConfig):
		return Failure{FailureClass: FailureClassConfig, ErrorCode: "InvalidTaskConfig", ErrorMessage: msg}
	case errors.Is(err, config.ErrInvalidConfig):
		return Failure{FailureClass: FailureClassConfig, ErrorCode: "InvalidConfig", ErrorMessage: msg}
	case errors.Is(err, workspace.ErrInvalidManifest):
		return Failure{FailureClass: FailureClassConfig, ErrorCode: "InvalidManifest", ErrorMessage: msg}
	case errors.Is(err, engine.ErrConcurrencyPermit):
		return Failure{FailureClass: FailureClassSystem, ErrorCode: "ConcurrencyPermit", ErrorMessage: msg}
	}
	return Failure{FailureClass: FailureClassSystem, ErrorCode: "Unknown", ErrorMessage: msg}
}
