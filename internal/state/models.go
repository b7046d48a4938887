package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one invocation.
type Run struct {
	RunID     string         `json:"run_id"`
	Task      string         `json:"task"`
	Scope     *string        `json:"scope"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	Status    RunStatus      `json:"status"`
	DryRun    bool           `json:"dry_run"`
	Summary   map[string]int `json:"summary,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Task) == "" {
		errs = append(errs, errors.New("task is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("running run must not have end_time"))
		}
	case RunStatusSucceeded, RunStatusFailed:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("%s run requires end_time", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfig    FailureClass = "config"
	FailureClassGraph     FailureClass = "graph"
	FailureClassExecution FailureClass = "execution"
	FailureClassSystem    FailureClass = "system"
)

// Failure is why a run aborted. Package and Task are set for execution
// failures.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Package      *string      `json:"package,omitempty"`
	Task         *string      `json:"task,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassGraph, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Package != nil && strings.TrimSpace(*f.Package) == "" {
		errs = append(errs, errors.New("package must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
