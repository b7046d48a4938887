package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder tracks one run through the Store: Start writes a running record,
// then Finish or Fail closes it.
type Recorder struct {
	Store *Store
	Now   func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

func NewRunID() string { return uuid.NewString() }

func (r *Recorder) Start(runID, task, scope string, dryRun bool) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	run := Run{
		RunID:     runID,
		Task:      task,
		StartTime: r.Now(),
		Status:    RunStatusRunning,
		DryRun:    dryRun,
	}
	if scope != "" {
		run.Scope = &scope
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Finish marks run as succeeded with a per-cache-source summary.
func (r *Recorder) Finish(run Run, summary map[string]int) error {
	end := r.Now()
	run.EndTime = &end
	run.Status = RunStatusSucceeded
	run.Summary = summary
	return r.Store.SaveRun(run)
}

// Fail records the classified cause, then marks run as failed.
func (r *Recorder) Fail(run Run, cause error) error {
	if cause == nil {
		return errors.New("nil error")
	}
	if err := r.Store.SaveFailure(run.RunID, Classify(cause)); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	end := r.Now()
	run.EndTime = &end
	run.Status = RunStatusFailed
	return r.Store.SaveRun(run)
}
