// Package report collects per-package outcomes of a run and writes the run
// report.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"monorun/internal/core"
)

// CacheSource says where a task's outputs came from.
type CacheSource string

const (
	SourceNone   CacheSource = "none"
	SourceLocal  CacheSource = "local"
	SourceRemote CacheSource = "remote"
)

// TaskOutcome is the record of one successfully completed package. It is
// never modified after it is added to a Collector.
type TaskOutcome struct {
	Package     string
	Task        string
	Fingerprint core.Fingerprint
	CacheSource CacheSource
	Cached      bool
	Duration    time.Duration
}

// RunReport is produced only for runs that complete without failure.
type RunReport struct {
	RunID    string
	Task     string
	Scope    *string
	Outcomes []TaskOutcome
}

// Collector accumulates outcomes in completion order. Safe for concurrent
// use.
type Collector struct {
	mu       sync.Mutex
	outcomes []TaskOutcome
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Add(o TaskOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

// Outcomes returns a copy of the collected outcomes.
func (c *Collector) Outcomes() []TaskOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TaskOutcome(nil), c.outcomes...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

// Build assembles the final report.
func (c *Collector) Build(runID, task, scope string) *RunReport {
	r := &RunReport{RunID: runID, Task: task, Outcomes: c.Outcomes()}
	if scope != "" {
		r.Scope = &scope
	}
	return r
}

// Summary counts outcomes per cache source.
func (r *RunReport) Summary() map[CacheSource]int {
	out := map[CacheSource]int{}
	for _, o := range r.Outcomes {
		out[o.CacheSource]++
	}
	return out
}

type wireOutcome struct {
	Package     string      `json:"package"`
	Task        string      `json:"task"`
	Hash        string      `json:"hash"`
	CacheSource CacheSource `json:"cache_source"`
	Cached      bool        `json:"cached"`
	DurationMs  int64       `json:"duration_ms"`
}

type wireReport struct {
	RunID    string        `json:"run_id,omitempty"`
	Task     string        `json:"task"`
	Scope    *string       `json:"scope"`
	Outcomes []wireOutcome `json:"results"`
}

// Marshal renders r as indented JSON.
func Marshal(r *RunReport) ([]byte, error) {
	w := wireReport{RunID: r.RunID, Task: r.Task, Scope: r.Scope, Outcomes: make([]wireOutcome, 0, len(r.Outcomes))}
	for _, o := range r.Outcomes {
		w.Outcomes = append(w.Outcomes, wireOutcome{
			Package:     o.Package,
			Task:        o.Task,
			Hash:        o.Fingerprint.String(),
			CacheSource: o.CacheSource,
			Cached:      o.Cached,
			DurationMs:  o.Duration.Milliseconds(),
		})
	}
	return sonic.MarshalIndent(w, "", "  ")
}

// Write stores r at path, creating parent directories. A path of "-" writes
// to stdout instead.
func Write(path string, r *RunReport, stdout io.Writer) error {
	data, err := Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
