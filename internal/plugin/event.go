// Package plugin delivers task lifecycle events to plugins.
//
// Emit never blocks the scheduler: events go into a bounded queue drained by
// one background goroutine, and a full queue drops the event. Plugin errors
// and panics are logged and otherwise ignored.
package plugin

import (
	"time"

	"monorun/internal/report"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	BeforeTask Kind = "before_task"
	CacheHit   Kind = "cache_hit"
	CacheMiss  Kind = "cache_miss"
	AfterTask  Kind = "after_task"
)

// Event is one lifecycle notification for a (package, task) unit.
type Event struct {
	Kind        Kind               `json:"kind"`
	Package     string             `json:"package"`
	Task        string             `json:"task"`
	Fingerprint string             `json:"hash,omitempty"`
	Source      report.CacheSource `json:"source,omitempty"`
	Success     bool               `json:"success"`
	Time        time.Time          `json:"time"`
}

// Emitter is what the engine depends on.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}
