// Package trace records the logical decisions of a run in a canonical,
// timestamp-free form so that two runs can be compared byte for byte.
package trace

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// ExecutionTrace is the canonical record of one run.
//
// It holds only logical facts (which unit started, hit, missed, completed or
// failed) and never timestamps or error text, so the canonical bytes depend
// only on what happened, not on timing.
type ExecutionTrace struct {
	Task   string
	Events []TraceEvent
}

// TraceEventKind values are part of the canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTaskStarted   TraceEventKind = "TaskStarted"
	EventTaskCacheHit  TraceEventKind = "TaskCacheHit"
	EventTaskCacheMiss TraceEventKind = "TaskCacheMiss"
	EventTaskCompleted TraceEventKind = "TaskCompleted"
	EventTaskFailed    TraceEventKind = "TaskFailed"
)

// TraceEvent is a single logical transition.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID is "<package>#<task>".
	TaskID string

	// Reason is a stable code, e.g. the cache source of a hit.
	Reason string

	Fingerprint string
}

// Validate checks basic invariants.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Task == "" {
		return errors.New("task is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts events by (taskId, kind order, reason, fingerprint).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Fingerprint < b.Fingerprint
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskStarted:
		return 10
	case EventTaskCacheHit:
		return 20
	case EventTaskCacheMiss:
		return 30
	case EventTaskCompleted:
		return 40
	case EventTaskFailed:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON canonicalizes a copy of the trace and encodes it.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{Task: t.Task, Events: make([]TraceEvent, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.MarshalJSON()
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.Task == "" {
		return nil, errors.New("task is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"task":`)
	writeString(&buf, t.Task)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := t.Events[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))
	if e.TaskID != "" {
		buf.WriteString(`,"taskId":`)
		writeString(&buf, e.TaskID)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if e.Fingerprint != "" {
		buf.WriteString(`,"hash":`)
		writeString(&buf, e.Fingerprint)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	// Marshaling a plain string cannot fail.
	b, _ := sonic.Marshal(s)
	buf.Write(b)
}
