package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
)

// Recorder collects the events of one run from any number of goroutines.
// Arrival order is irrelevant; Trace sorts into canonical order.
type Recorder struct {
	task string

	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder(task string) *Recorder { return &Recorder{task: task} }

func (r *Recorder) Record(event TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Len reports how many events have been recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Trace returns a canonical copy of what has been recorded.
func (r *Recorder) Trace() ExecutionTrace {
	r.mu.Lock()
	tr := ExecutionTrace{Task: r.task, Events: append([]TraceEvent(nil), r.events...)}
	r.mu.Unlock()
	tr.Canonicalize()
	return tr
}

// WriteFile stores the canonical trace at path, creating parent directories,
// and returns its hash. The file is replaced atomically.
func (r *Recorder) WriteFile(path string) (string, error) {
	data, err := r.Trace().CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trace-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return ComputeTraceHash(data), nil
}

// ComputeTraceHash returns the sha256 hex of a canonical trace encoding, or
// "" for empty input.
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
