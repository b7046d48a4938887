package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Toolkit is the local side of a task unit: fingerprint, local cache tier,
// restore, clean and execute, all scoped to one workspace.
type Toolkit struct {
	Fingerprinter *Fingerprinter
	Cache         Cache
	Executor      *ShellExecutor

	// Out receives task logs, one whole block per task so that output of
	// concurrent tasks never interleaves.
	Out io.Writer

	log *zap.Logger
	mu  sync.Mutex
}

// NewToolkit wires the default collaborators for the workspace at root.
func NewToolkit(root string, cache Cache, out io.Writer, log *zap.Logger) *Toolkit {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Toolkit{
		Fingerprinter: NewFingerprinter(root),
		Cache:         cache,
		Executor:      NewShellExecutor(),
		Out:           out,
		log:           log,
	}
}

func (t *Toolkit) Fingerprint(pkg Package, task string, spec TaskSpec) (Fingerprint, error) {
	return t.Fingerprinter.Fingerprint(pkg, task, spec)
}

// IsCachedLocally treats a cache read error as a miss.
func (t *Toolkit) IsCachedLocally(fp Fingerprint) bool {
	ok, err := t.Cache.Has(fp)
	if err != nil {
		t.log.Warn("local cache lookup failed", zap.String("fingerprint", fp.String()), zap.Error(err))
		return false
	}
	return ok
}

// RestoreOutputs writes the cached artifacts into pkg.Dir and replays the
// cached log.
func (t *Toolkit) RestoreOutputs(pkg Package, fp Fingerprint) error {
	entry, err := t.Cache.Get(fp)
	if err != nil {
		return fmt.Errorf("retrieving cache entry %s: %w", fp.Short(), err)
	}
	if entry == nil {
		return fmt.Errorf("cache entry %s disappeared", fp.Short())
	}
	n, err := NewRestorer(pkg.Dir).Restore(entry)
	if err != nil {
		return fmt.Errorf("restoring %s: %w", pkg.Name, err)
	}
	t.log.Debug("restored outputs",
		zap.String("package", pkg.Name),
		zap.String("fingerprint", fp.String()),
		zap.Int("written", n),
		zap.Int("artifacts", len(entry.Artifacts)))
	t.writeBlock(pkg.Name, entry.Task, entry.Log)
	return nil
}

// CleanOutputs removes the literal declared outputs of spec from pkg.Dir.
// Glob outputs are left alone.
func (t *Toolkit) CleanOutputs(pkg Package, spec TaskSpec) error {
	for _, output := range spec.Outputs {
		if containsGlobChar(output) {
			continue
		}
		full, err := safeJoin(pkg.Dir, output)
		if err != nil {
			return err
		}
		if full == pkg.Dir {
			return fmt.Errorf("refusing to clean package directory of %s", pkg.Name)
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("removing %q: %w", output, err)
		}
	}
	return nil
}

// ExecuteTask runs spec.Run in pkg.Dir. A non-zero exit is an error
// wrapping *ExitError. On success the declared outputs are harvested and
// stored under fp unless cacheDisabled is set. A task with no command only
// records its outputs.
func (t *Toolkit) ExecuteTask(ctx context.Context, pkg Package, task string, spec TaskSpec, fp Fingerprint, strict, cacheDisabled bool) error {
	var output []byte
	if spec.Run != "" {
		res, err := t.Executor.Execute(ctx, pkg.Dir, spec.Run, spec.Env, strict)
		if err != nil {
			return err
		}
		output = res.Output
		t.writeBlock(pkg.Name, task, output)
		if res.ExitCode != 0 {
			return &ExitError{Code: res.ExitCode}
		}
	}

	if cacheDisabled {
		return nil
	}
	artifacts, err := NewHarvester(pkg.Dir).Harvest(spec.Outputs)
	if err != nil {
		return fmt.Errorf("harvesting outputs: %w", err)
	}
	entry := &CacheEntry{
		Fingerprint: fp,
		Package:     pkg.Name,
		Task:        task,
		Log:         output,
		Artifacts:   artifacts.Artifacts,
	}
	if err := t.Cache.Put(entry); err != nil {
		return fmt.Errorf("caching result: %w", err)
	}
	return nil
}

func (t *Toolkit) writeBlock(pkg, task string, log []byte) {
	if len(log) == 0 {
		return
	}
	var buf bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), len(log)+1)
	for sc.Scan() {
		fmt.Fprintf(&buf, "%s:%s: %s\n", pkg, task, sc.Text())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.Out.Write(buf.Bytes())
}
