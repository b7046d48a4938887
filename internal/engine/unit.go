package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"monorun/internal/core"
	"monorun/internal/plugin"
	"monorun/internal/report"
)

// safeRunUnit turns a panic inside a unit into a task failure so that the
// wave barrier is always reached.
func (e *Engine) safeRunUnit(ctx context.Context, pkg core.Package, task string) (out report.TaskOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unit panicked",
				zap.String("package", pkg.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = taskFailure(pkg.Name, task, fmt.Errorf("panic: %v", r))
		}
	}()
	return e.runUnit(ctx, pkg, task)
}

func (e *Engine) runUnit(ctx context.Context, pkg core.Package, task string) (report.TaskOutcome, error) {
	start := time.Now()
	out := report.TaskOutcome{Package: pkg.Name, Task: task, CacheSource: report.SourceNone}

	if e.opts.DryRun {
		out.Cached = true
		out.Duration = time.Since(start)
		e.printf(e.stdout, "%s:%s: dry run\n", pkg.Name, task)
		return out, nil
	}

	spec, _ := e.deps.Tasks.Lookup(pkg.Name, task)
	e.emit(plugin.BeforeTask, pkg.Name, task, "", "", false)

	if err := e.resolver.Resolve(ctx, pkg, spec); err != nil {
		e.emit(plugin.AfterTask, pkg.Name, task, "", "", false)
		return out, taskFailure(pkg.Name, task, err)
	}

	d, err := e.decide(ctx, pkg, task, spec)
	e.emit(plugin.AfterTask, pkg.Name, task, d.fp, d.source, err == nil)
	if err != nil {
		return out, taskFailure(pkg.Name, task, err)
	}

	out.Fingerprint = d.fp
	out.CacheSource = d.source
	out.Cached = d.source != report.SourceNone
	out.Duration = time.Since(start)
	return out, nil
}

type decision struct {
	fp     core.Fingerprint
	source report.CacheSource
}

// decide serves the task from the local tier, then the remote tier, and
// executes it on a miss.
func (e *Engine) decide(ctx context.Context, pkg core.Package, task string, spec core.TaskSpec) (decision, error) {
	fp, err := e.deps.Fingerprinter.Fingerprint(pkg, task, spec)
	if err != nil {
		return decision{source: report.SourceNone}, fmt.Errorf("fingerprint: %w", err)
	}
	d := decision{fp: fp, source: report.SourceNone}

	switch {
	case e.opts.Force:
		e.explain(pkg.Name, task, "cache bypassed (--force)")
	case e.opts.NoCache:
		e.explain(pkg.Name, task, "cache disabled (--no-cache)")
	default:
		if e.deps.Local.IsCachedLocally(fp) {
			if err := e.deps.Local.RestoreOutputs(pkg, fp); err != nil {
				return d, fmt.Errorf("restore: %w", err)
			}
			d.source = report.SourceLocal
			e.hit(pkg.Name, task, d)
			return d, nil
		}
		e.explain(pkg.Name, task, "local miss %s", fp.Short())

		if e.fetchRemote(ctx, pkg.Name, task, fp) {
			if err := e.deps.Local.RestoreOutputs(pkg, fp); err != nil {
				return d, fmt.Errorf("restore: %w", err)
			}
			d.source = report.SourceRemote
			e.hit(pkg.Name, task, d)
			return d, nil
		}
	}

	e.emit(plugin.CacheMiss, pkg.Name, task, fp, "", false)
	e.printf(e.stdout, "%s:%s: cache miss, executing %s\n", pkg.Name, task, fp.Short())

	if e.opts.Clean {
		if err := e.deps.Local.CleanOutputs(pkg, spec); err != nil {
			return d, fmt.Errorf("clean: %w", err)
		}
	}
	if err := e.deps.Executor.ExecuteTask(ctx, pkg, task, spec, fp, e.opts.Strict, e.opts.NoCache); err != nil {
		return d, err
	}
	if e.deps.Remote != nil && !e.opts.NoCache {
		e.upload(ctx, fp).report(e.log, pkg.Name, task)
	}
	return d, nil
}

// fetchRemote reports whether fp is now in the local tier. Every remote
// error degrades to a miss.
func (e *Engine) fetchRemote(ctx context.Context, pkg, task string, fp core.Fingerprint) bool {
	if e.deps.Remote == nil {
		return false
	}
	ok, err := e.deps.Remote.Exists(ctx, fp)
	if err != nil {
		e.log.Warn("remote cache lookup failed", zap.String("package", pkg), zap.String("fingerprint", fp.String()), zap.Error(err))
		e.explain(pkg, task, "remote lookup failed: %v", err)
		return false
	}
	if !ok {
		e.explain(pkg, task, "remote miss %s", fp.Short())
		return false
	}
	if err := e.deps.Remote.Download(ctx, fp); err != nil {
		e.log.Warn("remote cache download failed", zap.String("package", pkg), zap.String("fingerprint", fp.String()), zap.Error(err))
		e.explain(pkg, task, "remote download failed: %v", err)
		return false
	}
	return true
}

// uploadOutcome is the result of a best-effort upload. It is reported and
// then dropped; it never reaches the unit's error.
type uploadOutcome struct {
	fp  core.Fingerprint
	err error
}

func (e *Engine) upload(ctx context.Context, fp core.Fingerprint) uploadOutcome {
	return uploadOutcome{fp: fp, err: e.deps.Remote.Upload(ctx, fp)}
}

func (u uploadOutcome) report(log *zap.Logger, pkg, task string) {
	if u.err != nil {
		log.Warn("remote cache upload failed",
			zap.String("package", pkg),
			zap.String("task", task),
			zap.String("fingerprint", u.fp.String()),
			zap.Error(u.err))
		return
	}
	log.Debug("uploaded to remote cache", zap.String("package", pkg), zap.String("fingerprint", u.fp.String()))
}

func (e *Engine) hit(pkg, task string, d decision) {
	e.emit(plugin.CacheHit, pkg, task, d.fp, d.source, true)
	e.printf(e.stdout, "%s:%s: cache hit (%s) %s\n", pkg, task, d.source, d.fp.Short())
}

func (e *Engine) explain(pkg, task, format string, args ...any) {
	if !e.opts.Explain {
		return
	}
	e.printf(e.stdout, "%s:%s: explain: %s\n", pkg, task, fmt.Sprintf(format, args...))
}

func (e *Engine) emit(kind plugin.Kind, pkg, task string, fp core.Fingerprint, source report.CacheSource, success bool) {
	e.deps.Emitter.Emit(plugin.Event{
		Kind:        kind,
		Package:     pkg,
		Task:        task,
		Fingerprint: fp.String(),
		Source:      source,
		Success:     success,
		Time:        time.Now(),
	})
}

// prerequisiteRunner satisfies one prerequisite from the local tier or by
// executing it. Concurrent requests for the same package and task share a
// single run. No events are emitted and the remote tier is not consulted.
type prerequisiteRunner struct {
	e *Engine
}

func (r prerequisiteRunner) RunPrerequisite(ctx context.Context, pkg core.Package, task string, spec core.TaskSpec) error {
	key := pkg.Name + core.OverrideSep + task
	_, err, _ := r.e.prereqs.Do(key, func() (any, error) {
		return nil, r.e.runPrerequisite(ctx, pkg, task, spec)
	})
	return err
}

func (e *Engine) runPrerequisite(ctx context.Context, pkg core.Package, task string, spec core.TaskSpec) error {
	fp, err := e.deps.Fingerprinter.Fingerprint(pkg, task, spec)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if !e.opts.Force && !e.opts.NoCache && e.deps.Local.IsCachedLocally(fp) {
		e.log.Debug("prerequisite cache hit", zap.String("package", pkg.Name), zap.String("task", task))
		return e.deps.Local.RestoreOutputs(pkg, fp)
	}
	e.log.Debug("prerequisite executing", zap.String("package", pkg.Name), zap.String("task", task))
	return e.deps.Executor.ExecuteTask(ctx, pkg, task, spec, fp, e.opts.Strict, e.opts.NoCache)
}
