package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"monorun/internal/config"
	"monorun/internal/core"
	"monorun/internal/engine"
	"monorun/internal/logger"
	"monorun/internal/plugin"
	"monorun/internal/remote"
	"monorun/internal/report"
	"monorun/internal/state"
	"monorun/internal/workspace"
)

const pluginDrainTimeout = 10 * time.Second

// session is everything loaded from the workspace before a run starts.
type session struct {
	cfg  *config.Config
	log  *zap.Logger
	pkgs map[string]core.Package
}

func openSession(inv Invocation, stderr io.Writer) (*session, error) {
	cfg, err := config.Load(inv.WorkDir, inv.ConfigPath)
	if err != nil {
		return nil, err
	}
	if inv.Debug {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	pkgs, err := workspace.Discover(cfg.Root, cfg.Workspaces)
	if err != nil {
		return nil, err
	}
	log.Debug("workspace loaded", zap.String("root", cfg.Root), zap.Int("packages", len(pkgs)))
	return &session{cfg: cfg, log: log, pkgs: pkgs}, nil
}

// Execute runs inv against the workspace at inv.WorkDir. The run is
// recorded in the state dir whatever its outcome, and the report is written
// only when every package succeeded.
func Execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer) error {
	// Task logs, progress lines and diagnostics reach these streams from
	// several goroutines.
	stdout, stderr = &lockedWriter{w: stdout}, &lockedWriter{w: stderr}
	s, err := openSession(inv, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = s.log.Sync() }()

	rec := recorderFor(s)
	runID := state.NewRunID()
	var run *state.Run
	if rec != nil {
		started, err := rec.Start(runID, inv.Task, inv.Scope, inv.DryRun)
		if err != nil {
			s.log.Warn("run history unavailable", zap.Error(err))
		} else {
			run = &started
		}
	}

	rep, err := runEngine(ctx, s, inv, runID, stdout, stderr)
	if err != nil {
		if run != nil {
			if recErr := rec.Fail(*run, err); recErr != nil {
				s.log.Warn("recording failure", zap.Error(recErr))
			}
		}
		return err
	}

	if run != nil {
		summary := map[string]int{}
		for src, n := range rep.Summary() {
			summary[string(src)] = n
		}
		if recErr := rec.Finish(*run, summary); recErr != nil {
			s.log.Warn("recording run", zap.Error(recErr))
		}
	}
	if inv.ReportPath != "" {
		if err := report.Write(inv.ReportPath, rep, stdout); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	return nil
}

func recorderFor(s *session) *state.Recorder {
	store, err := state.NewStore(s.cfg.Path(s.cfg.StateDir))
	if err != nil {
		s.log.Warn("run history disabled", zap.Error(err))
		return nil
	}
	return state.NewRecorder(store)
}

func runEngine(ctx context.Context, s *session, inv Invocation, runID string, stdout, stderr io.Writer) (*report.RunReport, error) {
	local := core.NewFileCache(s.cfg.Path(s.cfg.Cache.Dir))
	toolkit := core.NewToolkit(s.cfg.Root, local, stdout, s.log)

	deps := engine.Deps{
		Packages:      s.pkgs,
		Tasks:         s.cfg.Tasks,
		Fingerprinter: toolkit,
		Local:         toolkit,
		Executor:      toolkit,
		Logger:        s.log,
	}

	rc, err := remote.New(s.cfg.Cache.Remote, local, s.log)
	if err != nil {
		return nil, fmt.Errorf("%w: remote cache: %w", config.ErrInvalidConfig, err)
	}
	if rc != nil {
		defer func() { _ = rc.Close() }()
		deps.Remote = rc
	}

	specs := s.cfg.Plugins
	if inv.TracePath != "" {
		specs = append(specs, plugin.Spec{Name: "trace", Path: inv.TracePath})
	}
	plugins, err := plugin.Build(specs, s.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	if len(plugins) > 0 {
		mgr := plugin.NewManager(plugins, s.log)
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pluginDrainTimeout)
			defer cancel()
			if err := mgr.Close(drainCtx); err != nil {
				s.log.Warn("closing plugins", zap.Error(err))
			}
			delivered, dropped, failed := mgr.Stats()
			s.log.Debug("plugin events", zap.Uint64("delivered", delivered), zap.Uint64("dropped", dropped), zap.Uint64("failed", failed))
		}()
		deps.Emitter = mgr
	}

	concurrency := inv.Concurrency
	if concurrency < 0 {
		concurrency = s.cfg.Concurrency
	}
	eng := engine.New(deps, engine.Options{
		Concurrency: concurrency,
		Explain:     inv.Explain,
		DryRun:      inv.DryRun,
		PrintGraph:  inv.PrintGraph,
		NoCache:     inv.NoCache,
		Force:       inv.Force,
		Strict:      inv.Strict,
		Clean:       inv.Clean,
		Stdout:      stdout,
		Stderr:      stderr,
	})
	return eng.Run(ctx, engine.Request{RunID: runID, Task: inv.Task, Scope: inv.Scope})
}

// Graph prints the scoped "dependency -> dependent" edges of the workspace.
func Graph(inv Invocation, stdout, stderr io.Writer) error {
	s, err := openSession(inv, stderr)
	if err != nil {
		return err
	}
	g, _, err := engine.New(engine.Deps{Packages: s.pkgs, Logger: s.log}, engine.Options{}).Plan(inv.Scope)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, engine.FormatEdges(g))
	return err
}

// History prints the recorded runs, newest first.
func History(inv Invocation, limit int, stdout, stderr io.Writer) error {
	s, err := openSession(inv, stderr)
	if err != nil {
		return err
	}
	store, err := state.NewStore(s.cfg.Path(s.cfg.StateDir))
	if err != nil {
		return err
	}
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	for i, r := range runs {
		if limit > 0 && i >= limit {
			break
		}
		scope := "-"
		if r.Scope != nil {
			scope = *r.Scope
		}
		line := fmt.Sprintf("%s  %s  %-9s task=%s scope=%s", r.RunID, r.StartTime.Format(time.RFC3339), r.Status, r.Task, scope)
		if r.Status == state.RunStatusFailed {
			if f, err := store.LoadFailure(r.RunID); err == nil {
				line += fmt.Sprintf(" error=%s", f.ErrorCode)
				if f.Package != nil {
					line += " package=" + *f.Package
				}
			}
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
