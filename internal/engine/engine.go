// Package engine runs one task across a workspace.
//
// The scheduler walks the package graph in waves: every package whose
// dependencies have all completed is launched under a run-wide semaphore,
// and the next wave starts only after the whole current wave has finished.
// Inside each unit, prerequisites run first, then the cache decision picks
// between the local tier, the remote tier and execution.
package engine

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"monorun/internal/core"
	"monorun/internal/dag"
	"monorun/internal/pipeline"
	"monorun/internal/plugin"
	"monorun/internal/report"
	"monorun/internal/workspace"
)

type Fingerprinter interface {
	Fingerprint(pkg core.Package, task string, spec core.TaskSpec) (core.Fingerprint, error)
}

// LocalCache is the host-local tier.
type LocalCache interface {
	IsCachedLocally(fp core.Fingerprint) bool
	RestoreOutputs(pkg core.Package, fp core.Fingerprint) error
	CleanOutputs(pkg core.Package, spec core.TaskSpec) error
}

// RemoteCache is the shared tier. Download stores the entry in the local
// tier, so it is restored with LocalCache.RestoreOutputs.
type RemoteCache interface {
	Exists(ctx context.Context, fp core.Fingerprint) (bool, error)
	Download(ctx context.Context, fp core.Fingerprint) error
	Upload(ctx context.Context, fp core.Fingerprint) error
}

type TaskExecutor interface {
	ExecuteTask(ctx context.Context, pkg core.Package, task string, spec core.TaskSpec, fp core.Fingerprint, strict, cacheDisabled bool) error
}

type Emitter interface {
	Emit(plugin.Event)
}

// GraphBuilder turns the package set into a dependency graph.
type GraphBuilder func(pkgs map[string]core.Package) (*dag.Graph, dag.Index)

// Deps are the collaborators of a run. Remote must be left nil when no
// remote tier is configured; Emitter, BuildGraph and Logger have defaults.
type Deps struct {
	Packages      map[string]core.Package
	Tasks         core.TaskTable
	BuildGraph    GraphBuilder
	Fingerprinter Fingerprinter
	Local         LocalCache
	Remote        RemoteCache
	Executor      TaskExecutor
	Emitter       Emitter
	Logger        *zap.Logger
}

type Options struct {
	// Concurrency bounds the units running at once. Zero means one per CPU.
	Concurrency int
	// Explain prints every cache decision.
	Explain bool
	DryRun  bool
	// PrintGraph prints the scoped "dependency -> dependent" edges before
	// scheduling.
	PrintGraph bool
	NoCache    bool
	Force      bool
	Strict     bool
	Clean      bool

	Stdout io.Writer
	Stderr io.Writer
}

// Request names the task and the optional scope package of one run.
type Request struct {
	RunID string
	Task  string
	Scope string
}

type Engine struct {
	deps     Deps
	opts     Options
	log      *zap.Logger
	resolver *pipeline.Resolver

	prereqs singleflight.Group

	outMu  sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func New(deps Deps, opts Options) *Engine {
	if deps.BuildGraph == nil {
		deps.BuildGraph = workspace.BuildDependencyGraph
	}
	if deps.Emitter == nil {
		deps.Emitter = plugin.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Engine{
		deps:   deps,
		opts:   opts,
		log:    deps.Logger.Named("engine"),
		stdout: opts.Stdout,
		stderr: opts.Stderr,
	}
	if e.stdout == nil {
		e.stdout = io.Discard
	}
	if e.stderr == nil {
		e.stderr = io.Discard
	}
	e.resolver = &pipeline.Resolver{
		Packages: deps.Packages,
		Tasks:    deps.Tasks,
		Runner:   prerequisiteRunner{e: e},
	}
	return e
}

func (e *Engine) capacity() int {
	if e.opts.Concurrency > 0 {
		return e.opts.Concurrency
	}
	return runtime.NumCPU()
}

// Plan builds the package graph and narrows it to scope.
func (e *Engine) Plan(scope string) (*dag.Graph, dag.Index, error) {
	g, idx := e.deps.BuildGraph(e.deps.Packages)
	return dag.Reduce(g, idx, scope)
}

// Run executes req.Task for every package in scope. It returns the report
// only when every package completed; on failure no report is produced.
func (e *Engine) Run(ctx context.Context, req Request) (*report.RunReport, error) {
	g, _, err := e.Plan(req.Scope)
	if err != nil {
		return nil, err
	}
	if err := e.validate(g, req.Task); err != nil {
		return nil, err
	}
	if e.opts.PrintGraph {
		e.printf(e.stdout, "%s", FormatEdges(g))
	}

	collector := report.NewCollector()
	if err := e.schedule(ctx, g, req.Task, collector); err != nil {
		return nil, err
	}
	return collector.Build(req.RunID, req.Task, req.Scope), nil
}

// validate checks the task configuration of every package in g before any
// unit launches.
func (e *Engine) validate(g *dag.Graph, task string) error {
	if !e.deps.Tasks.Defined(task) {
		return fmt.Errorf("%w: task %q is not defined", ErrInvalidTaskConfig, task)
	}
	for _, id := range g.Nodes() {
		pkg, ok := e.deps.Packages[g.Name(id)]
		if !ok {
			return fmt.Errorf("graph node %q has no package", g.Name(id))
		}
		if err := e.resolver.Validate(pkg, task); err != nil {
			return err
		}
	}
	return nil
}

// FormatEdges renders the live edges of g, one "dependency -> dependent"
// per line.
func FormatEdges(g *dag.Graph) string {
	var out []byte
	for _, edge := range g.Edges() {
		out = fmt.Appendf(out, "%s -> %s\n", edge.From, edge.To)
	}
	return string(out)
}

func (e *Engine) printf(w io.Writer, format string, args ...any) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintf(w, format, args...)
}
