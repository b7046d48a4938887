package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"monorun/internal/dag"
	"monorun/internal/report"
)

type unitResult struct {
	id      dag.NodeID
	outcome report.TaskOutcome
	err     error
}

// schedule drains g wave by wave. g is owned by this goroutine; units only
// read the package map and task table.
func (e *Engine) schedule(ctx context.Context, g *dag.Graph, task string, collector *report.Collector) error {
	sem := semaphore.NewWeighted(int64(e.capacity()))

	for wave := 1; g.Len() > 0; wave++ {
		ready := g.Ready()
		if len(ready) == 0 {
			return g.CycleError()
		}
		e.log.Debug("wave", zap.Int("wave", wave), zap.Int("units", len(ready)))

		done := make(chan unitResult, len(ready))
		var (
			wg        sync.WaitGroup
			permitErr error
		)
		for _, id := range ready {
			id := id
			if err := sem.Acquire(ctx, 1); err != nil {
				permitErr = fmt.Errorf("%w: %w", ErrConcurrencyPermit, err)
				break
			}
			pkg := e.deps.Packages[g.Name(id)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				res := unitResult{id: id}
				res.outcome, res.err = e.safeRunUnit(ctx, pkg, task)
				done <- res
			}()
		}
		wg.Wait()
		close(done)

		// Completion order: each unit sends as soon as it finishes.
		var failures []error
		for res := range done {
			if res.err != nil {
				e.printf(e.stderr, "%s:%s: failed: %v\n", g.Name(res.id), task, cause(res.err))
				e.log.Error("task failed", zap.String("package", g.Name(res.id)), zap.String("task", task), zap.Error(res.err))
				failures = append(failures, res.err)
				continue
			}
			collector.Add(res.outcome)
			g.Remove(res.id)
		}
		if len(failures) > 0 {
			return failures[0]
		}
		if permitErr != nil {
			return permitErr
		}
	}
	return nil
}
