package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docket/internal/job"
)

// RunnerFunc performs one back-end's analysis run, blocking until the
// back-end returns its result.
type RunnerFunc func(ctx context.Context, backend Backend) (*Result, error)

// Coordinator tracks the model runs of one job's deep analysis. Run state
// is updated from two directions: the blocking runner calls started by
// Start, and live channel events routed in through Apply. The runner is
// authoritative for results; events only move status and progress.
type Coordinator struct {
	mu        sync.RWMutex
	jobID     string
	runs      []*ModelRun // registration order, ties resolve to earlier entries
	byBackend map[string]*ModelRun
	consensus ConsensusFunc
	logger    *zap.Logger
}

// NewCoordinator registers one pending run per back-end, in the given
// order. A nil logger is replaced with a no-op logger.
func NewCoordinator(jobID string, backends []Backend, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		jobID:     jobID,
		byBackend: make(map[string]*ModelRun, len(backends)),
		consensus: DefaultConsensus,
		logger:    logger.With(zap.String("job_id", jobID)),
	}
	for _, b := range backends {
		run := &ModelRun{
			RunID:   "run-" + uuid.NewString(),
			Backend: b,
			Status:  RunPending,
		}
		c.runs = append(c.runs, run)
		c.byBackend[b.ID] = run
	}
	return c
}

// SetConsensusFunc replaces the consensus strategy. A nil fn restores the
// default.
func (c *Coordinator) SetConsensusFunc(fn ConsensusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = DefaultConsensus
	}
	c.consensus = fn
}

// JobID returns the job this coordinator belongs to.
func (c *Coordinator) JobID() string {
	return c.jobID
}

// Start launches every pending run in parallel and blocks until all have
// finished. A run's failure is recorded on the run, never propagated, so
// one back-end going down does not cancel the others. Returns the context
// error if the context ended first.
func (c *Coordinator) Start(ctx context.Context, run RunnerFunc) error {
	c.mu.RLock()
	pending := make([]*ModelRun, 0, len(c.runs))
	for _, r := range c.runs {
		if r.Status == RunPending {
			pending = append(pending, r)
		}
	}
	c.mu.RUnlock()

	var g errgroup.Group
	for _, r := range pending {
		backend := r.Backend
		g.Go(func() error {
			c.MarkRunning(backend.ID)
			res, err := run(ctx, backend)
			if err != nil {
				c.logger.Warn("model run failed",
					zap.String("backend", backend.ID), zap.Error(err))
				c.Fail(backend.ID, err.Error())
				return nil
			}
			c.Complete(backend.ID, res)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// Apply routes a live channel event to the run it concerns. Events for
// unknown back-ends or without a node are ignored.
func (c *Coordinator) Apply(ev job.Event) {
	switch e := ev.(type) {
	case job.ProgressEvent:
		if e.Node == "" {
			return
		}
		c.SetProgress(e.Node, e.NodeProgress, e.Message)
	case job.NotificationEvent:
		switch e.NotificationType {
		case job.NotifyModelCompleted:
			c.markEventTerminal(e.Node, RunCompleted, e.Message)
		case job.NotifyModelFailed:
			c.markEventTerminal(e.Node, RunFailed, e.Message)
		}
	}
}

// MarkRunning moves a pending run to running and stamps its start time.
func (c *Coordinator) MarkRunning(backendID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.byBackend[backendID]
	if !ok || run.Status.Terminal() {
		return
	}
	run.Status = RunRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
}

// SetProgress updates a run's own progress figure. Terminal runs ignore
// late progress; a pending run seeing progress is implicitly running.
func (c *Coordinator) SetProgress(backendID string, progress int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.byBackend[backendID]
	if !ok || run.Status.Terminal() {
		return
	}
	if run.Status == RunPending {
		run.Status = RunRunning
		if run.StartedAt.IsZero() {
			run.StartedAt = time.Now()
		}
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	run.Progress = progress
	if message != "" {
		run.Message = message
	}
}

// Complete finishes a run with its result. The first terminal transition
// wins; late completions of an already-terminal run are dropped.
func (c *Coordinator) Complete(backendID string, res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.byBackend[backendID]
	if !ok || run.Status.Terminal() {
		return
	}
	run.Status = RunCompleted
	run.Progress = 100
	run.Result = res
	run.EndedAt = time.Now()
}

// Fail finishes a run with an error message.
func (c *Coordinator) Fail(backendID string, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.byBackend[backendID]
	if !ok || run.Status.Terminal() {
		return
	}
	run.Status = RunFailed
	run.Err = errMsg
	run.EndedAt = time.Now()
}

// markEventTerminal applies a model-level notification. Unlike Complete it
// leaves Result untouched: the blocking runner supplies the payload.
func (c *Coordinator) markEventTerminal(backendID string, status RunStatus, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.byBackend[backendID]
	if !ok || run.Status.Terminal() {
		return
	}
	run.Status = status
	run.EndedAt = time.Now()
	if status == RunCompleted {
		run.Progress = 100
	}
	if message != "" {
		if status == RunFailed {
			run.Err = message
		} else {
			run.Message = message
		}
	}
}

// Runs returns detached copies of all runs in registration order.
func (c *Coordinator) Runs() []*ModelRun {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ModelRun, 0, len(c.runs))
	for _, r := range c.runs {
		out = append(out, r.clone())
	}
	return out
}

// Run returns a detached copy of one back-end's run.
func (c *Coordinator) Run(backendID string) (*ModelRun, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	run, ok := c.byBackend[backendID]
	if !ok {
		return nil, fmt.Errorf("no run for backend %q", backendID)
	}
	return run.clone(), nil
}

// OverallProgress is the arithmetic mean of per-run progress.
func (c *Coordinator) OverallProgress() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.runs) == 0 {
		return 0
	}
	var sum int
	for _, r := range c.runs {
		sum += r.Progress
	}
	return sum / len(c.runs)
}

// OverallStatus is completed once every run is terminal, running while any
// run is running, pending otherwise.
func (c *Coordinator) OverallStatus() RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.runs) == 0 {
		return RunPending
	}
	allTerminal := true
	anyRunning := false
	for _, r := range c.runs {
		if !r.Status.Terminal() {
			allTerminal = false
		}
		if r.Status == RunRunning {
			anyRunning = true
		}
	}
	if allTerminal {
		return RunCompleted
	}
	if anyRunning {
		return RunRunning
	}
	return RunPending
}

// Comparison recomputes the comparison over the current runs.
func (c *Coordinator) Comparison() *ComparisonResult {
	c.mu.RLock()
	runs := make([]*ModelRun, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r.clone())
	}
	consensus := c.consensus
	c.mu.RUnlock()

	return Compare(runs, consensus)
}
