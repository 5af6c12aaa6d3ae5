// Package workflow drives one job through its human-gated phases: intake,
// deep analysis, draft generation. A phase finishing never advances the
// job on its own; the operator reviews the phase's output and explicitly
// confirms (or starts the next stage), which is what moves the workflow
// forward.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docket/internal/analysis"
	"docket/internal/backend"
	"docket/internal/job"
)

// Sentinel errors callers branch on.
var (
	// ErrPhaseOrder reports an operation invalid for the job's phase.
	ErrPhaseOrder = errors.New("operation not valid in this phase")
	// ErrNotConfirmed reports an attempt to advance past a phase whose
	// result the operator has not confirmed.
	ErrNotConfirmed = errors.New("phase result not confirmed")
	// ErrPhaseNotReady reports a confirmation attempt while the phase is
	// still processing.
	ErrPhaseNotReady = errors.New("phase still processing")
)

// Snapshot is a detached view of a controller's state, safe to hold and
// render while the controller keeps moving.
type Snapshot struct {
	Job        job.Job
	Results    []job.PhaseResult
	Runs       []*analysis.ModelRun
	Comparison *analysis.ComparisonResult
	ConnState  job.ConnState
}

// Controller owns one job's workflow. Events arrive through HandleEvent
// (wired to the job's transport handle); operator actions arrive as method
// calls. Both serialize on the controller's mutex.
type Controller struct {
	client   backend.Client
	backends []analysis.Backend
	logger   *zap.Logger

	mu       sync.RWMutex
	job      job.Job
	results  []job.PhaseResult
	proposed *job.PhaseResult
	ready    bool // current phase's processing finished, awaiting the operator
	conn     job.ConnState
	coord    *analysis.Coordinator
	onChange func(Snapshot)
}

// NewController wraps an existing job. backends lists the model back-ends
// available to multi-model analysis, in registration order. A nil logger
// is replaced with a no-op logger.
func NewController(j job.Job, client backend.Client, backends []analysis.Backend, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		client:   client,
		backends: backends,
		logger:   logger.With(zap.String("job_id", j.ID)),
		job:      j,
	}
}

// SetOnChange registers a callback fired with a fresh snapshot after every
// state change. Used by the supervisor for persistence and by the watch
// dashboard.
func (c *Controller) SetOnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// JobID returns the id of the job this controller drives.
func (c *Controller) JobID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job.ID
}

// Touch marks the job as the operator's current focus.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.touchLocked()
	c.mu.Unlock()
}

// Snapshot returns a detached copy of the controller's state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		Job:       c.job,
		ConnState: c.conn,
	}
	if len(c.results) > 0 {
		snap.Results = make([]job.PhaseResult, len(c.results))
		copy(snap.Results, c.results)
	}
	coord := c.coord
	c.mu.RUnlock()

	if coord != nil {
		snap.Runs = coord.Runs()
		snap.Comparison = coord.Comparison()
	}
	return snap
}

// HandleEvent applies one event from the job's update stream. It is the
// transport Handler for this job.
func (c *Controller) HandleEvent(ev job.Event) {
	var forward job.Event

	c.mu.Lock()
	switch e := ev.(type) {
	case job.ProgressEvent:
		if !c.job.Phase.Terminal() {
			c.job.Progress = clampProgress(e.Progress)
			if e.Message != "" {
				c.job.Message = e.Message
			}
		}
		forward = e

	case job.NotificationEvent:
		switch {
		case e.NotificationType == job.NotifyPhaseCompleted:
			if !c.job.Phase.Terminal() {
				c.ready = true
				c.job.Progress = 100
				if e.Message != "" {
					c.job.Message = e.Message
				}
			}
		case e.Terminal():
			phase, _ := e.TerminalPhase()
			c.applyTerminalLocked(phase, e.Message)
		default:
			forward = e
		}

	case job.ErrorEvent:
		c.logger.Warn("backend reported an error", zap.String("message", e.Message))
		if !c.job.Phase.Terminal() && e.Message != "" {
			c.job.Message = e.Message
		}

	case job.StateEvent:
		c.conn = e.State
	}
	coord := c.coord
	c.mu.Unlock()

	if coord != nil && forward != nil {
		coord.Apply(forward)
	}
	c.notifyChange()
}

// Proposed fetches the backend's proposed result for the current phase,
// for operator review before confirming.
func (c *Controller) Proposed(ctx context.Context) (job.PhaseResult, error) {
	c.mu.RLock()
	id := c.job.ID
	phase := c.job.Phase
	c.mu.RUnlock()

	res, err := c.client.Result(ctx, id)
	if err != nil {
		return job.PhaseResult{}, err
	}
	if p, perr := job.ParsePhase(res.Phase); perr == nil {
		phase = p
	}

	proposed := job.PhaseResult{
		JobID:  id,
		Phase:  phase,
		Fields: job.CopyFields(res.Fields),
	}

	c.mu.Lock()
	c.proposed = &proposed
	c.mu.Unlock()
	return proposed, nil
}

// ConfirmIntake records the operator's confirmation of the intake result,
// with fields as reviewed (and possibly edited), and advances the job to
// deep analysis. The confirmed result is immutable; which fields the
// operator changed against the proposal is recorded alongside it.
func (c *Controller) ConfirmIntake(ctx context.Context, fields map[string]string) (job.PhaseResult, error) {
	c.mu.Lock()
	if c.job.Phase != job.PhaseIntake {
		phase := c.job.Phase
		c.mu.Unlock()
		return job.PhaseResult{}, fmt.Errorf("confirm intake in phase %s: %w", phase, ErrPhaseOrder)
	}
	ready := c.ready
	proposed := c.proposed
	role, scenario := c.job.Role, c.job.Scenario
	c.mu.Unlock()

	if !ready {
		ok, err := c.refreshReady(ctx)
		if err != nil {
			return job.PhaseResult{}, err
		}
		if !ok {
			return job.PhaseResult{}, fmt.Errorf("intake of job %s: %w", c.JobID(), ErrPhaseNotReady)
		}
	}

	if proposed == nil {
		p, err := c.Proposed(ctx)
		if err != nil {
			return job.PhaseResult{}, fmt.Errorf("fetch proposed intake: %w", err)
		}
		proposed = &p
	}

	edited := job.FieldDiff(proposed.Fields, fields)
	req := backend.ConfirmIntakeRequest{
		Fields:       fields,
		EditedFields: edited,
		Role:         role,
		Scenario:     scenario,
	}
	if err := c.client.ConfirmIntake(ctx, c.JobID(), req); err != nil {
		return job.PhaseResult{}, err
	}

	result := job.PhaseResult{
		ID:           job.NewResultID(),
		JobID:        c.JobID(),
		Phase:        job.PhaseIntake,
		Fields:       job.CopyFields(fields),
		EditedFields: edited,
		ConfirmedAt:  time.Now(),
	}

	c.mu.Lock()
	c.results = append(c.results, result)
	c.job.Phase = job.PhaseDeepAnalysis
	c.job.Progress = 0
	c.job.Message = ""
	c.ready = false
	c.proposed = nil
	c.touchLocked()
	c.mu.Unlock()

	c.logger.Info("intake confirmed",
		zap.Int("fields", len(fields)),
		zap.Strings("edited", edited))
	c.notifyChange()
	return result, nil
}

// StartAnalysis starts the deep-analysis phase. In multi mode it fans out
// one run per configured back-end and blocks until every run finishes;
// live progress flows through HandleEvent meanwhile. In single mode the
// backend runs its default model and progress arrives as plain events.
func (c *Controller) StartAnalysis(ctx context.Context, mode job.AnalysisMode) error {
	c.mu.Lock()
	switch c.job.Phase {
	case job.PhaseDeepAnalysis:
	case job.PhaseIntake:
		c.mu.Unlock()
		return fmt.Errorf("start analysis of job %s: %w", c.JobID(), ErrNotConfirmed)
	default:
		phase := c.job.Phase
		c.mu.Unlock()
		return fmt.Errorf("start analysis in phase %s: %w", phase, ErrPhaseOrder)
	}
	if c.coord != nil && c.coord.OverallStatus() == analysis.RunRunning {
		c.mu.Unlock()
		return fmt.Errorf("analysis of job %s already running", c.JobID())
	}

	c.job.AnalysisMode = mode
	c.job.Progress = 0
	c.ready = false
	role, scenario := c.job.Role, c.job.Scenario
	intakeFields := c.confirmedFieldsLocked(job.PhaseIntake)
	var coord *analysis.Coordinator
	var backendIDs []string
	if mode == job.ModeMulti {
		coord = analysis.NewCoordinator(c.job.ID, c.backends, c.logger)
		c.coord = coord
		for _, b := range c.backends {
			backendIDs = append(backendIDs, b.ID)
		}
	} else {
		c.coord = nil
	}
	c.touchLocked()
	c.mu.Unlock()
	c.notifyChange()

	req := backend.AnalysisRequest{
		Fields:   intakeFields,
		Role:     role,
		Scenario: scenario,
		Mode:     string(mode),
		Backends: backendIDs,
	}
	if err := c.client.StartAnalysis(ctx, c.JobID(), req); err != nil {
		return err
	}
	if coord == nil {
		return nil
	}

	runner := func(ctx context.Context, b analysis.Backend) (*analysis.Result, error) {
		resp, err := c.client.RunModel(ctx, c.JobID(), b.ID)
		if err != nil {
			return nil, err
		}
		return &analysis.Result{
			Findings:      resp.Findings,
			RiskCount:     resp.RiskCount,
			Confidence:    resp.Confidence,
			HeadlineScore: resp.HeadlineScore,
			Summary:       resp.Summary,
		}, nil
	}
	if err := coord.Start(ctx, runner); err != nil {
		return err
	}

	cmp := coord.Comparison()
	if cmp.Completed == 0 && cmp.Failed > 0 {
		c.mu.Lock()
		c.applyTerminalLocked(job.PhaseFailed, "all model runs failed")
		c.mu.Unlock()
		c.notifyChange()
		return fmt.Errorf("job %s: all model runs failed", c.JobID())
	}
	c.notifyChange()
	return nil
}

// GenerateDraft explicitly starts draft generation. Deep analysis must
// have finished; invoking the draft is the operator's acceptance of the
// analysis result.
func (c *Controller) GenerateDraft(ctx context.Context) error {
	c.mu.Lock()
	if c.job.Phase != job.PhaseDeepAnalysis {
		phase := c.job.Phase
		c.mu.Unlock()
		return fmt.Errorf("generate draft in phase %s: %w", phase, ErrPhaseOrder)
	}
	ready := c.ready
	role, scenario := c.job.Role, c.job.Scenario
	c.mu.Unlock()

	if !ready {
		ok, err := c.refreshReady(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("analysis of job %s: %w", c.JobID(), ErrPhaseNotReady)
		}
	}

	req := backend.DraftRequest{Role: role, Scenario: scenario}
	if err := c.client.GenerateDraft(ctx, c.JobID(), req); err != nil {
		return err
	}

	c.mu.Lock()
	c.job.Phase = job.PhaseDraftGeneration
	c.job.Progress = 0
	c.job.Message = ""
	c.ready = false
	c.touchLocked()
	c.mu.Unlock()

	c.logger.Info("draft generation started")
	c.notifyChange()
	return nil
}

// Retry re-runs the phase a failed job stopped in. The job returns to
// that phase; the failure marker is cleared.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.job.Phase != job.PhaseFailed {
		phase := c.job.Phase
		c.mu.Unlock()
		return fmt.Errorf("retry in phase %s: %w", phase, ErrPhaseOrder)
	}
	failedPhase := c.job.FailedPhase
	c.mu.Unlock()

	if failedPhase == "" {
		failedPhase = job.PhaseIntake
	}

	if err := c.client.Retry(ctx, c.JobID()); err != nil {
		return err
	}

	c.mu.Lock()
	c.job.Phase = failedPhase
	c.job.FailedPhase = ""
	c.job.Progress = 0
	c.job.Message = ""
	c.ready = false
	c.touchLocked()
	c.mu.Unlock()

	c.logger.Info("retrying failed phase", zap.String("phase", string(failedPhase)))
	c.notifyChange()
	return nil
}

// Cancel stops the job. Cancelling a job that already reached a terminal
// state is a no-op.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.RLock()
	terminal := c.job.Phase.Terminal()
	c.mu.RUnlock()
	if terminal {
		return nil
	}

	if err := c.client.Cancel(ctx, c.JobID()); err != nil {
		// A job the backend no longer knows is as cancelled as it gets.
		if !errors.Is(err, backend.ErrJobNotFound) {
			return err
		}
	}

	c.mu.Lock()
	c.applyTerminalLocked(job.PhaseCancelled, "cancelled by operator")
	c.mu.Unlock()
	c.notifyChange()
	return nil
}

// Runs returns the model runs of the current analysis, nil outside multi
// mode.
func (c *Controller) Runs() []*analysis.ModelRun {
	c.mu.RLock()
	coord := c.coord
	c.mu.RUnlock()
	if coord == nil {
		return nil
	}
	return coord.Runs()
}

// Comparison returns the comparison over the current analysis runs, nil
// outside multi mode.
func (c *Controller) Comparison() *analysis.ComparisonResult {
	c.mu.RLock()
	coord := c.coord
	c.mu.RUnlock()
	if coord == nil {
		return nil
	}
	return coord.Comparison()
}

// refreshReady re-checks phase readiness against the backend. Covers
// operators confirming after a restore or a missed notification: the
// locally-tracked gate is advisory, the backend is the truth.
func (c *Controller) refreshReady(ctx context.Context) (bool, error) {
	st, err := c.client.Status(ctx, c.JobID())
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Progress >= 100 {
		c.ready = true
		c.job.Progress = 100
	}
	return c.ready, nil
}

// applyTerminalLocked moves the job to a terminal phase. The first
// terminal transition wins; later ones are dropped. Caller holds c.mu.
func (c *Controller) applyTerminalLocked(phase job.Phase, message string) {
	if c.job.Phase.Terminal() {
		return
	}
	if phase == job.PhaseFailed {
		c.job.FailedPhase = c.job.Phase
	}
	c.job.Phase = phase
	if phase == job.PhaseCompleted {
		c.job.Progress = 100
	}
	if message != "" {
		c.job.Message = message
	}
	c.ready = false
	c.logger.Info("job reached terminal phase",
		zap.String("phase", string(phase)),
		zap.String("failed_phase", string(c.job.FailedPhase)))
}

// confirmedFieldsLocked returns a copy of the fields of the most recent
// confirmed result for the given phase, nil if that phase was never
// confirmed. Caller holds c.mu.
func (c *Controller) confirmedFieldsLocked(phase job.Phase) map[string]string {
	for i := len(c.results) - 1; i >= 0; i-- {
		if c.results[i].Phase == phase {
			return job.CopyFields(c.results[i].Fields)
		}
	}
	return nil
}

// touchLocked stamps the job as the operator's current focus. Backend
// events never touch this; it orders jobs by operator attention, not by
// traffic. Caller holds c.mu.
func (c *Controller) touchLocked() {
	c.job.LastActiveAt = time.Now()
}

func (c *Controller) notifyChange() {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()
	if fn != nil {
		fn(c.Snapshot())
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
