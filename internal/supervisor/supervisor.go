// Package supervisor tracks every job the operator has in flight. It
// enforces the concurrency ceiling, keeps one workflow controller and one
// transport subscription per job, and mirrors the active set into the
// session store so a later invocation can resume where this one stopped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"docket/internal/analysis"
	"docket/internal/backend"
	"docket/internal/config"
	"docket/internal/job"
	"docket/internal/store"
	"docket/internal/transport"
	"docket/internal/workflow"
)

var (
	// ErrCeilingReached reports a create refused because the number of
	// non-terminal jobs already equals the concurrency ceiling.
	ErrCeilingReached = errors.New("active job ceiling reached")
	// ErrUnknownJob reports an operation against a job id the supervisor
	// does not track.
	ErrUnknownJob = errors.New("unknown job")
)

// Counts are totals derived by scanning the job collection. They are
// computed on demand, never maintained as counters, so they cannot drift
// from the jobs themselves.
type Counts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total returns the number of tracked jobs.
func (c Counts) Total() int {
	return c.InProgress + c.Completed + c.Failed + c.Cancelled
}

// Supervisor owns the job collection. All methods are safe for concurrent
// use.
type Supervisor struct {
	cfg       *config.Config
	client    backend.Client
	transport *transport.Manager
	session   *store.SessionStore
	backends  []analysis.Backend
	logger    *zap.Logger

	mu          sync.RWMutex
	controllers map[string]*workflow.Controller
	activeID    string
}

// New builds a Supervisor. A nil logger is replaced with a no-op logger.
func New(cfg *config.Config, client backend.Client, tm *transport.Manager, session *store.SessionStore, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := make([]analysis.Backend, 0, len(cfg.Backend.ModelBackends))
	for _, b := range cfg.Backend.ModelBackends {
		backends = append(backends, analysis.Backend{ID: b.ID, Label: b.Label})
	}
	return &Supervisor{
		cfg:         cfg,
		client:      client,
		transport:   tm,
		session:     session,
		backends:    backends,
		logger:      logger,
		controllers: make(map[string]*workflow.Controller),
	}
}

// Create submits a new matter for intake and starts tracking the job. It
// is refused with ErrCeilingReached when the non-terminal job count is at
// the ceiling.
func (s *Supervisor) Create(ctx context.Context, req backend.IntakeRequest) (*workflow.Controller, error) {
	ceiling := s.cfg.Limits.MaxActiveJobs

	s.mu.RLock()
	active := s.activeCountLocked()
	s.mu.RUnlock()
	if active >= ceiling {
		return nil, fmt.Errorf("%d active jobs: %w", active, ErrCeilingReached)
	}

	resp, err := s.client.SubmitIntake(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit intake: %w", err)
	}

	now := time.Now()
	j := job.Job{
		ID:           resp.JobID,
		Matter:       req.Matter,
		Role:         req.Role,
		Scenario:     req.Scenario,
		Phase:        job.PhaseIntake,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	ctrl := workflow.NewController(j, s.client, s.backends, s.logger)

	s.mu.Lock()
	// The ceiling is re-checked after the submit; a concurrent create may
	// have taken the slot while this one was in flight.
	if s.activeCountLocked() >= ceiling {
		s.mu.Unlock()
		if cerr := s.client.Cancel(ctx, resp.JobID); cerr != nil {
			s.logger.Warn("failed to cancel over-ceiling job",
				zap.String("job_id", resp.JobID), zap.Error(cerr))
		}
		return nil, ErrCeilingReached
	}
	s.controllers[resp.JobID] = ctrl
	s.activeID = resp.JobID
	s.mu.Unlock()

	if _, err := s.transport.Connect(ctx, resp.JobID, ctrl.HandleEvent); err != nil {
		s.logger.Warn("failed to subscribe to job updates",
			zap.String("job_id", resp.JobID), zap.Error(err))
	}

	if err := s.session.Add(resp.JobID); err != nil {
		s.logger.Warn("failed to persist new job", zap.Error(err))
	} else if err := s.session.UpdateLastActive(resp.JobID); err != nil {
		s.logger.Warn("failed to persist active job", zap.Error(err))
	}

	s.logger.Info("job created",
		zap.String("job_id", resp.JobID),
		zap.String("matter", req.Matter))
	return ctrl, nil
}

// SwitchTo makes jobID the active job.
func (s *Supervisor) SwitchTo(jobID string) error {
	s.mu.Lock()
	ctrl, ok := s.controllers[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("switch to %s: %w", jobID, ErrUnknownJob)
	}
	s.activeID = jobID
	s.mu.Unlock()

	ctrl.Touch()
	if err := s.session.UpdateLastActive(jobID); err != nil {
		s.logger.Warn("failed to persist active job", zap.Error(err))
	}
	return nil
}

// Remove stops tracking jobID: its transport subscription is torn down and
// it leaves the session record. Removing an unknown id is a no-op. When
// the removed job was the active one, the most recently active remaining
// job becomes active.
func (s *Supervisor) Remove(jobID string) error {
	s.mu.Lock()
	_, ok := s.controllers[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.controllers, jobID)
	wasActive := s.activeID == jobID
	if wasActive {
		s.activeID = ""
	}
	s.mu.Unlock()

	s.transport.Disconnect(jobID)
	if err := s.session.Remove(jobID); err != nil {
		s.logger.Warn("failed to remove job from session", zap.Error(err))
	}

	if !wasActive {
		return nil
	}

	next := s.mostRecentlyActive()
	s.mu.Lock()
	// A concurrent SwitchTo or Create wins over the fallback pick.
	if s.activeID == "" {
		s.activeID = next
	}
	s.mu.Unlock()

	if next != "" {
		if err := s.session.UpdateLastActive(next); err != nil {
			s.logger.Warn("failed to persist active job", zap.Error(err))
		}
	}
	s.logger.Info("job removed",
		zap.String("job_id", jobID),
		zap.String("new_active", next))
	return nil
}

// Get returns the controller for jobID.
func (s *Supervisor) Get(jobID string) (*workflow.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctrl, ok := s.controllers[jobID]
	return ctrl, ok
}

// Active returns the active job's controller, or false when no job is
// active.
func (s *Supervisor) Active() (*workflow.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return nil, false
	}
	ctrl, ok := s.controllers[s.activeID]
	return ctrl, ok
}

// ActiveID returns the active job id, empty when none.
func (s *Supervisor) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// List returns a snapshot per tracked job, ordered by creation time then
// id.
func (s *Supervisor) List() []workflow.Snapshot {
	ctrls := s.snapshotControllers()

	snaps := make([]workflow.Snapshot, 0, len(ctrls))
	for _, ctrl := range ctrls {
		snaps = append(snaps, ctrl.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].Job.CreatedAt.Equal(snaps[j].Job.CreatedAt) {
			return snaps[i].Job.CreatedAt.Before(snaps[j].Job.CreatedAt)
		}
		return snaps[i].Job.ID < snaps[j].Job.ID
	})
	return snaps
}

// Counts scans the job collection and returns the derived totals.
func (s *Supervisor) Counts() Counts {
	var counts Counts
	for _, ctrl := range s.snapshotControllers() {
		switch ctrl.Snapshot().Job.Phase {
		case job.PhaseCompleted:
			counts.Completed++
		case job.PhaseFailed:
			counts.Failed++
		case job.PhaseCancelled:
			counts.Cancelled++
		default:
			counts.InProgress++
		}
	}
	return counts
}

// RestartAnalysis starts a fresh job over the same matter as jobID. The
// old job keeps its history; phases are never re-entered.
func (s *Supervisor) RestartAnalysis(ctx context.Context, jobID string) (*workflow.Controller, error) {
	ctrl, ok := s.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("restart %s: %w", jobID, ErrUnknownJob)
	}
	snap := ctrl.Snapshot()
	return s.Create(ctx, backend.IntakeRequest{
		Matter:   snap.Job.Matter,
		Role:     snap.Job.Role,
		Scenario: snap.Job.Scenario,
	})
}

// Restore loads the persisted session, drops job ids the backend no longer
// knows, and rebuilds controllers and transport subscriptions for the
// survivors. An expired or absent session is a fresh start, not an error.
// Returns the restored snapshots.
func (s *Supervisor) Restore(ctx context.Context) ([]workflow.Snapshot, error) {
	rec, err := s.session.Reconcile(ctx, s.probe)
	if errors.Is(err, store.ErrExpired) {
		s.logger.Info("session record expired, starting fresh")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	var restored []workflow.Snapshot
	for _, id := range rec.ActiveJobIDs {
		ctrl, err := s.restoreJob(ctx, id)
		if err != nil {
			s.logger.Warn("failed to restore job, leaving it in the session",
				zap.String("job_id", id), zap.Error(err))
			continue
		}
		restored = append(restored, ctrl.Snapshot())
	}

	if rec.LastActiveJobID != "" {
		s.mu.Lock()
		if _, ok := s.controllers[rec.LastActiveJobID]; ok {
			s.activeID = rec.LastActiveJobID
		}
		s.mu.Unlock()
	}

	s.logger.Info("session restored",
		zap.Int("jobs", len(restored)),
		zap.String("active", rec.LastActiveJobID))
	return restored, nil
}

// Close tears down every transport subscription. Tracked jobs keep running
// on the backend; they are picked up again by Restore.
func (s *Supervisor) Close() {
	s.transport.Close()
}

// restoreJob rebuilds one job's controller from the backend's view of it.
func (s *Supervisor) restoreJob(ctx context.Context, id string) (*workflow.Controller, error) {
	st, err := s.client.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	phase, err := job.ParsePhase(st.Status)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	j := job.Job{
		ID:           id,
		Phase:        phase,
		Progress:     st.Progress,
		Message:      st.Message,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	ctrl := workflow.NewController(j, s.client, s.backends, s.logger)

	s.mu.Lock()
	s.controllers[id] = ctrl
	s.mu.Unlock()

	if !phase.Terminal() {
		if _, err := s.transport.Connect(ctx, id, ctrl.HandleEvent); err != nil {
			s.logger.Warn("failed to resubscribe to job updates",
				zap.String("job_id", id), zap.Error(err))
		}
	}
	return ctrl, nil
}

// probe asks the backend whether a job still exists. Only a definitive
// "not found" reports the job gone; any other failure keeps it.
func (s *Supervisor) probe(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.Status(ctx, jobID)
	if errors.Is(err, backend.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mostRecentlyActive picks the next active job: latest LastActiveAt, ties
// broken by latest CreatedAt, then by id. Empty when no jobs remain.
func (s *Supervisor) mostRecentlyActive() string {
	var best workflow.Snapshot
	var found bool
	for _, ctrl := range s.snapshotControllers() {
		snap := ctrl.Snapshot()
		if !found || moreRecent(snap.Job, best.Job) {
			best = snap
			found = true
		}
	}
	if !found {
		return ""
	}
	return best.Job.ID
}

func moreRecent(a, b job.Job) bool {
	if !a.LastActiveAt.Equal(b.LastActiveAt) {
		return a.LastActiveAt.After(b.LastActiveAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// snapshotControllers copies the controller set out from under the lock.
func (s *Supervisor) snapshotControllers() []*workflow.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctrls := make([]*workflow.Controller, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		ctrls = append(ctrls, ctrl)
	}
	return ctrls
}

// activeCountLocked counts non-terminal jobs. Caller holds s.mu.
func (s *Supervisor) activeCountLocked() int {
	n := 0
	for _, ctrl := range s.controllers {
		if !ctrl.Snapshot().Job.Phase.Terminal() {
			n++
		}
	}
	return n
}
