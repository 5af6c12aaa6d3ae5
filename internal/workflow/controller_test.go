package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"docket/internal/analysis"
	"docket/internal/backend"
	"docket/internal/job"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient scripts the backend surface a controller talks to.
type fakeClient struct {
	mu sync.Mutex

	status    backend.Status
	statusErr error

	result    backend.Result
	resultErr error

	confirms   []backend.ConfirmIntakeRequest
	confirmErr error

	analyses    []backend.AnalysisRequest
	analysisErr error

	drafts   []backend.DraftRequest
	draftErr error

	retries  int
	retryErr error

	cancels   int
	cancelErr error

	runResults map[string]backend.ModelRunResponse
	runErrs    map[string]error
	runGate    chan struct{} // when set, RunModel blocks until the gate closes
}

func (f *fakeClient) Status(ctx context.Context, jobID string) (backend.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeClient) SubmitIntake(ctx context.Context, req backend.IntakeRequest) (backend.SubmitResponse, error) {
	return backend.SubmitResponse{JobID: "job-1"}, nil
}

func (f *fakeClient) ConfirmIntake(ctx context.Context, jobID string, req backend.ConfirmIntakeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, req)
	return f.confirmErr
}

func (f *fakeClient) StartAnalysis(ctx context.Context, jobID string, req backend.AnalysisRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses = append(f.analyses, req)
	return f.analysisErr
}

func (f *fakeClient) RunModel(ctx context.Context, jobID, backendID string) (backend.ModelRunResponse, error) {
	f.mu.Lock()
	gate := f.runGate
	res, ok := f.runResults[backendID]
	err := f.runErrs[backendID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.ModelRunResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return backend.ModelRunResponse{}, err
	}
	if !ok {
		return backend.ModelRunResponse{}, errors.New("no scripted result for " + backendID)
	}
	return res, nil
}

func (f *fakeClient) GenerateDraft(ctx context.Context, jobID string, req backend.DraftRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, req)
	return f.draftErr
}

func (f *fakeClient) Result(ctx context.Context, jobID string) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.resultErr
}

func (f *fakeClient) Retry(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retryErr
}

func (f *fakeClient) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakeClient) ChannelURL(jobID string) string {
	return "ws://127.0.0.1:0/jobs/" + jobID + "/updates"
}

func (f *fakeClient) confirmRequests() []backend.ConfirmIntakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.ConfirmIntakeRequest(nil), f.confirms...)
}

func (f *fakeClient) analysisRequests() []backend.AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.AnalysisRequest(nil), f.analyses...)
}

func (f *fakeClient) draftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drafts)
}

func (f *fakeClient) draftRequests() []backend.DraftRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.DraftRequest(nil), f.drafts...)
}

func (f *fakeClient) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

func (f *fakeClient) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func testBackends() []analysis.Backend {
	return []analysis.Backend{
		{ID: "counsel-pro", Label: "Counsel Pro"},
		{ID: "clause-scan", Label: "Clause Scan"},
		{ID: "brief-mind", Label: "Brief Mind"},
	}
}

func newTestController(phase job.Phase, fc *fakeClient) *Controller {
	j := job.Job{
		ID:        "job-1",
		Matter:    "NDA review for Acme Corp",
		Phase:     phase,
		CreatedAt: time.Now(),
	}
	return NewController(j, fc, testBackends(), zap.NewNop())
}

func phaseDone(c *Controller) {
	c.HandleEvent(job.NotificationEvent{
		JobID:            "job-1",
		NotificationType: job.NotifyPhaseCompleted,
		Timestamp:        time.Now(),
	})
}

func TestConfirmIntakePropagatesEdits(t *testing.T) {
	fc := &fakeClient{
		result: backend.Result{
			Phase: string(job.PhaseIntake),
			Fields: map[string]string{
				"party":          "Acme Corp",
				"counterparty":   "Globex LLC",
				"governing_term": "24 months",
			},
		},
	}
	c := newTestController(job.PhaseIntake, fc)
	phaseDone(c)

	proposed, err := c.Proposed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24 months", proposed.Field("governing_term"))

	edited := job.CopyFields(proposed.Fields)
	edited["governing_term"] = "36 months"

	res, err := c.ConfirmIntake(context.Background(), edited)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"governing_term"}, res.EditedFields)
	assert.Equal(t, "36 months", res.Field("governing_term"))
	assert.False(t, res.ConfirmedAt.IsZero())

	sent := fc.confirmRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, "36 months", sent[0].Fields["governing_term"])
	assert.Equal(t, []string{"governing_term"}, sent[0].EditedFields)

	snap := c.Snapshot()
	assert.Equal(t, job.PhaseDeepAnalysis, snap.Job.Phase)
	assert.Equal(t, 0, snap.Job.Progress)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, job.PhaseIntake, snap.Results[0].Phase)
}

func TestConfirmedResultIsImmutable(t *testing.T) {
	fc := &fakeClient{
		result: backend.Result{
			Phase:  string(job.PhaseIntake),
			Fields: map[string]string{"party": "Acme Corp"},
		},
	}
	c := newTestController(job.PhaseIntake, fc)
	phaseDone(c)

	fields := map[string]string{"party": "Acme Corp"}
	_, err := c.ConfirmIntake(context.Background(), fields)
	require.NoError(t, err)

	// Mutating the caller's map after confirmation must not reach the
	// recorded result.
	fields["party"] = "changed"
	snap := c.Snapshot()
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "Acme Corp", snap.Results[0].Field("party"))
}

func TestConfirmIntakeWhileProcessing(t *testing.T) {
	fc := &fakeClient{
		status: backend.Status{Status: string(job.PhaseIntake), Progress: 40},
	}
	c := newTestController(job.PhaseIntake, fc)

	_, err := c.ConfirmIntake(context.Background(), map[string]string{"party": "Acme"})
	require.ErrorIs(t, err, ErrPhaseNotReady)
	assert.Empty(t, fc.confirmRequests())
}

func TestConfirmIntakeRecoversMissedNotification(t *testing.T) {
	// The phase-completed notification never arrived (a polling gap), but
	// the backend says intake finished. Confirmation must still work.
	fc := &fakeClient{
		status: backend.Status{Status: string(job.PhaseIntake), Progress: 100},
		result: backend.Result{
			Phase:  string(job.PhaseIntake),
			Fields: map[string]string{"party": "Acme"},
		},
	}
	c := newTestController(job.PhaseIntake, fc)

	res, err := c.ConfirmIntake(context.Background(), map[string]string{"party": "Acme"})
	require.NoError(t, err)
	assert.Empty(t, res.EditedFields)
}

func TestConfirmIntakeWrongPhase(t *testing.T) {
	c := newTestController(job.PhaseDeepAnalysis, &fakeClient{})
	_, err := c.ConfirmIntake(context.Background(), map[string]string{"party": "Acme"})
	require.ErrorIs(t, err, ErrPhaseOrder)
}

func TestStartAnalysisRequiresConfirmedIntake(t *testing.T) {
	c := newTestController(job.PhaseIntake, &fakeClient{})
	err := c.StartAnalysis(context.Background(), job.ModeMulti)
	require.ErrorIs(t, err, ErrNotConfirmed)
}

func TestStartAnalysisWrongPhase(t *testing.T) {
	c := newTestController(job.PhaseDraftGeneration, &fakeClient{})
	err := c.StartAnalysis(context.Background(), job.ModeSingle)
	require.ErrorIs(t, err, ErrPhaseOrder)
}

func TestStartAnalysisSingleMode(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.NoError(t, c.StartAnalysis(context.Background(), job.ModeSingle))

	reqs := fc.analysisRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "single", reqs[0].Mode)
	assert.Empty(t, reqs[0].Backends)

	assert.Nil(t, c.Runs(), "single mode has no model runs to track")
	assert.Equal(t, job.ModeSingle, c.Snapshot().Job.AnalysisMode)
}

func TestStartAnalysisMultiFanOut(t *testing.T) {
	fc := &fakeClient{
		runResults: map[string]backend.ModelRunResponse{
			"counsel-pro": {Backend: "counsel-pro", Findings: 14, RiskCount: 3, Confidence: 0.92, HeadlineScore: 72},
			"clause-scan": {Backend: "clause-scan", Findings: 9, RiskCount: 2, Confidence: 0.88, HeadlineScore: 68},
			"brief-mind":  {Backend: "brief-mind", Findings: 11, RiskCount: 4, Confidence: 0.95, HeadlineScore: 75},
		},
	}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.NoError(t, c.StartAnalysis(context.Background(), job.ModeMulti))

	reqs := fc.analysisRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "multi", reqs[0].Mode)
	assert.Equal(t, []string{"counsel-pro", "clause-scan", "brief-mind"}, reqs[0].Backends)

	runs := c.Runs()
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, analysis.RunCompleted, r.Status, "backend %s", r.Backend.ID)
		require.NotNil(t, r.Result)
	}

	cmp := c.Comparison()
	require.NotNil(t, cmp)
	assert.Equal(t, 3, cmp.Completed)
	assert.Equal(t, 0, cmp.Failed)
	require.NotNil(t, cmp.Consensus)
	assert.InDelta(t, 95.11, *cmp.Consensus, 0.01)
}

func TestStartAnalysisSurvivesOneFailure(t *testing.T) {
	fc := &fakeClient{
		runResults: map[string]backend.ModelRunResponse{
			"counsel-pro": {Backend: "counsel-pro", Findings: 14, HeadlineScore: 72},
			"brief-mind":  {Backend: "brief-mind", Findings: 11, HeadlineScore: 75},
		},
		runErrs: map[string]error{
			"clause-scan": errors.New("model backend timeout"),
		},
	}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.NoError(t, c.StartAnalysis(context.Background(), job.ModeMulti),
		"one failed run must not fail the phase")

	cmp := c.Comparison()
	require.NotNil(t, cmp)
	assert.Equal(t, 2, cmp.Completed)
	assert.Equal(t, 1, cmp.Failed)
	assert.NotEqual(t, job.PhaseFailed, c.Snapshot().Job.Phase)
}

func TestStartAnalysisAllRunsFailed(t *testing.T) {
	boom := errors.New("model backend unavailable")
	fc := &fakeClient{
		runErrs: map[string]error{
			"counsel-pro": boom,
			"clause-scan": boom,
			"brief-mind":  boom,
		},
	}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	err := c.StartAnalysis(context.Background(), job.ModeMulti)
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, job.PhaseFailed, snap.Job.Phase)
	assert.Equal(t, job.PhaseDeepAnalysis, snap.Job.FailedPhase)
}

func TestAnalysisEventsRouteToRuns(t *testing.T) {
	gate := make(chan struct{})
	fc := &fakeClient{
		runResults: map[string]backend.ModelRunResponse{
			"counsel-pro": {Backend: "counsel-pro", HeadlineScore: 72},
			"clause-scan": {Backend: "clause-scan", HeadlineScore: 68},
			"brief-mind":  {Backend: "brief-mind", HeadlineScore: 75},
		},
		runGate: gate,
	}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	done := make(chan error, 1)
	go func() { done <- c.StartAnalysis(context.Background(), job.ModeMulti) }()

	require.Eventually(t, func() bool { return len(c.Runs()) == 3 },
		2*time.Second, 5*time.Millisecond)

	c.HandleEvent(job.ProgressEvent{
		JobID:        "job-1",
		Progress:     40,
		Node:         "clause-scan",
		NodeProgress: 60,
		Timestamp:    time.Now(),
	})

	var found bool
	for _, r := range c.Runs() {
		if r.Backend.ID == "clause-scan" {
			found = true
			assert.Equal(t, 60, r.Progress)
			assert.Equal(t, analysis.RunRunning, r.Status)
		}
	}
	require.True(t, found)
	assert.Equal(t, 40, c.Snapshot().Job.Progress, "job-level progress moves with the event")

	close(gate)
	require.NoError(t, <-done)
}

func TestGenerateDraftGatedOnAnalysis(t *testing.T) {
	fc := &fakeClient{
		status: backend.Status{Status: string(job.PhaseDeepAnalysis), Progress: 55},
	}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	err := c.GenerateDraft(context.Background())
	require.ErrorIs(t, err, ErrPhaseNotReady)
	assert.Zero(t, fc.draftCount())

	phaseDone(c)

	require.NoError(t, c.GenerateDraft(context.Background()))
	assert.Equal(t, 1, fc.draftCount())

	snap := c.Snapshot()
	assert.Equal(t, job.PhaseDraftGeneration, snap.Job.Phase)
	assert.Equal(t, 0, snap.Job.Progress)
}

func TestGenerateDraftWrongPhase(t *testing.T) {
	c := newTestController(job.PhaseIntake, &fakeClient{})
	err := c.GenerateDraft(context.Background())
	require.ErrorIs(t, err, ErrPhaseOrder)
}

func TestPhaseCallsCarrySelectors(t *testing.T) {
	fc := &fakeClient{
		result: backend.Result{
			Phase:  string(job.PhaseIntake),
			Fields: map[string]string{"party": "Acme Corp"},
		},
	}
	j := job.Job{
		ID:       "job-1",
		Matter:   "NDA review for Acme Corp",
		Role:     "customer",
		Scenario: "saas_default",
		Phase:    job.PhaseIntake,
	}
	c := NewController(j, fc, testBackends(), nil)
	phaseDone(c)

	res, err := c.ConfirmIntake(context.Background(), map[string]string{"party": "Acme Corp"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	confirms := fc.confirmRequests()
	require.Len(t, confirms, 1)
	assert.Equal(t, "customer", confirms[0].Role)
	assert.Equal(t, "saas_default", confirms[0].Scenario)

	require.NoError(t, c.StartAnalysis(context.Background(), job.ModeSingle))
	analyses := fc.analysisRequests()
	require.Len(t, analyses, 1)
	assert.Equal(t, "customer", analyses[0].Role)
	assert.Equal(t, "saas_default", analyses[0].Scenario)
	assert.Equal(t, "Acme Corp", analyses[0].Fields["party"],
		"analysis starts from the confirmed intake fields")

	phaseDone(c)
	require.NoError(t, c.GenerateDraft(context.Background()))
	drafts := fc.draftRequests()
	require.Len(t, drafts, 1)
	assert.Equal(t, "customer", drafts[0].Role)
	assert.Equal(t, "saas_default", drafts[0].Scenario)
}

func TestRetryReturnsToFailedPhase(t *testing.T) {
	fc := &fakeClient{}
	j := job.Job{
		ID:          "job-1",
		Matter:      "NDA review",
		Phase:       job.PhaseFailed,
		FailedPhase: job.PhaseDeepAnalysis,
	}
	c := NewController(j, fc, testBackends(), nil)

	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, 1, fc.retryCount())

	snap := c.Snapshot()
	assert.Equal(t, job.PhaseDeepAnalysis, snap.Job.Phase)
	assert.Empty(t, string(snap.Job.FailedPhase))
	assert.Equal(t, 0, snap.Job.Progress)
}

func TestRetryRequiresFailedJob(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(job.PhaseDeepAnalysis, fc)
	err := c.Retry(context.Background())
	require.ErrorIs(t, err, ErrPhaseOrder)
	assert.Zero(t, fc.retryCount())
}

func TestCancelIsIdempotent(t *testing.T) {
	fc := &fakeClient{}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, job.PhaseCancelled, c.Snapshot().Job.Phase)

	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, 1, fc.cancelCount(), "terminal jobs are not re-cancelled")
}

func TestCancelStaleJob(t *testing.T) {
	fc := &fakeClient{cancelErr: backend.ErrJobNotFound}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.NoError(t, c.Cancel(context.Background()),
		"a job the backend forgot is treated as cancelled")
	assert.Equal(t, job.PhaseCancelled, c.Snapshot().Job.Phase)
}

func TestCancelBackendFailure(t *testing.T) {
	fc := &fakeClient{cancelErr: errors.New("backend down")}
	c := newTestController(job.PhaseDeepAnalysis, fc)

	require.Error(t, c.Cancel(context.Background()))
	assert.Equal(t, job.PhaseDeepAnalysis, c.Snapshot().Job.Phase,
		"failed cancel leaves the job untouched")
}

func TestHandleEventLifecycle(t *testing.T) {
	c := newTestController(job.PhaseDeepAnalysis, &fakeClient{})

	c.HandleEvent(job.ProgressEvent{
		JobID:     "job-1",
		Progress:  62,
		Message:   "reviewing indemnity clauses",
		Timestamp: time.Now(),
	})
	snap := c.Snapshot()
	assert.Equal(t, 62, snap.Job.Progress)
	assert.Equal(t, "reviewing indemnity clauses", snap.Job.Message)

	c.HandleEvent(job.NotificationEvent{
		JobID:            "job-1",
		NotificationType: job.NotifyFailed,
		Message:          "model backend unavailable",
		Timestamp:        time.Now(),
	})
	snap = c.Snapshot()
	assert.Equal(t, job.PhaseFailed, snap.Job.Phase)
	assert.Equal(t, job.PhaseDeepAnalysis, snap.Job.FailedPhase)

	// Stragglers after the terminal notification are dropped.
	c.HandleEvent(job.ProgressEvent{JobID: "job-1", Progress: 99, Timestamp: time.Now()})
	assert.Equal(t, 62, c.Snapshot().Job.Progress)

	// The first terminal transition wins.
	c.HandleEvent(job.NotificationEvent{
		JobID:            "job-1",
		NotificationType: job.NotifyCompleted,
		Timestamp:        time.Now(),
	})
	assert.Equal(t, job.PhaseFailed, c.Snapshot().Job.Phase)
}

func TestHandleEventCompletion(t *testing.T) {
	c := newTestController(job.PhaseDraftGeneration, &fakeClient{})
	c.HandleEvent(job.NotificationEvent{
		JobID:            "job-1",
		NotificationType: job.NotifyCompleted,
		Message:          "draft ready",
		Timestamp:        time.Now(),
	})

	snap := c.Snapshot()
	assert.Equal(t, job.PhaseCompleted, snap.Job.Phase)
	assert.Equal(t, 100, snap.Job.Progress)
	assert.Equal(t, "draft ready", snap.Job.Message)
}

func TestHandleEventConnState(t *testing.T) {
	c := newTestController(job.PhaseDeepAnalysis, &fakeClient{})

	var mu sync.Mutex
	var seen []Snapshot
	c.SetOnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c.HandleEvent(job.StateEvent{JobID: "job-1", State: job.StateConnected, Timestamp: time.Now()})
	assert.Equal(t, job.StateConnected, c.Snapshot().ConnState)

	c.HandleEvent(job.StateEvent{JobID: "job-1", State: job.StatePolling, Timestamp: time.Now()})
	assert.Equal(t, job.StatePolling, c.Snapshot().ConnState)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, job.StateConnected, seen[0].ConnState)
	assert.Equal(t, job.StatePolling, seen[1].ConnState)
}

func TestSnapshotIsDetached(t *testing.T) {
	fc := &fakeClient{
		result: backend.Result{
			Phase:  string(job.PhaseIntake),
			Fields: map[string]string{"party": "Acme"},
		},
	}
	c := newTestController(job.PhaseIntake, fc)
	phaseDone(c)

	_, err := c.ConfirmIntake(context.Background(), map[string]string{"party": "Acme"})
	require.NoError(t, err)

	snap := c.Snapshot()
	snap.Job.Progress = 77
	snap.Results[0] = job.PhaseResult{}

	fresh := c.Snapshot()
	assert.NotEqual(t, 77, fresh.Job.Progress)
	assert.Equal(t, "Acme", fresh.Results[0].Field("party"))
}
