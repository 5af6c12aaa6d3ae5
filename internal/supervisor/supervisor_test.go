package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"docket/internal/backend"
	"docket/internal/config"
	"docket/internal/job"
	"docket/internal/store"
	"docket/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient mints job ids on submit and serves scripted per-job statuses.
// Unknown ids answer ErrJobNotFound, like the real backend.
type fakeClient struct {
	mu         sync.Mutex
	nextID     int
	submits    []backend.IntakeRequest
	statuses   map[string]backend.Status
	statusErrs map[string]error
	cancels    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses:   make(map[string]backend.Status),
		statusErrs: make(map[string]error),
	}
}

func (f *fakeClient) SubmitIntake(ctx context.Context, req backend.IntakeRequest) (backend.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.submits = append(f.submits, req)
	f.statuses[id] = backend.Status{Status: string(job.PhaseIntake), Progress: 10}
	return backend.SubmitResponse{JobID: id}, nil
}

func (f *fakeClient) Status(ctx context.Context, jobID string) (backend.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.statusErrs[jobID]; ok {
		return backend.Status{}, err
	}
	st, ok := f.statuses[jobID]
	if !ok {
		return backend.Status{}, backend.ErrJobNotFound
	}
	return st, nil
}

func (f *fakeClient) setStatus(jobID string, st backend.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = st
}

func (f *fakeClient) setStatusErr(jobID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErrs[jobID] = err
}

func (f *fakeClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeClient) ConfirmIntake(ctx context.Context, jobID string, req backend.ConfirmIntakeRequest) error {
	return nil
}

func (f *fakeClient) StartAnalysis(ctx context.Context, jobID string, req backend.AnalysisRequest) error {
	return nil
}

func (f *fakeClient) RunModel(ctx context.Context, jobID, backendID string) (backend.ModelRunResponse, error) {
	return backend.ModelRunResponse{Backend: backendID}, nil
}

func (f *fakeClient) GenerateDraft(ctx context.Context, jobID string, req backend.DraftRequest) error {
	return nil
}

func (f *fakeClient) Result(ctx context.Context, jobID string) (backend.Result, error) {
	return backend.Result{Phase: string(job.PhaseIntake)}, nil
}

func (f *fakeClient) Retry(ctx context.Context, jobID string) error {
	return nil
}

func (f *fakeClient) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeClient) ChannelURL(jobID string) string {
	// Never dialed: tests run with the reconnect attempt ceiling at zero,
	// so every handle goes straight to polling.
	return "ws://127.0.0.1:0/jobs/" + jobID + "/updates"
}

func testConfig(ceiling int) *config.Config {
	cfg := config.Default()
	cfg.Limits.MaxActiveJobs = ceiling
	cfg.Transport = config.TransportConfig{
		BaseReconnectDelay:   "10ms",
		MaxReconnectDelay:    "40ms",
		MaxReconnectAttempts: 0,
		HeartbeatInterval:    "200ms",
		PollInterval:         "20ms",
		HandshakeTimeout:     "100ms",
	}
	return cfg
}

func newTestSupervisor(t *testing.T, ceiling int, fc *fakeClient) (*Supervisor, *store.SessionStore) {
	t.Helper()
	cfg := testConfig(ceiling)
	session := store.NewSessionStore(store.NewMemory(), time.Hour, ceiling, nil)
	tm := transport.New(cfg.Transport, fc, nil)
	sup := New(cfg, fc, tm, session, nil)
	t.Cleanup(sup.Close)
	return sup, session
}

func mustCreate(t *testing.T, sup *Supervisor, matter string) string {
	t.Helper()
	ctrl, err := sup.Create(context.Background(), backend.IntakeRequest{Matter: matter})
	require.NoError(t, err)
	return ctrl.JobID()
}

func TestCreateTracksAndPersists(t *testing.T) {
	fc := newFakeClient()
	sup, session := newTestSupervisor(t, 5, fc)

	id1 := mustCreate(t, sup, "NDA review for Acme")
	id2 := mustCreate(t, sup, "MSA renewal for Globex")

	assert.Equal(t, id2, sup.ActiveID(), "newest job becomes active")

	snaps := sup.List()
	require.Len(t, snaps, 2)
	assert.Equal(t, id1, snaps[0].Job.ID)
	assert.Equal(t, "NDA review for Acme", snaps[0].Job.Matter)
	assert.Equal(t, job.PhaseIntake, snaps[0].Job.Phase)

	rec, err := session.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{id1, id2}, rec.ActiveJobIDs)
	assert.Equal(t, id2, rec.LastActiveJobID)
}

func TestCreateRefusedAtCeiling(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 2, fc)

	mustCreate(t, sup, "matter one")
	mustCreate(t, sup, "matter two")

	_, err := sup.Create(context.Background(), backend.IntakeRequest{Matter: "one too many"})
	require.ErrorIs(t, err, ErrCeilingReached)

	assert.Len(t, sup.List(), 2, "refused create must not change the job count")
	assert.Equal(t, 2, fc.submitCount(), "refused create must not reach the backend")
}

func TestCeilingCountsOnlyActiveJobs(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 2, fc)

	id1 := mustCreate(t, sup, "matter one")
	mustCreate(t, sup, "matter two")

	ctrl, ok := sup.Get(id1)
	require.True(t, ok)
	ctrl.HandleEvent(job.NotificationEvent{
		JobID:            id1,
		NotificationType: job.NotifyCompleted,
		Timestamp:        time.Now(),
	})

	// One slot freed up: terminal jobs do not count toward the ceiling.
	mustCreate(t, sup, "matter three")

	counts := sup.Counts()
	assert.Equal(t, 2, counts.InProgress)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 3, counts.Total())
}

func TestRemoveOnlyJobClearsActive(t *testing.T) {
	fc := newFakeClient()
	sup, session := newTestSupervisor(t, 5, fc)

	id := mustCreate(t, sup, "lone matter")
	require.Equal(t, id, sup.ActiveID())

	require.NoError(t, sup.Remove(id))

	assert.Empty(t, sup.ActiveID())
	assert.Empty(t, sup.List())
	assert.Zero(t, sup.Counts().Total())

	rec, err := session.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.ActiveJobIDs)
	assert.Empty(t, rec.LastActiveJobID)
}

func TestRemoveUnknownJobIsNoop(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)
	require.NoError(t, sup.Remove("job-nope"))
}

func TestRemovePicksMostRecentlyActive(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)

	id1 := mustCreate(t, sup, "first")
	time.Sleep(2 * time.Millisecond)
	id2 := mustCreate(t, sup, "second")
	time.Sleep(2 * time.Millisecond)
	id3 := mustCreate(t, sup, "third")

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, sup.SwitchTo(id1))
	require.Equal(t, id1, sup.ActiveID())

	// id1 was touched last, then id3, then id2.
	require.NoError(t, sup.Remove(id1))
	assert.Equal(t, id3, sup.ActiveID())

	require.NoError(t, sup.Remove(id3))
	assert.Equal(t, id2, sup.ActiveID())
}

func TestRemoveInactiveKeepsActive(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)

	id1 := mustCreate(t, sup, "first")
	id2 := mustCreate(t, sup, "second")

	require.NoError(t, sup.Remove(id1))
	assert.Equal(t, id2, sup.ActiveID(), "removing an inactive job keeps the active one")
}

func TestSwitchToUnknownJob(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)
	require.ErrorIs(t, sup.SwitchTo("job-nope"), ErrUnknownJob)
}

func TestCountsAreDerived(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)

	id1 := mustCreate(t, sup, "one")
	id2 := mustCreate(t, sup, "two")
	mustCreate(t, sup, "three")

	ctrl1, _ := sup.Get(id1)
	ctrl1.HandleEvent(job.NotificationEvent{
		JobID: id1, NotificationType: job.NotifyCompleted, Timestamp: time.Now(),
	})
	ctrl2, _ := sup.Get(id2)
	ctrl2.HandleEvent(job.NotificationEvent{
		JobID: id2, NotificationType: job.NotifyFailed, Timestamp: time.Now(),
	})

	counts := sup.Counts()
	assert.Equal(t, 1, counts.InProgress)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 0, counts.Cancelled)
}

func TestRestartAnalysisCreatesNewJob(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)

	ctrl1, err := sup.Create(context.Background(), backend.IntakeRequest{
		Matter:   "NDA review",
		Role:     "receiving",
		Scenario: "mutual_nda",
	})
	require.NoError(t, err)
	id1 := ctrl1.JobID()
	ctrl1.HandleEvent(job.NotificationEvent{
		JobID: id1, NotificationType: job.NotifyFailed, Timestamp: time.Now(),
	})

	fresh, err := sup.RestartAnalysis(context.Background(), id1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, fresh.JobID(), "restart mints a new job, never re-enters a phase")

	snaps := sup.List()
	require.Len(t, snaps, 2, "the failed job stays in the history")
	snap := fresh.Snapshot()
	assert.Equal(t, "NDA review", snap.Job.Matter)
	assert.Equal(t, "receiving", snap.Job.Role, "restart keeps the original selectors")
	assert.Equal(t, "mutual_nda", snap.Job.Scenario)
	assert.Equal(t, job.PhaseIntake, snap.Job.Phase)
}

func TestRestartAnalysisUnknownJob(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)
	_, err := sup.RestartAnalysis(context.Background(), "job-nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRestoreDropsStaleJobs(t *testing.T) {
	fc := newFakeClient()
	fc.setStatus("job-1", backend.Status{Status: string(job.PhaseIntake), Progress: 40})
	fc.setStatus("job-2", backend.Status{Status: string(job.PhaseDeepAnalysis), Progress: 70, Message: "clause review"})
	// job-3 has no scripted status: the backend answers "not found".

	sup, session := newTestSupervisor(t, 5, fc)
	require.NoError(t, session.Add("job-1"))
	require.NoError(t, session.Add("job-2"))
	require.NoError(t, session.Add("job-3"))
	require.NoError(t, session.UpdateLastActive("job-2"))

	restored, err := sup.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 2)

	assert.Equal(t, "job-2", sup.ActiveID())

	ctrl, ok := sup.Get("job-2")
	require.True(t, ok)
	snap := ctrl.Snapshot()
	assert.Equal(t, job.PhaseDeepAnalysis, snap.Job.Phase)
	assert.Equal(t, 70, snap.Job.Progress)
	assert.Equal(t, "clause review", snap.Job.Message)

	_, ok = sup.Get("job-3")
	assert.False(t, ok)

	// The stale id must not reappear on a later load.
	rec, err := session.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"job-1", "job-2"}, rec.ActiveJobIDs)
}

func TestRestoreSkipsTransportForTerminalJobs(t *testing.T) {
	fc := newFakeClient()
	fc.setStatus("job-1", backend.Status{Status: string(job.PhaseCompleted), Progress: 100})

	sup, session := newTestSupervisor(t, 5, fc)
	require.NoError(t, session.Add("job-1"))

	restored, err := sup.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, job.PhaseCompleted, restored[0].Job.Phase)

	counts := sup.Counts()
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 0, counts.InProgress)
}

func TestRestoreProbeErrorKeepsJob(t *testing.T) {
	fc := newFakeClient()
	fc.setStatusErr("job-1", errors.New("backend down"))

	sup, session := newTestSupervisor(t, 5, fc)
	require.NoError(t, session.Add("job-1"))

	restored, err := sup.Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, restored, "a job that cannot be probed is not restored")

	// But it stays persisted: only a definitive "not found" drops state.
	rec, err := session.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"job-1"}, rec.ActiveJobIDs)
}

func TestRestoreEmptySession(t *testing.T) {
	fc := newFakeClient()
	sup, _ := newTestSupervisor(t, 5, fc)

	restored, err := sup.Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, restored)
	assert.Empty(t, sup.List())
}

func TestRestoreExpiredSessionStartsFresh(t *testing.T) {
	fc := newFakeClient()
	fc.setStatus("job-1", backend.Status{Status: string(job.PhaseIntake)})

	cfg := testConfig(5)
	session := store.NewSessionStore(store.NewMemory(), time.Millisecond, 5, nil)
	tm := transport.New(cfg.Transport, fc, nil)
	sup := New(cfg, fc, tm, session, nil)
	t.Cleanup(sup.Close)

	require.NoError(t, session.Add("job-1"))
	time.Sleep(10 * time.Millisecond)

	restored, err := sup.Restore(context.Background())
	require.NoError(t, err, "an expired session is a fresh start, not an error")
	assert.Empty(t, restored)
	assert.Empty(t, sup.List())
}
