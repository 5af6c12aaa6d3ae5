package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"docket/cmd/docket/ui"
	"docket/internal/backend"
	"docket/internal/job"
	"docket/internal/workflow"
)

var (
	// submit flags
	submitMatter   string
	submitRole     string
	submitScenario string

	// confirm flags
	confirmSets []string

	// analyze flags
	analyzeMode string
)

// submitCmd creates a new job from a document
var submitCmd = &cobra.Command{
	Use:   "submit [document]",
	Short: "Submit a document for intake",
	Long: `Submits a document to the backend and streams the intake extraction
progress. When extraction finishes, review the proposed fields with
'docket confirm'.

Example:
  docket submit nda.txt --matter "NDA review for Acme" --role receiving`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

// confirmCmd confirms the intake result, with optional field edits
var confirmCmd = &cobra.Command{
	Use:   "confirm [job-id]",
	Short: "Confirm the extracted intake fields",
	Long: `Confirms the intake result and advances the job to deep analysis.
Fields may be corrected before confirming:

  docket confirm job-42 --set governing_term="36 months" --set party="Acme Corp"

Without a job id the active job is confirmed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfirm,
}

// analyzeCmd starts the deep-analysis phase
var analyzeCmd = &cobra.Command{
	Use:   "analyze [job-id]",
	Short: "Start deep analysis on a confirmed intake",
	Long: `Starts the deep-analysis phase. In single mode the backend runs its
default model and progress streams to the terminal. In multi mode every
configured model back-end analyzes the document concurrently and the
outcomes are compared:

  docket analyze job-42 --mode multi`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

// draftCmd explicitly requests draft generation
var draftCmd = &cobra.Command{
	Use:   "draft [job-id]",
	Short: "Generate the draft from a finished analysis",
	Long: `Starts draft generation. Requesting the draft is the explicit
acceptance of the analysis result; drafting never starts on its own.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDraft,
}

// showCmd fetches and renders a job's current result
var showCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a job's current result",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

// jobsCmd lists the session's jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs in this session",
	RunE:  runJobs,
}

// switchCmd changes the active job
var switchCmd = &cobra.Command{
	Use:   "switch [job-id]",
	Short: "Make another job the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

// removeCmd drops a job from the session
var removeCmd = &cobra.Command{
	Use:   "remove [job-id]",
	Short: "Stop tracking a job",
	Long: `Removes a job from the session and tears down its live update
subscription. The backend job itself is not cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

// cancelCmd cancels a job on the backend
var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a running job",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCancel,
}

// retryCmd retries the failed phase of a job
var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Retry the phase a failed job stopped in",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRetry,
}

// resumeCmd restores the persisted session
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the persisted session",
	Long: `Loads the session persisted by earlier invocations, drops jobs the
backend no longer knows, and reattaches live updates to the survivors.`,
	RunE: runResume,
}

// watchCmd opens the live dashboard
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch all jobs in a live dashboard",
	Long: `Opens a full-screen dashboard with one row per job and a row per
model run during multi-model analysis. Quitting the dashboard does not
cancel any job.`,
	RunE: runWatch,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	matter := submitMatter
	if matter == "" {
		base := filepath.Base(path)
		matter = strings.TrimSuffix(base, filepath.Ext(base))
	}

	ctrl, err := app.sup.Create(ctx, backend.IntakeRequest{
		Matter:       matter,
		DocumentText: string(data),
		DocumentPath: path,
		Role:         submitRole,
		Scenario:     submitScenario,
	})
	if err != nil {
		return err
	}

	fmt.Printf("job %s created\n", ctrl.JobID())
	if err := streamPhase(ctx, ctrl); err != nil {
		return err
	}
	fmt.Printf("review the extracted fields with 'docket confirm %s'\n", ctrl.JobID())
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	ctrl, err := resolveJob(args)
	if err != nil {
		return err
	}

	proposed, err := ctrl.Proposed(ctx)
	if err != nil {
		return err
	}
	fields := job.CopyFields(proposed.Fields)
	if fields == nil {
		fields = make(map[string]string)
	}
	for _, set := range confirmSets {
		name, value, ok := strings.Cut(set, "=")
		if !ok || name == "" {
			return fmt.Errorf("--set %q must be field=value", set)
		}
		fields[name] = value
	}

	res, err := ctrl.ConfirmIntake(ctx, fields)
	if err != nil {
		if errors.Is(err, workflow.ErrPhaseNotReady) {
			return fmt.Errorf("intake of job %s is still processing; wait for it to finish", ctrl.JobID())
		}
		return err
	}

	fmt.Printf("intake confirmed for job %s\n\n", ctrl.JobID())
	fmt.Println(ui.RenderFields(res.Fields, res.EditedFields))
	fmt.Printf("start analysis with 'docket analyze %s'\n", ctrl.JobID())
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	ctrl, err := resolveJob(args)
	if err != nil {
		return err
	}
	mode, err := job.ParseAnalysisMode(analyzeMode)
	if err != nil {
		return err
	}

	if mode == job.ModeMulti {
		return runMultiAnalysis(ctx, ctrl)
	}

	if err := ctrl.StartAnalysis(ctx, mode); err != nil {
		return err
	}
	fmt.Printf("deep analysis started for job %s\n", ctrl.JobID())
	if err := streamPhase(ctx, ctrl); err != nil {
		return err
	}
	fmt.Printf("generate the draft with 'docket draft %s'\n", ctrl.JobID())
	return nil
}

// runMultiAnalysis fans the analysis out across every configured model
// back-end and blocks until the comparison is in.
func runMultiAnalysis(ctx context.Context, ctrl *workflow.Controller) error {
	ctrl.SetOnChange(func(snap workflow.Snapshot) {
		running := 0
		for _, r := range snap.Runs {
			if !r.Status.Terminal() {
				running++
			}
		}
		fmt.Printf("\roverall %3d%%  %d of %d runs in flight   ",
			snap.Job.Progress, running, len(snap.Runs))
	})
	err := ctrl.StartAnalysis(ctx, job.ModeMulti)
	ctrl.SetOnChange(nil)
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Println(ui.RenderRunsTable(ctrl.Runs()))
	fmt.Println(ui.RenderComparison(ctrl.Comparison()))
	fmt.Printf("generate the draft with 'docket draft %s'\n", ctrl.JobID())
	return nil
}

func runDraft(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	ctrl, err := resolveJob(args)
	if err != nil {
		return err
	}

	if err := ctrl.GenerateDraft(ctx); err != nil {
		if errors.Is(err, workflow.ErrPhaseNotReady) {
			return fmt.Errorf("analysis of job %s has not finished; check 'docket jobs' and try again", ctrl.JobID())
		}
		return err
	}

	fmt.Printf("draft generation started for job %s\n", ctrl.JobID())
	if err := streamPhase(ctx, ctrl); err != nil {
		return err
	}
	fmt.Printf("view the draft with 'docket show %s'\n", ctrl.JobID())
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	var jobID string
	if len(args) > 0 {
		jobID = args[0]
	} else if ctrl, ok := app.sup.Active(); ok {
		jobID = ctrl.JobID()
	} else {
		return errors.New("no active job (pass a job id or run 'docket jobs')")
	}

	res, err := app.client.Result(ctx, jobID)
	if err != nil {
		if errors.Is(err, backend.ErrJobNotFound) {
			return fmt.Errorf("the backend no longer knows job %s", jobID)
		}
		return err
	}

	fmt.Printf("job %s · %s\n\n", jobID, res.Phase)
	if len(res.Fields) > 0 {
		fmt.Println(ui.RenderFields(res.Fields, nil))
	}
	if res.Markdown != "" {
		out, rerr := renderMarkdown(res.Markdown)
		if rerr != nil {
			out = res.Markdown
		}
		fmt.Print(out)
	}
	if ctrl, ok := app.sup.Get(jobID); ok {
		if cmp := ctrl.Comparison(); cmp != nil {
			fmt.Println(ui.RenderComparison(cmp))
		}
	}
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	snaps := app.sup.List()
	if len(snaps) == 0 {
		fmt.Println("no jobs in this session")
		return nil
	}
	fmt.Println(ui.RenderJobsTable(snaps, app.sup.ActiveID()))
	fmt.Println(ui.RenderCounts(app.sup.Counts()))
	return nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	if err := app.sup.SwitchTo(args[0]); err != nil {
		return err
	}
	fmt.Printf("active job is now %s\n", args[0])
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	if err := app.sup.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("job %s removed\n", args[0])
	if next := app.sup.ActiveID(); next != "" {
		fmt.Printf("active job is now %s\n", next)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	ctrl, err := resolveJob(args)
	if err != nil {
		return err
	}
	if err := ctrl.Cancel(ctx); err != nil {
		return err
	}
	fmt.Printf("job %s cancelled\n", ctrl.JobID())
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	ctrl, err := resolveJob(args)
	if err != nil {
		return err
	}
	if err := ctrl.Retry(ctx); err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	fmt.Printf("job %s retrying phase %s\n", ctrl.JobID(), snap.Job.Phase)
	return streamPhase(ctx, ctrl)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	snaps, err := app.restore(ctx)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no session to resume (or it expired)")
		return nil
	}

	fmt.Printf("resumed %d job(s)\n\n", len(snaps))
	fmt.Println(ui.RenderJobsTable(snaps, app.sup.ActiveID()))
	fmt.Println(ui.RenderCounts(app.sup.Counts()))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if _, err := app.restore(ctx); err != nil {
		return err
	}

	if len(app.sup.List()) == 0 {
		fmt.Println("no jobs to watch")
		return nil
	}
	return ui.RunWatch(app.sup)
}

// resolveJob picks the job a verb operates on: an explicit id argument,
// otherwise the active job.
func resolveJob(args []string) (*workflow.Controller, error) {
	if len(args) > 0 {
		return lookupJob(args[0])
	}
	if ctrl, ok := app.sup.Active(); ok {
		return ctrl, nil
	}
	return nil, errors.New("no active job (pass a job id or run 'docket jobs')")
}

func lookupJob(id string) (*workflow.Controller, error) {
	ctrl, ok := app.sup.Get(id)
	if !ok {
		return nil, fmt.Errorf("job %s is not in this session (try 'docket jobs')", id)
	}
	return ctrl, nil
}

// streamPhase prints progress lines for the controller's current phase
// until the phase finishes, the job ends, or the operator interrupts.
// An interrupt only detaches the terminal; the job keeps running.
func streamPhase(ctx context.Context, ctrl *workflow.Controller) error {
	done := make(chan workflow.Snapshot, 1)
	var once sync.Once
	report := func(snap workflow.Snapshot) {
		fmt.Printf("\r%-18s %3d%%  %-40s", snap.Job.Phase, snap.Job.Progress, snap.Job.Message)
		if snap.Job.Phase.Terminal() || snap.Job.Progress >= 100 || snap.ConnState == job.StateTerminal {
			once.Do(func() { done <- snap })
		}
	}
	ctrl.SetOnChange(report)
	defer ctrl.SetOnChange(nil)
	// The phase may already be done; events only arrive on change.
	report(ctrl.Snapshot())

	select {
	case snap := <-done:
		fmt.Println()
		if snap.Job.Phase == job.PhaseFailed {
			return fmt.Errorf("job failed in phase %s: %s", snap.Job.FailedPhase, snap.Job.Message)
		}
		return nil
	case <-ctx.Done():
		fmt.Printf("\ndetached; job %s keeps running\n", ctrl.JobID())
		return nil
	}
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
