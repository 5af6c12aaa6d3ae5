// Package backend is the client for the assistant's black-box job API: job
// submission, phase confirmation, status/result queries, and the address of
// the per-job live update channel.
//
// Status and result calls are idempotent-safe to re-query. Submission calls
// are never retried here; retry is an explicit operator action at the
// workflow layer.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrJobNotFound is returned when the backend reports a job unknown or
// expired (HTTP 404/410). Callers restoring persisted sessions treat it as
// a stale-session signal and silently drop the id.
var ErrJobNotFound = errors.New("job not found")

// Status is the response of the status endpoint, also the shape the polling
// fallback synthesizes progress events from.
type Status struct {
	Status       string `json:"status"` // phase name, including terminal phases
	Progress     int    `json:"progress"`
	CurrentNode  string `json:"current_node,omitempty"`
	NodeProgress int    `json:"node_progress,omitempty"`
	Message      string `json:"message,omitempty"`
}

// IntakeRequest submits a new matter for intake processing.
type IntakeRequest struct {
	Matter       string `json:"matter"`
	DocumentText string `json:"document_text,omitempty"`
	DocumentPath string `json:"document_path,omitempty"`
	Role         string `json:"role,omitempty"`     // reviewing party role selector
	Scenario     string `json:"scenario,omitempty"` // analysis scenario selector
}

// SubmitResponse carries the backend-assigned job id.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// ConfirmIntakeRequest confirms the (possibly edited) intake result and the
// role/scenario selectors, unlocking the deep-analysis phase.
type ConfirmIntakeRequest struct {
	Fields       map[string]string `json:"fields"`
	EditedFields []string          `json:"edited_fields,omitempty"`
	Role         string            `json:"role,omitempty"`
	Scenario     string            `json:"scenario,omitempty"`
}

// AnalysisRequest starts deep analysis on a confirmed intake result.
type AnalysisRequest struct {
	Fields   map[string]string `json:"fields"`
	Role     string            `json:"role,omitempty"`
	Scenario string            `json:"scenario,omitempty"`
	Mode     string            `json:"mode"`               // single | multi
	Backends []string          `json:"backends,omitempty"` // model back-end ids for multi mode
}

// ModelRunResponse is one model back-end's outcome within the deep-analysis
// phase.
type ModelRunResponse struct {
	Backend       string  `json:"backend"`
	Findings      int     `json:"findings"`
	RiskCount     int     `json:"risk_count"`
	Confidence    float64 `json:"confidence"`
	HeadlineScore float64 `json:"headline_score"`
	Summary       string  `json:"summary,omitempty"`
}

// DraftRequest starts draft generation from a confirmed deep-analysis
// result. Drafting is only ever performed on demand.
type DraftRequest struct {
	Fields   map[string]string `json:"fields"`
	Role     string            `json:"role,omitempty"`
	Scenario string            `json:"scenario,omitempty"`
}

// Result is the current phase's proposed or final output: the field map the
// operator confirms (possibly after edits) plus rendered markdown for
// display.
type Result struct {
	Phase    string            `json:"phase"`
	Fields   map[string]string `json:"fields,omitempty"`
	Markdown string            `json:"markdown,omitempty"`
}

// Client is the collaborator surface consumed by the orchestration layer.
// Implementations must be safe for concurrent use.
type Client interface {
	Status(ctx context.Context, jobID string) (Status, error)
	SubmitIntake(ctx context.Context, req IntakeRequest) (SubmitResponse, error)
	ConfirmIntake(ctx context.Context, jobID string, req ConfirmIntakeRequest) error
	StartAnalysis(ctx context.Context, jobID string, req AnalysisRequest) error
	RunModel(ctx context.Context, jobID, backendID string) (ModelRunResponse, error)
	GenerateDraft(ctx context.Context, jobID string, req DraftRequest) error
	Result(ctx context.Context, jobID string) (Result, error)
	Retry(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	ChannelURL(jobID string) string
}

// HTTPClient implements Client over the REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the given base URL. A zero timeout
// defaults to 30s; a nil logger is replaced with a no-op logger.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ChannelURL derives the live update channel address for a job from the
// base URL, switching the scheme to ws(s).
func (c *HTTPClient) ChannelURL(jobID string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/jobs/" + url.PathEscape(jobID) + "/updates"
	return u.String()
}

// Status fetches the job's current status.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/status", nil, &st)
	if err != nil {
		return Status{}, fmt.Errorf("status of job %s: %w", jobID, err)
	}
	return st, nil
}

// SubmitIntake submits a new matter and returns the backend-assigned job id.
func (c *HTTPClient) SubmitIntake(ctx context.Context, req IntakeRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return SubmitResponse{}, fmt.Errorf("submit intake: %w", err)
	}
	if resp.JobID == "" {
		return SubmitResponse{}, errors.New("submit intake: backend returned empty job id")
	}
	return resp, nil
}

// ConfirmIntake confirms the intake result for a job.
func (c *HTTPClient) ConfirmIntake(ctx context.Context, jobID string, req ConfirmIntakeRequest) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/intake/confirm", req, nil); err != nil {
		return fmt.Errorf("confirm intake of job %s: %w", jobID, err)
	}
	return nil
}

// StartAnalysis starts the deep-analysis phase for a job.
func (c *HTTPClient) StartAnalysis(ctx context.Context, jobID string, req AnalysisRequest) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/analysis", req, nil); err != nil {
		return fmt.Errorf("start analysis of job %s: %w", jobID, err)
	}
	return nil
}

// RunModel executes one model back-end's analysis run and blocks until it
// finishes. Runs for different back-ends are independent and may be issued
// in parallel.
func (c *HTTPClient) RunModel(ctx context.Context, jobID, backendID string) (ModelRunResponse, error) {
	var resp ModelRunResponse
	path := "/jobs/" + url.PathEscape(jobID) + "/analysis/runs/" + url.PathEscape(backendID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return ModelRunResponse{}, fmt.Errorf("model run %s of job %s: %w", backendID, jobID, err)
	}
	return resp, nil
}

// GenerateDraft starts draft generation for a job.
func (c *HTTPClient) GenerateDraft(ctx context.Context, jobID string, req DraftRequest) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/draft", req, nil); err != nil {
		return fmt.Errorf("generate draft of job %s: %w", jobID, err)
	}
	return nil
}

// Result fetches the current phase's proposed or final output.
func (c *HTTPClient) Result(ctx context.Context, jobID string) (Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/result", nil, &res); err != nil {
		return Result{}, fmt.Errorf("result of job %s: %w", jobID, err)
	}
	return res, nil
}

// Retry re-runs the phase a failed job stopped in.
func (c *HTTPClient) Retry(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/retry", nil, nil); err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	return nil
}

// Cancel requests server-side cancellation of a job.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// do issues one request and decodes the JSON response into out when non-nil.
// 404 and 410 map to ErrJobNotFound.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("backend call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrJobNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
