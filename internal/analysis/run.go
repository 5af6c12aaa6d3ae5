// Package analysis coordinates the multi-model deep-analysis fan-out: one
// run per model back-end, live per-run progress, and a comparison computed
// over the finished runs.
package analysis

import "time"

// RunStatus is the lifecycle state of a single model run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished, successfully or not.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Backend identifies one model back-end participating in the fan-out.
type Backend struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Result is the analysis output a back-end returned for its run.
type Result struct {
	Findings      int     `json:"findings"`
	RiskCount     int     `json:"risk_count"`
	Confidence    float64 `json:"confidence"`
	HeadlineScore float64 `json:"headline_score"`
	Summary       string  `json:"summary"`
}

// ModelRun is one back-end's run within a job's deep analysis.
type ModelRun struct {
	RunID    string    `json:"run_id"`
	Backend  Backend   `json:"backend"`
	Status   RunStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Result *Result `json:"result,omitempty"`
	Err    string  `json:"error,omitempty"`
}

// Duration is the wall-clock span of a finished run, zero otherwise.
func (r *ModelRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// clone returns a detached copy safe to hand to callers.
func (r *ModelRun) clone() *ModelRun {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}
