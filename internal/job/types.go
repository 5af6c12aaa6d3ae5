// Package job defines the domain model for long-running legal-analysis
// jobs: workflow phases, the job record itself, and the confirmed phase
// results that gate phase transitions.
//
// A Job moves through ordered, human-gated phases
// (intake -> deep_analysis -> draft_generation) and ends in exactly one
// terminal phase (completed, failed, cancelled). Phase order is monotonic:
// a completed phase is never re-entered; "restart analysis" is modeled as
// a new Job so the history of confirmed results stays append-only.
package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Phase represents the current workflow stage of a job.
type Phase string

const (
	PhaseIntake          Phase = "intake"           // Document submitted, extraction in progress
	PhaseDeepAnalysis    Phase = "deep_analysis"    // Intake confirmed, analysis available
	PhaseDraftGeneration Phase = "draft_generation" // Analysis confirmed, drafting in progress
	PhaseCompleted       Phase = "completed"        // Terminal: draft delivered
	PhaseFailed          Phase = "failed"           // Terminal: unrecovered failure
	PhaseCancelled       Phase = "cancelled"        // Terminal: explicit user cancellation
)

// workingPhases lists the non-terminal phases in workflow order.
var workingPhases = []Phase{PhaseIntake, PhaseDeepAnalysis, PhaseDraftGeneration}

// Terminal reports whether the phase is an end state.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Valid reports whether the phase is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIntake, PhaseDeepAnalysis, PhaseDraftGeneration,
		PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Next returns the phase that follows p in the workflow. The last working
// phase advances to completed. Terminal phases have no successor.
func (p Phase) Next() (Phase, bool) {
	for i, wp := range workingPhases {
		if wp != p {
			continue
		}
		if i+1 < len(workingPhases) {
			return workingPhases[i+1], true
		}
		return PhaseCompleted, true
	}
	return "", false
}

// ParsePhase converts a wire status string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// AnalysisMode selects between a single model back-end and a multi-model
// comparison run for the deep-analysis phase.
type AnalysisMode string

const (
	ModeSingle AnalysisMode = "single"
	ModeMulti  AnalysisMode = "multi"
)

// ParseAnalysisMode converts a flag value into an AnalysisMode.
func ParseAnalysisMode(s string) (AnalysisMode, error) {
	switch AnalysisMode(s) {
	case ModeSingle, ModeMulti:
		return AnalysisMode(s), nil
	}
	return "", fmt.Errorf("unknown analysis mode %q (valid: single, multi)", s)
}

// Job is one long-running analysis request tracked end-to-end through
// phases. The supervisor owns the collection; a job is mutated only by its
// workflow controller and by progress events arriving over its channel.
type Job struct {
	ID           string       `json:"id"`
	Matter       string       `json:"matter"`             // Short description of the legal matter
	Role         string       `json:"role,omitempty"`     // reviewing party role selector
	Scenario     string       `json:"scenario,omitempty"` // analysis scenario selector
	Phase        Phase        `json:"phase"`
	Progress     int          `json:"progress"`           // 0-100, for the current phase
	Message      string       `json:"message,omitempty"`
	AnalysisMode AnalysisMode `json:"analysis_mode,omitempty"`

	// FailedPhase retains the phase a failure originated in for
	// diagnostics. Only set while Phase == PhaseFailed.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Active reports whether the job is still in a working (non-terminal) phase.
func (j Job) Active() bool {
	return !j.Phase.Terminal()
}

// Expired reports whether the job's TTL has elapsed at the given instant.
func (j Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// NewID returns a fresh job identifier. Backend-assigned ids are preferred;
// this is used when the collaborator does not mint one.
func NewID() string {
	return "job-" + uuid.NewString()
}

// NewResultID returns a fresh phase-result identifier.
func NewResultID() string {
	return "res-" + uuid.NewString()
}

// PhaseResult is the confirmed output of one phase. It is immutable once
// confirmed by the operator and becomes the read-only input to the next
// phase. EditedFields records which fields the operator changed against the
// proposed output; the provenance is advisory and never blocks a transition.
type PhaseResult struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Phase        Phase             `json:"phase"`
	Fields       map[string]string `json:"fields"`
	EditedFields []string          `json:"edited_fields,omitempty"`
	ConfirmedAt  time.Time         `json:"confirmed_at"`
}

// Field returns the named field value, or empty if absent.
func (r PhaseResult) Field(name string) string {
	return r.Fields[name]
}

// FieldDiff returns the sorted names of fields whose values differ between
// the proposed and the edited result, including fields added or removed by
// the edit.
func FieldDiff(original, edited map[string]string) []string {
	changed := make([]string, 0)
	for k, v := range edited {
		if ov, ok := original[k]; !ok || ov != v {
			changed = append(changed, k)
		}
	}
	for k := range original {
		if _, ok := edited[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// CopyFields returns a detached copy of a field map.
func CopyFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
