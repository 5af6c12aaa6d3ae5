package analysis

import "time"

// Winner identifies the run that won one comparison dimension. Only the
// metric field for that dimension is set.
type Winner struct {
	RunID      string        `json:"run_id"`
	BackendID  string        `json:"backend_id"`
	Duration   time.Duration `json:"duration,omitempty"`
	Findings   int           `json:"findings,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
}

// ComparisonResult summarizes the finished runs of one deep analysis.
// Winner fields and Consensus are nil when no run completed; failed runs
// count toward Failed but never win a dimension.
type ComparisonResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	Fastest           *Winner  `json:"fastest,omitempty"`
	MostComprehensive *Winner  `json:"most_comprehensive,omitempty"`
	HighestConfidence *Winner  `json:"highest_confidence,omitempty"`
	Consensus         *float64 `json:"consensus,omitempty"`
}

// Compare rebuilds the comparison from scratch over the given runs. It is
// a pure function: same runs in, same result out, no accumulated state.
// Runs must be in registration order; ties go to the earlier run.
func Compare(runs []*ModelRun, consensus ConsensusFunc) *ComparisonResult {
	if consensus == nil {
		consensus = DefaultConsensus
	}

	out := &ComparisonResult{}
	var (
		fastest   *ModelRun
		mostFound *ModelRun
		mostSure  *ModelRun
		headlines []float64
	)

	for _, run := range runs {
		switch run.Status {
		case RunFailed:
			out.Failed++
			continue
		case RunCompleted:
			out.Completed++
		default:
			continue
		}
		if run.Result == nil {
			continue
		}

		headlines = append(headlines, run.Result.HeadlineScore)

		if fastest == nil || run.Duration() < fastest.Duration() {
			fastest = run
		}
		if mostFound == nil || run.Result.Findings > mostFound.Result.Findings {
			mostFound = run
		}
		if mostSure == nil || run.Result.Confidence > mostSure.Result.Confidence {
			mostSure = run
		}
	}

	if fastest != nil {
		out.Fastest = &Winner{
			RunID:     fastest.RunID,
			BackendID: fastest.Backend.ID,
			Duration:  fastest.Duration(),
		}
	}
	if mostFound != nil {
		out.MostComprehensive = &Winner{
			RunID:     mostFound.RunID,
			BackendID: mostFound.Backend.ID,
			Findings:  mostFound.Result.Findings,
		}
	}
	if mostSure != nil {
		out.HighestConfidence = &Winner{
			RunID:      mostSure.RunID,
			BackendID:  mostSure.Backend.ID,
			Confidence: mostSure.Result.Confidence,
		}
	}
	if len(headlines) > 0 {
		score := consensus(headlines)
		out.Consensus = &score
	}
	return out
}
