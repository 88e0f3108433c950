package engine

import "time"

// ResultSummary counts terminal results by outcome.
type ResultSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunReport is the full account of one reconciliation run: every node's
// terminal outcome, the run status, and the committed serial.
type RunReport struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// PlanID is the executed plan's identifier.
	PlanID string `json:"plan_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Changes summarizes the planned change set.
	Changes ChangeSummary `json:"changes"`

	// Results summarizes terminal outcomes.
	Results ResultSummary `json:"results"`

	// NodeResults lists every node's terminal result.
	NodeResults []ApplyResult `json:"node_results"`

	// CommittedSerial is the snapshot serial after commit; zero value
	// only for runs that never reached commit.
	CommittedSerial uint64 `json:"committed_serial,omitempty"`
}

// summarizeResults counts results by outcome.
func summarizeResults(results []ApplyResult) ResultSummary {
	s := ResultSummary{Total: len(results)}
	for i := range results {
		switch results[i].Outcome {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// runStatus derives the overall status from the result summary. A run with
// nothing to do counts as succeeded.
func runStatus(s ResultSummary, cancelled bool) RunStatus {
	switch {
	case cancelled:
		return RunStatusCancelled
	case s.Failed == 0 && s.Skipped == 0:
		return RunStatusSucceeded
	case s.Succeeded == 0 && s.Failed > 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// ExitCode maps the run status to a process exit code: zero only for a
// fully successful run.
func (r *RunReport) ExitCode() int {
	if r.Status == RunStatusSucceeded {
		return 0
	}
	return 1
}

// FailedResults returns the results that failed, for rendering.
func (r *RunReport) FailedResults() []ApplyResult {
	out := make([]ApplyResult, 0)
	for _, res := range r.NodeResults {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}
