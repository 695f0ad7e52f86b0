// Package repair defines the repair-attempt record and the pure
// confidence-decay and delta-ordering rules of spec §4.8. The actual state
// machine transitions (GENERATING -> VALIDATING_STRUCT -> ... -> DONE |
// FAILED) are driven by internal/pipeline.Service, which owns the I/O;
// this package holds only the data shape and arithmetic so both can be
// tested without a database or model endpoint.
package repair

import "github.com/nlsql/pipeline/internal/issue"

// Cause enumerates what triggered a repair iteration (spec §3 "Repair
// attempt record").
type Cause string

const (
	CauseStructural Cause = "structural"
	CauseSemantic   Cause = "semantic"
	CausePlanner    Cause = "planner"
	CauseExecution  Cause = "execution"
	CauseGeneration Cause = "generation"
)

// State names the repair controller's position in spec §4.8's state
// machine.
type State string

const (
	StateGenerating        State = "GENERATING"
	StateValidatingStruct  State = "VALIDATING_STRUCT"
	StateValidatingSemantic State = "VALIDATING_SEMANTIC"
	StatePlanning          State = "PLANNING"
	StateExecuting         State = "EXECUTING"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Attempt is one repair-loop iteration's record (spec §3: "Confidence is
// monotonically non-increasing across attempts for the same request").
type Attempt struct {
	AttemptIndex int
	SQL          string
	Confidence   float64
	Cause        Cause
	Issues       []issue.Issue
	PriorSQL     string
}

// NextConfidence computes the next attempt's confidence from the previous
// one (spec §4.8): an ordinary structural/semantic repair floors at 0.5,
// decaying by 0.1; a repair that failed to improve the SQL (the rewritten
// candidate is identical to what it replaced) floors at 0.4, decaying by
// 0.3. The result never exceeds previous, so an improved repair that
// follows a non-improving one stays at 0.4 rather than rising to 0.5.
func NextConfidence(previous float64, improved bool) float64 {
	next := max(0.4, previous-0.3)
	if improved {
		next = max(0.5, previous-0.1)
	}
	if next > previous {
		return previous
	}
	return next
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
