// Package pipelineerr defines the typed error taxonomy the rest of the
// pipeline dispatches on, replacing exceptions-for-control-flow with
// explicit result types (spec §9).
package pipelineerr

import (
	"fmt"

	"github.com/nlsql/pipeline/internal/issue"
)

// Kind enumerates the error taxonomy of spec §7.
type Kind string

const (
	KindNoRelevantSchema  Kind = "NoRelevantSchema"
	KindGenerationInvalid Kind = "GenerationInvalid"
	KindGenerationTimeout Kind = "GenerationTimeout"
	KindStructural        Kind = "StructuralError"
	KindUnknownTable      Kind = "UnknownTable"
	KindUnknownColumn     Kind = "UnknownColumn"
	KindPlanner           Kind = "PlannerError"
	KindExecution         Kind = "ExecutionError"
	KindPermissionDenied  Kind = "PermissionDenied"
	KindCancelled         Kind = "Cancelled"
	KindUnreachable       Kind = "Unreachable"
	KindInternal          Kind = "Internal"
)

// nonRepairable holds the kinds spec §4.8 names as never repairable,
// independent of SQLSTATE. Planner errors are repairable or not based on
// their SQLSTATE instead (see Repairable).
var nonRepairable = map[Kind]bool{
	KindNoRelevantSchema: true,
	KindPermissionDenied: true,
	KindCancelled:        true,
	KindUnreachable:      true,
	KindInternal:         true,
}

// repairableSQLSTATEs is the planner-error allowlist from spec §4.8.
var repairableSQLSTATEs = map[string]bool{
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
	"42601": true, // syntax_error
	"42P10": true, // invalid_column_reference
	"42804": true, // datatype_mismatch
	"42883": true, // undefined_function
}

// Error is the explicit result type every pipeline stage returns on failure.
type Error struct {
	Kind        Kind
	Message     string
	SQLSTATE    string // set only for KindPlanner / KindExecution
	Recoverable bool
	cause       error
}

func (e *Error) Error() string {
	if e.SQLSTATE != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.SQLSTATE, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error, computing Recoverable from the taxonomy. issues
// carries the validator findings that triggered a KindStructural failure
// (if any); omit it for every other kind, where it has no effect.
func New(kind Kind, sqlstate, message string, cause error, issues ...issue.Issue) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		SQLSTATE:    sqlstate,
		Recoverable: Repairable(kind, sqlstate, issues...),
		cause:       cause,
	}
}

// Repairable implements the repairable/non-repairable split of spec §4.8 and
// §7: semantic errors and generation InvalidOutput/Timeout are always
// repairable; structural errors are repairable only when the triggering
// issue(s) say so (a blocked write or a denylisted keyword is never
// repairable, an unknown table/column is); planner errors are repairable
// only for the allowlisted SQLSTATEs; permission/connection/transport/
// empty-retrieval are never repairable.
func Repairable(kind Kind, sqlstate string, issues ...issue.Issue) bool {
	if nonRepairable[kind] {
		return false
	}
	switch kind {
	case KindStructural:
		if len(issues) == 0 {
			return true
		}
		return anyIssueRepairable(issues)
	case KindUnknownTable, KindUnknownColumn,
		KindGenerationInvalid, KindGenerationTimeout:
		return true
	case KindPlanner:
		if sqlstate == "42501" {
			return false
		}
		return repairableSQLSTATEs[sqlstate]
	case KindExecution:
		return false
	default:
		return false
	}
}

func anyIssueRepairable(issues []issue.Issue) bool {
	for _, i := range issues {
		if i.Repairable {
			return true
		}
	}
	return false
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	pe, ok := err.(*Error)
	if ok {
		return pe, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if pe, ok := err.(*Error); ok {
			return pe, true
		}
	}
	return nil, false
}
