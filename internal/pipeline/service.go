// Package pipeline orchestrates the full NL->SQL request lifecycle (spec
// §2): retrieval, prompt composition, generation, structural/semantic
// validation, the planner check, the bounded repair loop, and execution.
// Every dependency is constructor-injected (spec §9: "Global model/client
// singletons -> injected handles"); Service holds no package-level state.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/executor"
	"github.com/nlsql/pipeline/internal/generator"
	"github.com/nlsql/pipeline/internal/issue"
	"github.com/nlsql/pipeline/internal/logging"
	"github.com/nlsql/pipeline/internal/pipelineerr"
	"github.com/nlsql/pipeline/internal/planner"
	"github.com/nlsql/pipeline/internal/promptcompose"
	"github.com/nlsql/pipeline/internal/repair"
	"github.com/nlsql/pipeline/internal/schema"
	"github.com/nlsql/pipeline/internal/semantic"
	"github.com/nlsql/pipeline/internal/structural"
)

type Retriever interface {
	Resolve(ctx context.Context, queryID, databaseID, question string) (schema.Context, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string, seed int64, multiCandidate bool) (generator.Candidate, error)
	GenerateCandidates(ctx context.Context, prompt string, k int, baseSeed int64, temperature float64, sequential bool) ([]generator.Candidate, error)
}

type Planner interface {
	Check(ctx context.Context, sql string, timeout time.Duration, pctx schema.Context) (planner.Result, error)
}

type Executor interface {
	Run(ctx context.Context, sql string, timeout time.Duration, maxRows int) (executor.Result, error)
}

// TraceEvent is one stage transition or terminal outcome emitted during
// Run, published to an optional Tracer for the `trace: true` RPC flag of
// spec §6. Defined here (the consumer) rather than in internal/tracehub,
// so this package never imports the transport-facing hub.
type TraceEvent struct {
	QueryID      string
	Stage        string
	AttemptIndex int
	Confidence   float64
	SQL          string
	Message      string
	Terminal     bool
}

// Tracer receives TraceEvents as Run progresses. internal/tracehub.Hub
// implements this.
type Tracer interface {
	Publish(ev TraceEvent)
}

type Service struct {
	retriever  Retriever
	generator  Generator
	structural *structural.Validator
	planner    Planner
	executor   Executor
	cfg        *config.Config
	logger     *zap.Logger
	tracer     Tracer
}

func New(retriever Retriever, gen Generator, sv *structural.Validator, pl Planner, ex Executor, cfg *config.Config, logger *zap.Logger, tracer Tracer) *Service {
	return &Service{retriever: retriever, generator: gen, structural: sv, planner: pl, executor: ex, cfg: cfg, logger: logger, tracer: tracer}
}

func (s *Service) trace(ev TraceEvent) {
	if s.tracer != nil {
		s.tracer.Publish(ev)
	}
}

// Request is one /v1/generate(_and_run) call (spec §6). SeedDeltas,
// SeedConfidence, and StartAttempt are set only by /v1/repair_sql (an
// out-of-band repair driver resuming the loop mid-flight with issues it
// already collected); /v1/generate and /v1/generate_and_run leave them
// zero.
type Request struct {
	QueryID        string
	DatabaseID     string
	Question       string
	Run            bool // true for /v1/generate_and_run
	MaxRows        int
	TimeoutSec     int
	SeedDeltas     []promptcompose.Delta
	SeedConfidence float64
	StartAttempt   int
	MaxAttempts    int // overrides config.Repair.MaxAttempts when > 0
}

// Response is the pipeline's terminal result for one request.
type Response struct {
	QueryID        string
	SQL            string
	Confidence     float64
	TablesSelected []string
	Attempts       []repair.Attempt
	Rows           *executor.Result
	Err            *pipelineerr.Error
}

// Run drives one request through the full state machine of spec §4.8:
// GENERATING -> VALIDATING_STRUCT -> VALIDATING_SEMANTIC -> PLANNING ->
// (EXECUTING) -> DONE | FAILED.
func (s *Service) Run(ctx context.Context, req Request) Response {
	logger := logging.Query(s.logger, req.QueryID)

	pctx, err := s.retriever.Resolve(ctx, req.QueryID, req.DatabaseID, req.Question)
	if err != nil {
		return Response{QueryID: req.QueryID, Err: asPipelineErr(err)}
	}
	tablesSelected := pctx.TableNames()

	base := promptcompose.Base(pctx, s.cfg.Prompt.JoinHintFormat)

	maxAttempts := s.cfg.Repair.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	confidence := 1.0
	if req.SeedConfidence > 0 {
		confidence = req.SeedConfidence
	}
	deltas := req.SeedDeltas
	var attempts []repair.Attempt
	var lastErr *pipelineerr.Error
	var prevSQL string

	for attemptIdx := req.StartAttempt; attemptIdx < maxAttempts; attemptIdx++ {
		if ctx.Err() != nil {
			lastErr = asPipelineErr(ctx.Err())
			break
		}
		prompt := promptcompose.Compose(base, deltas)

		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateGenerating), AttemptIndex: attemptIdx, Confidence: confidence})
		cand, err := s.generator.Generate(ctx, prompt, int64(42+attemptIdx), false)
		if err != nil {
			perr := asPipelineErr(err)
			lastErr = perr
			if !perr.Recoverable {
				break
			}
			attempts = append(attempts, repair.Attempt{AttemptIndex: attemptIdx, Confidence: confidence, Cause: repair.CauseGeneration, PriorSQL: prevSQL})
			confidence = repair.NextConfidence(confidence, true)
			continue
		}

		// improved reports whether this attempt's generated SQL actually
		// changed from the last one the model produced (spec §4.8: a
		// repair that regenerates the identical SQL floors lower and
		// decays faster than one that made a genuine new attempt).
		improved := prevSQL == "" || cand.SQL != prevSQL
		prevSQL = cand.SQL

		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateValidatingStruct), AttemptIndex: attemptIdx, Confidence: confidence, SQL: cand.SQL})
		sv := s.structural.Validate(cand.SQL, pctx, effectiveMaxRows(req.MaxRows, s.cfg))
		attempts = append(attempts, repair.Attempt{AttemptIndex: attemptIdx, SQL: cand.SQL, Confidence: confidence, Cause: repair.CauseStructural, Issues: sv.Issues, PriorSQL: cand.SQL})
		if sv.Blocked {
			errs := issue.Errors(sv.Issues)
			if !issue.HasErrors(sv.Issues) || !anyRepairable(errs) {
				lastErr = pipelineerr.New(pipelineerr.KindStructural, "", "structural validation failed", nil, errs...)
				break
			}
			deltas = []promptcompose.Delta{{Kind: promptcompose.DeltaStructural, Issues: errs, PriorSQL: cand.SQL}}
			confidence = repair.NextConfidence(confidence, improved)
			lastErr = pipelineerr.New(pipelineerr.KindStructural, "", "structural validation failed", nil, errs...)
			continue
		}

		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateValidatingSemantic), AttemptIndex: attemptIdx, Confidence: confidence, SQL: sv.SQL})
		semIssues := semantic.Validate(req.Question, sv.SQL)
		attempts = append(attempts, repair.Attempt{AttemptIndex: attemptIdx, SQL: sv.SQL, Confidence: confidence, Cause: repair.CauseSemantic, Issues: semIssues, PriorSQL: cand.SQL})
		if issue.HasErrors(semIssues) {
			deltas = []promptcompose.Delta{{Kind: promptcompose.DeltaSemantic, Issues: issue.Errors(semIssues), PriorSQL: sv.SQL}}
			confidence = repair.NextConfidence(confidence, improved)
			lastErr = pipelineerr.New(pipelineerr.KindGenerationInvalid, "", "semantic validation failed", nil)
			continue
		}

		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StatePlanning), AttemptIndex: attemptIdx, Confidence: confidence, SQL: sv.SQL})
		timeout := s.cfg.ExecutorTimeout(req.TimeoutSec)
		pres, err := s.planner.Check(ctx, sv.SQL, timeout, pctx)
		if err != nil {
			lastErr = asPipelineErr(err)
			break
		}
		attempts = append(attempts, repair.Attempt{AttemptIndex: attemptIdx, SQL: sv.SQL, Confidence: confidence, Cause: repair.CausePlanner, PriorSQL: cand.SQL})
		if !pres.OK {
			repairable := pipelineerr.Repairable(pipelineerr.KindPlanner, pres.SQLSTATE)
			perr := pipelineerr.New(pipelineerr.KindPlanner, pres.SQLSTATE, pres.Message, nil)
			lastErr = perr
			if !repairable {
				break
			}
			deltas = plannerDelta(pres, pctx, sv.SQL)
			confidence = repair.NextConfidence(confidence, improved)
			continue
		}

		if !req.Run {
			s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateDone), AttemptIndex: attemptIdx, Confidence: confidence, SQL: sv.SQL, Terminal: true})
			return Response{QueryID: req.QueryID, SQL: sv.SQL, Confidence: confidence, TablesSelected: tablesSelected, Attempts: attempts}
		}

		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateExecuting), AttemptIndex: attemptIdx, Confidence: confidence, SQL: sv.SQL})
		res, err := s.executor.Run(ctx, sv.SQL, timeout, req.MaxRows)
		if err != nil {
			lastErr = asPipelineErr(err)
			break
		}
		logger.Info("request completed", zap.Int("attempts", len(attempts)+1), zap.Float64("confidence", confidence))
		s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateDone), AttemptIndex: attemptIdx, Confidence: confidence, SQL: sv.SQL, Terminal: true})
		return Response{QueryID: req.QueryID, SQL: sv.SQL, Confidence: confidence, TablesSelected: tablesSelected, Attempts: attempts, Rows: &res}
	}

	if lastErr == nil {
		lastErr = pipelineerr.New(pipelineerr.KindInternal, "", "repair attempts exhausted", nil)
	}
	s.trace(TraceEvent{QueryID: req.QueryID, Stage: string(repair.StateFailed), Confidence: confidence, Message: errString(lastErr), Terminal: true})
	return Response{QueryID: req.QueryID, Confidence: confidence, TablesSelected: tablesSelected, Attempts: attempts, Err: lastErr}
}

func effectiveMaxRows(requested int, cfg *config.Config) int {
	if requested <= 0 || requested > cfg.Executor.MaxRowsCap {
		return cfg.Executor.MaxRowsCap
	}
	return requested
}

func anyRepairable(issues []issue.Issue) bool {
	for _, i := range issues {
		if i.Repairable {
			return true
		}
	}
	return false
}

// plannerDelta builds the planner repair delta (spec §4.2's minimal
// whitelist rule for 42703/42P01). priorSQL is the SQL the planner rejected.
func plannerDelta(pres planner.Result, pctx schema.Context, priorSQL string) []promptcompose.Delta {
	iss := issue.Issue{
		Code:     "PLANNER_" + pres.SQLSTATE,
		Severity: issue.SeverityError,
		Message:  pres.Message,
	}
	d := promptcompose.Delta{Kind: promptcompose.DeltaPlanner, Issues: []issue.Issue{iss}, PriorSQL: priorSQL}
	switch pres.SQLSTATE {
	case "42703":
		d.ColumnWhitelist = pres.MinimalColumnWhitelist
	case "42P01":
		d.TableAllowlist = pctx.TableNames()
	}
	return []promptcompose.Delta{d}
}

// asPipelineErr classifies an arbitrary stage error into the typed
// taxonomy. Context cancellation and deadline expiry map to Cancelled
// (spec §5: "the request transitions to FAILED with a Cancelled cause")
// ahead of any other classification, since an in-flight LLM call or SQL
// statement aborted by caller disconnect surfaces as a generic wrapped
// context error, not a *pipelineerr.Error.
func asPipelineErr(err error) *pipelineerr.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pipelineerr.New(pipelineerr.KindCancelled, "", "request cancelled", err)
	}
	if pe, ok := pipelineerr.As(err); ok {
		return pe
	}
	return pipelineerr.New(pipelineerr.KindInternal, "", "unclassified error: "+errString(err), err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
