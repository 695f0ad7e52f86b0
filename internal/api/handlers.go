package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/nlsql/pipeline/internal/issue"
	"github.com/nlsql/pipeline/internal/pipeline"
	"github.com/nlsql/pipeline/internal/promptcompose"
	"github.com/nlsql/pipeline/internal/semantic"
)

// generateRequest is the wire shape of /v1/generate and
// /v1/generate_and_run (spec §6 "Primary inbound RPC").
type generateRequest struct {
	Question      string `json:"question"`
	DatabaseID    string `json:"database_id"`
	UserID        string `json:"user_id,omitempty"`
	MaxRows       int    `json:"max_rows"`
	TimeoutSeconds int   `json:"timeout_seconds"`
	Trace         bool   `json:"trace"`
}

type errorPayload struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type generateResponse struct {
	QueryID         string         `json:"query_id"`
	SQLGenerated    string         `json:"sql_generated,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	TablesSelected  []string       `json:"tables_selected,omitempty"`
	Intent          string         `json:"intent,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Error           *errorPayload  `json:"error,omitempty"`
	Rows            *rowsPayload   `json:"rows,omitempty"`
}

type rowsPayload struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	a.handleGenerateCommon(w, r, false)
}

func (a *API) handleGenerateAndRun(w http.ResponseWriter, r *http.Request) {
	a.handleGenerateCommon(w, r, true)
}

func (a *API) handleGenerateCommon(w http.ResponseWriter, r *http.Request, run bool) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" {
		writeJSONError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.MaxRows <= 0 {
		req.MaxRows = 100
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	queryID := uuid.NewString()
	presp := a.pipeline.Run(r.Context(), pipeline.Request{
		QueryID:    queryID,
		DatabaseID: req.DatabaseID,
		Question:   req.Question,
		Run:        run,
		MaxRows:    req.MaxRows,
		TimeoutSec: req.TimeoutSeconds,
	})

	writeGenerateResponse(w, req.Question, presp)
}

// repairRequest is the wire shape of /v1/repair_sql (spec §6 "Auxiliary
// inbound RPCs"): an out-of-band driver resubmits a previous candidate
// plus the issues it already collected, and the pipeline resumes the
// repair loop from that point instead of generating from scratch.
type repairRequest struct {
	Question        string       `json:"question"`
	DatabaseID      string        `json:"database_id"`
	PreviousSQL     string        `json:"previous_sql"`
	Attempt         int           `json:"attempt"`
	MaxAttempts     int           `json:"max_attempts"`
	ValidatorIssues []issueWire   `json:"validator_issues,omitempty"`
	PostgresError   *postgresWire `json:"postgres_error,omitempty"`
	SemanticIssues  []issueWire   `json:"semantic_issues,omitempty"`
	MaxRows         int           `json:"max_rows"`
	TimeoutSeconds  int           `json:"timeout_seconds"`
}

type issueWire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type postgresWire struct {
	SQLSTATE string `json:"sqlstate"`
	Message  string `json:"message"`
}

func (a *API) handleRepairSQL(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" || req.PreviousSQL == "" {
		writeJSONError(w, http.StatusBadRequest, "question and previous_sql are required")
		return
	}
	if req.MaxRows <= 0 {
		req.MaxRows = 100
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	var deltas []promptcompose.Delta
	if len(req.ValidatorIssues) > 0 {
		deltas = append(deltas, promptcompose.Delta{Kind: promptcompose.DeltaStructural, Issues: toIssues(req.ValidatorIssues), PriorSQL: req.PreviousSQL})
	}
	if len(req.SemanticIssues) > 0 {
		deltas = append(deltas, promptcompose.Delta{Kind: promptcompose.DeltaSemantic, Issues: toIssues(req.SemanticIssues), PriorSQL: req.PreviousSQL})
	}
	if req.PostgresError != nil {
		deltas = append(deltas, promptcompose.Delta{Kind: promptcompose.DeltaPlanner, PriorSQL: req.PreviousSQL, Issues: []issue.Issue{{
			Code:     "PLANNER_" + req.PostgresError.SQLSTATE,
			Severity: issue.SeverityError,
			Message:  req.PostgresError.Message,
		}}})
	}

	startAttempt := req.Attempt
	queryID := uuid.NewString()
	presp := a.pipeline.Run(r.Context(), pipeline.Request{
		QueryID:        queryID,
		DatabaseID:     req.DatabaseID,
		Question:       req.Question,
		Run:            false,
		MaxRows:        req.MaxRows,
		TimeoutSec:     req.TimeoutSeconds,
		SeedDeltas:     deltas,
		SeedConfidence: confidenceForAttempt(startAttempt),
		StartAttempt:   startAttempt,
		MaxAttempts:    req.MaxAttempts,
	})

	writeGenerateResponse(w, req.Question, presp)
}

func confidenceForAttempt(attempt int) float64 {
	c := 1.0
	for i := 0; i < attempt; i++ {
		c -= 0.1
		if c < 0.5 {
			c = 0.5
		}
	}
	return c
}

func toIssues(wire []issueWire) []issue.Issue {
	out := make([]issue.Issue, 0, len(wire))
	for _, w := range wire {
		out = append(out, issue.Issue{Code: w.Code, Severity: issue.SeverityError, Message: w.Message, Repairable: true})
	}
	return out
}

func writeGenerateResponse(w http.ResponseWriter, question string, presp pipeline.Response) {
	resp := generateResponse{
		QueryID:         presp.QueryID,
		SQLGenerated:    presp.SQL,
		ConfidenceScore: presp.Confidence,
		TablesSelected:  presp.TablesSelected,
		Intent:          string(semantic.ClassifyIntent(question)),
	}
	if presp.Rows != nil {
		resp.Rows = &rowsPayload{Columns: presp.Rows.Columns, Rows: presp.Rows.Rows}
	}
	status := http.StatusOK
	if presp.Err != nil {
		resp.Error = &errorPayload{Type: string(presp.Err.Kind), Message: presp.Err.Message, Recoverable: presp.Err.Recoverable}
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

func (a *API) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	vec, err := a.embedder.Embed(r.Context(), req.Model, req.Text)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	model := req.Model
	if model == "" {
		model = a.cfg.LLM.Model
	}
	writeJSON(w, http.StatusOK, embedResponse{Embedding: vec, Model: model, Dimensions: len(vec)})
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

func (a *API) handleEmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req embedBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Texts) == 0 {
		writeJSONError(w, http.StatusBadRequest, "texts is required")
		return
	}
	vecs, err := a.embedder.EmbedBatch(r.Context(), req.Model, req.Texts)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	model := req.Model
	if model == "" {
		model = a.cfg.LLM.Model
	}
	out := make([]embedResponse, len(vecs))
	for i, v := range vecs {
		out[i] = embedResponse{Embedding: v, Model: model, Dimensions: len(v)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	// Reserved for future use (spec §6): the core pipeline carries no
	// per-database cache to invalidate today.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthResponse struct {
	Status      string `json:"status"`
	LLMReachable bool  `json:"llm_reachable"`
	Version     string `json:"version"`
}

const version = "0.1.0"

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	reachable := a.llm.HealthCheck(r.Context())
	status := "healthy"
	if !reachable {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, LLMReachable: reachable, Version: version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorPayload{Type: "BadRequest", Message: message})
}
