package pipeline_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/executor"
	"github.com/nlsql/pipeline/internal/generator"
	"github.com/nlsql/pipeline/internal/pipeline"
	"github.com/nlsql/pipeline/internal/pipelineerr"
	"github.com/nlsql/pipeline/internal/planner"
	"github.com/nlsql/pipeline/internal/schema"
	"github.com/nlsql/pipeline/internal/structural"
	"github.com/nlsql/pipeline/pkg/fixgres"
)

// These exercise spec §8's six end-to-end scenarios against a real
// Postgres sandbox: retrieval and generation are scripted (the LLM and
// embedding endpoints aren't part of this sandbox), everything downstream
// of generation — structural validation, the planner's EXPLAIN round trip,
// and execution — runs for real.

func TestMain(m *testing.M) {
	fixgres.BootOnce(&testing.T{})
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func newSandboxService(t *testing.T, retriever pipeline.Retriever, gen pipeline.Generator) *pipeline.Service {
	t.Helper()
	sbx := fixgres.NewSandbox(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, sbx.DSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE companies (company_id serial PRIMARY KEY, name text, founding_year integer, state text);
		CREATE TABLE company_revenue_annual (company_id integer REFERENCES companies(company_id), revenue_millions numeric, fiscal_year integer)`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `INSERT INTO companies (name, founding_year, state) VALUES ('Titan Financial Services', 1995, 'CA')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO companies (name, founding_year, state)
		SELECT 'Company ' || i, 1950 + (i % 7) * 10, 'CA'
		FROM generate_series(2, 100) AS i`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO company_revenue_annual (company_id, revenue_millions, fiscal_year) VALUES (1, 42.5, 2025)`)
	require.NoError(t, err)

	cfg := &config.Config{
		Prompt:     config.Prompt{JoinHintFormat: "both"},
		Repair:     config.Repair{MaxAttempts: 3},
		Executor:   config.Executor{DefaultTimeoutSecs: 10, MaxRowsCap: 1000},
		Structural: config.Structural{},
	}

	sv := structural.New(cfg.Structural)
	pl := planner.New(pool, nil, nil)
	ex := executor.New(pool, cfg.Executor.MaxRowsCap)

	return pipeline.New(retriever, gen, sv, pl, ex, cfg, zap.NewNop(), nil)
}

// companyPacket describes the companies/company_revenue_annual fixture.
// revenue is exposed only as revenue_millions, matching the real table, so
// a candidate that orders by the bare name `revenue` is caught by the
// structural validator's column allow-list check rather than surviving to
// the planner.
func companyPacket() schema.Context {
	companies := schema.Table{Schema: "public", Name: "companies", Module: "core", IsHub: true}
	revenue := schema.Table{Schema: "public", Name: "company_revenue_annual", Module: "finance"}
	companyCols := []schema.Column{
		{Table: "companies", Name: "company_id", DataType: "integer", IsPrimaryKey: true},
		{Table: "companies", Name: "name", DataType: "text"},
		{Table: "companies", Name: "founding_year", DataType: "integer"},
		{Table: "companies", Name: "state", DataType: "text"},
	}
	revenueCols := []schema.Column{
		{Table: "company_revenue_annual", Name: "company_id", DataType: "integer", IsForeignKey: true, FKTargetTable: "companies", FKTargetColumn: "company_id"},
		{Table: "company_revenue_annual", Name: "revenue_millions", DataType: "numeric"},
	}
	return schema.Context{
		DatabaseID: "acme",
		Tables: []schema.ContextTable{
			{Table: companies, Columns: companyCols, MSchema: schema.MSchema(companies, companyCols), Provenance: schema.ProvenanceRetrieval},
			{Table: revenue, Columns: revenueCols, MSchema: schema.MSchema(revenue, revenueCols), Provenance: schema.ProvenanceFKExpand},
		},
		FKEdges: []schema.FKEdge{{FromTable: "company_revenue_annual", FromColumn: "company_id", ToTable: "companies", ToColumn: "company_id"}},
		Modules: []string{"core", "finance"},
	}
}

type fakeRetriever struct {
	ctx schema.Context
	err error
}

func (r fakeRetriever) Resolve(ctx context.Context, queryID, databaseID, question string) (schema.Context, error) {
	return r.ctx, r.err
}

func withQuestion(pctx schema.Context, question string) schema.Context {
	pctx.Question = question
	return pctx
}

// scriptedGenerator replays one candidate (or error) per call, holding on
// the last entry once the script is exhausted.
type scriptedGenerator struct {
	script []scriptedCall
	calls  int
}

type scriptedCall struct {
	sql string
	err error
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, seed int64, multiCandidate bool) (generator.Candidate, error) {
	idx := g.calls
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	g.calls++
	step := g.script[idx]
	if step.err != nil {
		return generator.Candidate{}, step.err
	}
	return generator.Candidate{SQL: step.sql, Confidence: 1.0}, nil
}

func (g *scriptedGenerator) GenerateCandidates(ctx context.Context, prompt string, k int, baseSeed int64, temperature float64, sequential bool) ([]generator.Candidate, error) {
	return nil, errors.New("scriptedGenerator: GenerateCandidates not used by these tests")
}

func TestRun_SimpleCount(t *testing.T) {
	question := "How many companies are in the database?"
	gen := &scriptedGenerator{script: []scriptedCall{{sql: "SELECT COUNT(*) FROM companies;"}}}
	svc := newSandboxService(t, fakeRetriever{ctx: withQuestion(companyPacket(), question)}, gen)

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q1", Question: question, Run: true, MaxRows: 10})

	require.Nil(t, resp.Err)
	require.NotEmpty(t, resp.Attempts)
	require.GreaterOrEqual(t, resp.Confidence, 0.9)
	require.NotNil(t, resp.Rows)
	require.Len(t, resp.Rows.Rows, 1)
	require.EqualValues(t, 100, resp.Rows.Rows[0][0])
}

func TestRun_EntityLookupRepairsMissingLiteral(t *testing.T) {
	question := "Which state is Titan Financial Services in?"
	gen := &scriptedGenerator{script: []scriptedCall{
		{sql: "SELECT state FROM companies;"},
		{sql: "SELECT state FROM companies WHERE name = 'Titan Financial Services';"},
	}}
	svc := newSandboxService(t, fakeRetriever{ctx: withQuestion(companyPacket(), question)}, gen)

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q2", Question: question, Run: true, MaxRows: 10})

	require.Nil(t, resp.Err)
	var sawMissingEntity bool
	for _, a := range resp.Attempts {
		for _, iss := range a.Issues {
			if iss.Code == "MISSING_ENTITY" {
				sawMissingEntity = true
			}
		}
	}
	require.True(t, sawMissingEntity, "expected the first attempt's missing WHERE literal to be flagged")
	require.LessOrEqual(t, resp.Confidence, 0.9)
	require.NotNil(t, resp.Rows)
	require.Len(t, resp.Rows.Rows, 1)
	require.Equal(t, "CA", resp.Rows.Rows[0][0])
}

func TestRun_UnknownColumnRepair(t *testing.T) {
	question := "Companies sorted by highest revenue."
	gen := &scriptedGenerator{script: []scriptedCall{
		{sql: "SELECT companies.name, revenue FROM companies JOIN company_revenue_annual ON companies.company_id = company_revenue_annual.company_id ORDER BY revenue DESC;"},
		{sql: "SELECT companies.name, revenue_millions FROM companies JOIN company_revenue_annual ON companies.company_id = company_revenue_annual.company_id ORDER BY revenue_millions DESC;"},
	}}
	svc := newSandboxService(t, fakeRetriever{ctx: withQuestion(companyPacket(), question)}, gen)

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q3", Question: question, Run: true, MaxRows: 10})

	require.Nil(t, resp.Err)
	var sawUnknownColumn bool
	for _, a := range resp.Attempts {
		for _, iss := range a.Issues {
			if iss.Code == "UNKNOWN_COLUMN" {
				sawUnknownColumn = true
			}
		}
	}
	require.True(t, sawUnknownColumn, "expected the first attempt's bare `revenue` reference to be flagged")
	require.NotNil(t, resp.Rows)
}

func TestRun_BlockedWriteIsNotRepairable(t *testing.T) {
	question := "Insert a new company called Test Corp."
	gen := &scriptedGenerator{script: []scriptedCall{{sql: "INSERT INTO companies (name) VALUES ('Test Corp');"}}}
	svc := newSandboxService(t, fakeRetriever{ctx: withQuestion(companyPacket(), question)}, gen)

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q4", Question: question, Run: true, MaxRows: 10})

	require.NotNil(t, resp.Err)
	require.Equal(t, pipelineerr.KindStructural, resp.Err.Kind)
	require.False(t, resp.Err.Recoverable)
}

func TestRun_DecadeGroupingRejectsExtractThenRepairsToArithmetic(t *testing.T) {
	question := "How many companies were founded in each decade?"
	gen := &scriptedGenerator{script: []scriptedCall{
		{sql: "SELECT EXTRACT(DECADE FROM founding_year) AS decade, COUNT(*) FROM companies GROUP BY EXTRACT(DECADE FROM founding_year);"},
		{sql: "SELECT (founding_year / 10) * 10 AS decade, COUNT(*) FROM companies GROUP BY (founding_year / 10) * 10 ORDER BY (founding_year / 10) * 10;"},
	}}
	svc := newSandboxService(t, fakeRetriever{ctx: withQuestion(companyPacket(), question)}, gen)

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q5", Question: question, Run: true, MaxRows: 50})

	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Rows)
	require.NotEmpty(t, resp.Rows.Rows)
}

func TestRun_RetrievalMissReturnsNoRelevantSchema(t *testing.T) {
	question := "Show me all employees."
	retrieveErr := pipelineerr.New(pipelineerr.KindNoRelevantSchema, "", "no schema entities matched the question", nil)
	svc := newSandboxService(t, fakeRetriever{err: retrieveErr}, &scriptedGenerator{})

	resp := svc.Run(context.Background(), pipeline.Request{QueryID: "q6", Question: question, Run: true, MaxRows: 10})

	require.NotNil(t, resp.Err)
	require.Equal(t, pipelineerr.KindNoRelevantSchema, resp.Err.Kind)
	require.False(t, resp.Err.Recoverable)
}
