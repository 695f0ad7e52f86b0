package promptcompose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nlsql/pipeline/internal/issue"
	"github.com/nlsql/pipeline/internal/schema"
)

func sampleContext() schema.Context {
	companies := schema.Table{Schema: "public", Name: "companies", Module: "core", IsHub: true}
	revenue := schema.Table{Schema: "public", Name: "company_revenue", Module: "finance"}
	cols := []schema.Column{{Table: "companies", Name: "company_id", Ordinal: 1, DataType: "integer", IsPrimaryKey: true}}
	return schema.Context{
		DatabaseID: "acme",
		Question:   "How many companies are there?",
		Tables: []schema.ContextTable{
			{Table: companies, Columns: cols, MSchema: schema.MSchema(companies, cols), Provenance: schema.ProvenanceRetrieval},
			{Table: revenue, Provenance: schema.ProvenanceFKExpand},
		},
		FKEdges: []schema.FKEdge{{FromTable: "company_revenue", FromColumn: "company_id", ToTable: "companies", ToColumn: "company_id"}},
	}
}

func TestBase_IsDeterministic(t *testing.T) {
	ctx := sampleContext()
	a := Base(ctx, "both")
	b := Base(ctx, "both")
	assert.Equal(t, a, b)
}

func TestBase_GroupsByModuleAndIncludesQuestion(t *testing.T) {
	ctx := sampleContext()
	out := Base(ctx, "edges")
	assert.Contains(t, out, "module: core")
	assert.Contains(t, out, "module: finance")
	assert.Contains(t, out, ctx.Question)
	assert.True(t, strings.HasSuffix(out, terminator))
}

func TestJoinHintFormat_None(t *testing.T) {
	out := Base(sampleContext(), "none")
	assert.NotContains(t, out, "Foreign keys")
}

func TestCompose_NoDeltasReturnsBaseUnchanged(t *testing.T) {
	base := Base(sampleContext(), "both")
	assert.Equal(t, base, Compose(base, nil))
}

func TestCompose_IsPureConcatenation(t *testing.T) {
	base := Base(sampleContext(), "both")
	deltas := []Delta{
		{Kind: DeltaSemantic, Issues: []issue.Issue{{Code: "MISSING_ENTITY", Message: "entity missing"}}},
		{Kind: DeltaPlanner, Issues: []issue.Issue{{Code: "PLANNER_42703", Message: "undefined column"}}, ColumnWhitelist: []string{"companies.name"}},
	}
	got := Compose(base, deltas)
	want := base + "\n\n" + strings.Join(renderedDeltas(deltas), "\n\n")
	assert.Equal(t, want, got)
}

func TestCompose_OrdersSemanticBeforeStructuralBeforePlanner(t *testing.T) {
	base := Base(sampleContext(), "none")
	deltas := []Delta{
		{Kind: DeltaPlanner, Issues: []issue.Issue{{Code: "PLANNER_42P01", Message: "undefined table"}}},
		{Kind: DeltaSemantic, Issues: []issue.Issue{{Code: "MISSING_ENTITY", Message: "entity missing"}}},
		{Kind: DeltaStructural, Issues: []issue.Issue{{Code: "UNKNOWN_COLUMN", Message: "bad column"}}},
	}
	out := Compose(base, deltas)
	semIdx := strings.Index(out, "MISSING_ENTITY")
	structIdx := strings.Index(out, "UNKNOWN_COLUMN")
	plannerIdx := strings.Index(out, "PLANNER_42P01")
	assert.True(t, semIdx < structIdx)
	assert.True(t, structIdx < plannerIdx)
}

func TestCompose_DoesNotMutateBase(t *testing.T) {
	base := Base(sampleContext(), "both")
	original := base
	_ = Compose(base, []Delta{{Kind: DeltaStructural, Issues: []issue.Issue{{Code: "X", Message: "y"}}}})
	assert.Equal(t, original, base)
}
