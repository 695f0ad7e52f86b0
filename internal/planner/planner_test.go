package planner_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pipeline/internal/planner"
	"github.com/nlsql/pipeline/internal/schema"
	"github.com/nlsql/pipeline/pkg/fixgres"
)

func TestMain(m *testing.M) {
	fixgres.BootOnce(&testing.T{})
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func newPool(t *testing.T) *pgxpool.Pool {
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

	return pool
}

func companyRevenuePacket() schema.Context {
	companies := schema.Table{Schema: "public", Name: "companies"}
	revenue := schema.Table{Schema: "public", Name: "company_revenue_annual"}
	return schema.Context{
		Tables: []schema.ContextTable{
			{Table: companies, Columns: []schema.Column{
				{Table: "companies", Name: "company_id", DataType: "integer", IsPrimaryKey: true},
				{Table: "companies", Name: "name", DataType: "text"},
			}},
			{Table: revenue, Columns: []schema.Column{
				{Table: "company_revenue_annual", Name: "company_id", DataType: "integer"},
				{Table: "company_revenue_annual", Name: "revenue_millions", DataType: "numeric"},
			}},
		},
		FKEdges: []schema.FKEdge{
			{FromTable: "company_revenue_annual", FromColumn: "company_id", ToTable: "companies", ToColumn: "company_id"},
		},
	}
}

func TestCheck_ValidSQLPasses(t *testing.T) {
	pool := newPool(t)
	p := planner.New(pool, nil, nil)

	res, err := p.Check(context.Background(), "SELECT COUNT(*) FROM companies", 5*time.Second, companyRevenuePacket())
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestCheck_UndefinedColumnEnrichesFuzzyCandidate(t *testing.T) {
	pool := newPool(t)
	p := planner.New(pool, nil, nil)

	res, err := p.Check(context.Background(), "SELECT revenue FROM company_revenue_annual ORDER BY revenue DESC", 5*time.Second, companyRevenuePacket())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "42703", res.SQLSTATE)
	require.Equal(t, "revenue", res.UndefinedColumn)

	var foundRevenueMillions bool
	for _, c := range res.ColumnCandidates {
		if c.Table == "company_revenue_annual" && c.Column == "revenue_millions" {
			foundRevenueMillions = true
			require.Contains(t, []string{"fuzzy", "prefix"}, c.MatchType)
		}
	}
	require.True(t, foundRevenueMillions, "expected revenue_millions among the candidates")
	require.Contains(t, res.MinimalColumnWhitelist, "company_revenue_annual.revenue_millions")
}

func TestCheck_UndefinedTable(t *testing.T) {
	pool := newPool(t)
	p := planner.New(pool, nil, nil)

	res, err := p.Check(context.Background(), "SELECT * FROM employees", 5*time.Second, companyRevenuePacket())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "42P01", res.SQLSTATE)
}
