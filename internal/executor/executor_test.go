package executor_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pipeline/internal/executor"
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

	_, err = pool.Exec(ctx, `CREATE TABLE companies (company_id serial PRIMARY KEY, name text)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO companies (name) VALUES ('Titan Financial Services'), ('Acme Co')`)
	require.NoError(t, err)

	return pool
}

func TestRun_ReturnsColumnsAndRows(t *testing.T) {
	ex := executor.New(newPool(t), 100)

	res, err := ex.Run(context.Background(), "SELECT company_id, name FROM companies ORDER BY company_id", 5*time.Second, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"company_id", "name"}, res.Columns)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "Titan Financial Services", res.Rows[0][1])
}

func TestRun_CapsRowsAtRequestedMax(t *testing.T) {
	ex := executor.New(newPool(t), 100)

	res, err := ex.Run(context.Background(), "SELECT company_id FROM companies ORDER BY company_id", 5*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestRun_RejectsWriteUnderReadOnlyTransaction(t *testing.T) {
	ex := executor.New(newPool(t), 100)

	_, err := ex.Run(context.Background(), "INSERT INTO companies (name) VALUES ('Nope')", 5*time.Second, 10)
	require.Error(t, err)
}
