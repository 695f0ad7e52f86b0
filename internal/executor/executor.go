// Package executor runs accepted SQL under a read-only transaction with a
// statement timeout and returns rows (spec §4.9), grounded on the
// teacher's pkg/fixgres sandbox session discipline (begin, set timeout,
// run, commit-or-rollback). Each transaction runs on a connection borrowed
// from the shared pgxpool.Pool, which returns it to the pool afterwards.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nlsql/pipeline/internal/pipelineerr"
)

type Executor struct {
	pool    *pgxpool.Pool
	maxRows int
}

func New(pool *pgxpool.Pool, maxRowsCap int) *Executor {
	return &Executor{pool: pool, maxRows: maxRowsCap}
}

// Result is the row payload returned to the caller.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Run executes sql under a read-only transaction with the given statement
// timeout, fetching up to max_rows rows (spec §4.9). The connection's role
// is assumed (not enforced here) to carry only SELECT privileges.
func (e *Executor) Run(ctx context.Context, sql string, timeout time.Duration, maxRows int) (Result, error) {
	if maxRows <= 0 || maxRows > e.maxRows {
		maxRows = e.maxRows
	}

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindExecution, "", "begin read-only transaction", err)
	}
	defer tx.Rollback(ctx)

	timeoutStmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMillis(timeout))
	if _, err := tx.Exec(ctx, timeoutStmt); err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindExecution, "", "set statement_timeout", err)
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindExecution, pgErrCode(err), "execution failed", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() && len(out) < maxRows {
		vals, err := rows.Values()
		if err != nil {
			return Result{}, pipelineerr.New(pipelineerr.KindExecution, "", "scan row", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindExecution, pgErrCode(err), "row iteration failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindExecution, "", "commit read-only transaction", err)
	}

	return Result{Columns: cols, Rows: out}, nil
}

func timeoutMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 5000
	}
	return ms
}

func pgErrCode(err error) string {
	type sqlStater interface{ SQLState() string }
	if s, ok := err.(sqlStater); ok {
		return s.SQLState()
	}
	return ""
}
