// Package planner implements the planner check of spec §4.7: run
// EXPLAIN (FORMAT JSON) in a read-only session with a short statement
// timeout, capture the SQLSTATE/message/hint on failure, and for
// undefined-column errors enrich the failure with replacement-column
// candidates. Grounded on the teacher's pgx-native session style
// (pkg/fixgres's read-only sandbox sessions) for the EXPLAIN round trip,
// and on pkg/pg_lineage for the AST-adjacent notion of a packet-scoped
// column universe.
package planner

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nlsql/pipeline/internal/catalogdb"
	"github.com/nlsql/pipeline/internal/pipelineerr"
	"github.com/nlsql/pipeline/internal/schema"
)

// ColumnEmbedder embeds the undefined column name for the
// embedding-similarity fallback.
type ColumnEmbedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// EmbeddingCandidateSource resolves embedding-similarity column candidates,
// backed by internal/catalogdb.Store.ColumnCandidatesByEmbedding.
type EmbeddingCandidateSource interface {
	ColumnCandidatesByEmbedding(ctx context.Context, query []float32, tables []string, limit int) ([]catalogdb.EmbeddingHit, error)
}

type Planner struct {
	pool     *pgxpool.Pool
	embedder ColumnEmbedder
	source   EmbeddingCandidateSource
}

func New(pool *pgxpool.Pool, embedder ColumnEmbedder, source EmbeddingCandidateSource) *Planner {
	return &Planner{pool: pool, embedder: embedder, source: source}
}

// CandidateMatch is one replacement-column suggestion (spec §4.7).
type CandidateMatch struct {
	Table      string
	Column     string
	DataType   string
	Gloss      string
	MatchType  string // exact|prefix|suffix|fuzzy|embedding
	MatchScore float64
}

// Result is the planner's verdict for one candidate SQL.
type Result struct {
	OK                     bool
	SQLSTATE               string
	Message                string
	Hint                   string
	UndefinedColumn        string
	ColumnCandidates       []CandidateMatch
	MinimalColumnWhitelist []string
}

// Check runs EXPLAIN (FORMAT JSON) <sql> in a read-only transaction with a
// statement timeout (spec §4.7).
func (p *Planner) Check(ctx context.Context, sql string, timeout time.Duration, pctx schema.Context) (Result, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindInternal, "", "begin planner transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = "+timeoutMillis(timeout)); err != nil {
		return Result{}, pipelineerr.New(pipelineerr.KindInternal, "", "set planner statement_timeout", err)
	}

	_, err = tx.Exec(ctx, "EXPLAIN (FORMAT JSON) "+sql)
	if err == nil {
		return Result{OK: true}, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Result{}, pipelineerr.New(pipelineerr.KindPlanner, "", "planner check failed", err)
	}

	res := Result{
		OK:       false,
		SQLSTATE: pgErr.Code,
		Message:  pgErr.Message,
		Hint:     pgErr.Hint,
	}

	if pgErr.Code == "42703" {
		res.UndefinedColumn = extractUndefinedColumn(pgErr.Message)
		if res.UndefinedColumn != "" {
			candidates := p.enrichColumnCandidates(ctx, res.UndefinedColumn, pctx)
			res.ColumnCandidates = candidates
			res.MinimalColumnWhitelist = minimalWhitelist(candidates, pctx)
		}
	}

	return res, nil
}

func timeoutMillis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 5000
	}
	return "'" + itoa(ms) + "ms'"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// extractUndefinedColumn parses Postgres's `column "x" does not exist`
// message for the offending column name.
func extractUndefinedColumn(message string) string {
	const marker = `column "`
	idx := strings.Index(message, marker)
	if idx < 0 {
		return ""
	}
	rest := message[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	name := rest[:end]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	return name
}

// enrichColumnCandidates implements spec §4.7's four-stage match cascade:
// exact, case-insensitive prefix/suffix, fuzzy edit distance <= 2, then an
// embedding-similarity fallback scoped to the packet's tables.
func (p *Planner) enrichColumnCandidates(ctx context.Context, wrongCol string, pctx schema.Context) []CandidateMatch {
	var out []CandidateMatch
	lower := strings.ToLower(wrongCol)

	for _, t := range pctx.Tables {
		for _, c := range t.Columns {
			cl := strings.ToLower(c.Name)
			switch {
			case cl == lower:
				out = append(out, match(t, c, "exact", 1.0))
			case strings.HasPrefix(cl, lower) || strings.HasPrefix(lower, cl):
				out = append(out, match(t, c, "prefix", 0.8))
			case strings.HasSuffix(cl, lower) || strings.HasSuffix(lower, cl):
				out = append(out, match(t, c, "suffix", 0.75))
			default:
				if d := levenshtein(lower, cl); d <= 2 {
					score := 1.0 - float64(d)/float64(maxInt(len(lower), len(cl)))
					out = append(out, match(t, c, "fuzzy", score))
				}
			}
		}
	}

	if len(out) == 0 && p.embedder != nil && p.source != nil {
		vec, err := p.embedder.Embed(ctx, "", wrongCol)
		if err == nil {
			// schema_embeddings.table_name holds bare table names.
			tables := make([]string, len(pctx.Tables))
			for i, t := range pctx.Tables {
				tables[i] = t.Table.Name
			}
			hits, err := p.source.ColumnCandidatesByEmbedding(ctx, vec, tables, 5)
			if err == nil {
				for _, h := range hits {
					out = append(out, CandidateMatch{
						Table:      h.Table,
						Column:     h.Column,
						MatchType:  "embedding",
						MatchScore: h.Similarity,
					})
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchScore > out[j].MatchScore })
	return out
}

func match(t schema.ContextTable, c schema.Column, kind string, score float64) CandidateMatch {
	return CandidateMatch{
		Table:      t.Table.Name,
		Column:     c.Name,
		DataType:   c.DataType,
		Gloss:      c.Gloss,
		MatchType:  kind,
		MatchScore: score,
	}
}

// minimalWhitelist builds the resolved table's columns plus first-FK-hop
// neighbor columns (spec §4.7: "a minimal column whitelist").
func minimalWhitelist(candidates []CandidateMatch, pctx schema.Context) []string {
	if len(candidates) == 0 {
		return nil
	}
	resolvedTable := candidates[0].Table

	seen := map[string]bool{}
	var out []string
	add := func(table string) {
		for _, c := range pctx.ColumnsOf(table) {
			key := table + "." + c.Name
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	add(resolvedTable)
	for _, e := range pctx.FKEdges {
		if e.FromTable == resolvedTable {
			add(e.ToTable)
		} else if e.ToTable == resolvedTable {
			add(e.FromTable)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// levenshtein computes standard edit distance between a and b.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
