// Package catalogdb is the persistent, read-mostly schema catalog store
// (spec §3 "Lifecycles": "Catalog entries live outside the request").
// It is grounded on the teacher's pkg/richcatalog (single-CTE introspection
// batch, checksum/snapshot pattern) and pkg/pg_lineage (the minimal
// Columns/PrimaryKeys interface consumed by SQL validation).
package catalogdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/schema"
)

// Store is the catalog's read/write handle. It owns no process-global
// state; callers construct one per database pool (spec §9: "Global
// model/client singletons → injected handles").
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Tables returns every catalog table entry, ordered for deterministic
// retrieval tie-breaking (spec §4.1 step 6: "higher similarity, then
// is_hub, then lexical name").
func (s *Store) Tables(ctx context.Context) ([]schema.Table, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schema_name, table_name, module, gloss, is_hub, fk_degree
		FROM schema_tables
		ORDER BY schema_name, table_name`)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: list tables: %w", err)
	}
	defer rows.Close()

	var out []schema.Table
	for rows.Next() {
		var t schema.Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.Module, &t.Gloss, &t.IsHub, &t.FKDegree); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ColumnsOf returns the ordered column entries of one table.
func (s *Store) ColumnsOf(ctx context.Context, schemaName, tableName string) ([]schema.Column, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, ordinal, data_type, is_primary_key,
		       is_foreign_key, coalesce(fk_target_table, ''), coalesce(fk_target_column, ''), gloss
		FROM schema_columns
		WHERE schema_name = $1 AND table_name = $2
		ORDER BY ordinal`, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: columns of %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var out []schema.Column
	for rows.Next() {
		var c schema.Column
		if err := rows.Scan(&c.Table, &c.Name, &c.Ordinal, &c.DataType, &c.IsPrimaryKey,
			&c.IsForeignKey, &c.FKTargetTable, &c.FKTargetColumn, &c.Gloss); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllColumns returns every column, keyed by qualified table name.
func (s *Store) AllColumns(ctx context.Context) (map[string][]schema.Column, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schema_name, table_name, column_name, ordinal, data_type, is_primary_key,
		       is_foreign_key, coalesce(fk_target_table, ''), coalesce(fk_target_column, ''), gloss
		FROM schema_columns
		ORDER BY schema_name, table_name, ordinal`)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: all columns: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]schema.Column)
	for rows.Next() {
		var schemaName string
		var c schema.Column
		if err := rows.Scan(&schemaName, &c.Table, &c.Name, &c.Ordinal, &c.DataType, &c.IsPrimaryKey,
			&c.IsForeignKey, &c.FKTargetTable, &c.FKTargetColumn, &c.Gloss); err != nil {
			return nil, err
		}
		key := schemaName + "." + c.Table
		out[key] = append(out[key], c)
	}
	return out, rows.Err()
}

// FKEdgesAmong returns the FK edges whose both endpoints are in tables
// (spec §4.1 step 7: "collect FK edges whose both endpoints are in the
// selected set").
func (s *Store) FKEdgesAmong(ctx context.Context, tables []string) ([]schema.FKEdge, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT from_table, from_column, to_table, to_column
		FROM schema_fks
		WHERE from_table = ANY($1) AND to_table = ANY($1)`, tables)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: fk edges among: %w", err)
	}
	defer rows.Close()
	return scanFKEdges(rows)
}

// FKNeighbors returns every FK edge touching table, in either direction,
// using the symmetric storage spec §3 calls for.
func (s *Store) FKNeighbors(ctx context.Context, table string) ([]schema.FKEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_table, from_column, to_table, to_column
		FROM schema_fks
		WHERE from_table = $1 OR to_table = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: fk neighbors of %s: %w", table, err)
	}
	defer rows.Close()
	return scanFKEdges(rows)
}

func scanFKEdges(rows pgx.Rows) ([]schema.FKEdge, error) {
	var out []schema.FKEdge
	for rows.Next() {
		var e schema.FKEdge
		if err := rows.Scan(&e.FromTable, &e.FromColumn, &e.ToTable, &e.ToColumn); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Columns returns the column names of a "schema.table" name (a bare name
// defaults to the public schema), keeping the shape of the teacher's
// pkg/pg_lineage.Catalog contract. The structural validator does not call
// it; it checks references against the schema-context packet instead.
func (s *Store) Columns(ctx context.Context, qualified string) ([]string, bool) {
	parts := strings.SplitN(qualified, ".", 2)
	schemaName, tableName := "public", qualified
	if len(parts) == 2 {
		schemaName, tableName = parts[0], parts[1]
	}
	cols, err := s.ColumnsOf(ctx, schemaName, tableName)
	if err != nil || len(cols) == 0 {
		return nil, false
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, true
}

// IngestionStats summarizes one bootstrap/refresh pass (spec §4.2).
type IngestionStats struct {
	Tables  int
	Columns int
	FKs     int
}

// IngestFromTargetDB introspects the target database's live catalog
// (adapted from the teacher's pkg/richcatalog single-CTE batch query) and
// upserts schema_tables/schema_columns/schema_fks. This is the offline,
// one-shot "rebuild" operation of spec §4.2; it never runs on the request
// path.
func (s *Store) IngestFromTargetDB(ctx context.Context, target *pgxpool.Pool, schemas []string) (IngestionStats, error) {
	filter := "WHERE n.nspname NOT IN ('pg_catalog','information_schema','pg_toast')"
	if len(schemas) > 0 {
		quoted := make([]string, len(schemas))
		for i, sc := range schemas {
			quoted[i] = "'" + strings.ReplaceAll(sc, "'", "''") + "'"
		}
		filter = "WHERE n.nspname IN (" + strings.Join(quoted, ",") + ")"
	}

	q := fmt.Sprintf(`
WITH schemas AS (
  SELECT n.oid AS nspoid, n.nspname FROM pg_catalog.pg_namespace n %s
),
base_tables AS (
  SELECT c.oid AS relid, c.relname, s.nspname
  FROM pg_catalog.pg_class c JOIN schemas s ON s.nspoid = c.relnamespace
  WHERE c.relkind IN ('r','p','v','m')
),
cols AS (
  SELECT b.nspname, b.relname, a.attnum, a.attname,
         pg_catalog.format_type(a.atttypid, a.atttypmod) AS typ
  FROM base_tables b
  JOIN pg_catalog.pg_attribute a ON a.attrelid = b.relid AND a.attnum > 0 AND NOT a.attisdropped
),
pk_cols AS (
  SELECT b.nspname, b.relname, a.attname
  FROM base_tables b
  JOIN pg_catalog.pg_index i ON i.indrelid = b.relid AND i.indisprimary
  JOIN pg_catalog.pg_attribute a ON a.attrelid = b.relid AND a.attnum = ANY(i.indkey)
),
fks AS (
  SELECT sn.nspname AS src_schema, ct.relname AS src_table, sa.attname AS src_col,
         rt.relname AS dst_table, ra.attname AS dst_col
  FROM pg_catalog.pg_constraint con
  JOIN pg_catalog.pg_class ct ON ct.oid = con.conrelid
  JOIN pg_catalog.pg_namespace sn ON sn.oid = ct.relnamespace
  JOIN pg_catalog.pg_class rt ON rt.oid = con.confrelid
  JOIN unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(srcattnum, dstattnum, ord) ON true
  JOIN pg_catalog.pg_attribute sa ON sa.attrelid = ct.oid AND sa.attnum = k.srcattnum
  JOIN pg_catalog.pg_attribute ra ON ra.attrelid = rt.oid AND ra.attnum = k.dstattnum
  WHERE con.contype = 'f'
)
SELECT 'COL' AS kind, nspname, relname, attnum, attname, typ, NULL, NULL, NULL, NULL
FROM cols
UNION ALL
SELECT 'PK', nspname, relname, NULL, attname, NULL, NULL, NULL, NULL, NULL
FROM pk_cols
UNION ALL
SELECT 'FK', src_schema, src_table, NULL, src_col, NULL, dst_table, dst_col, NULL, NULL
FROM fks`, filter)

	rows, err := target.Query(ctx, q)
	if err != nil {
		return IngestionStats{}, fmt.Errorf("catalogdb: introspect: %w", err)
	}
	defer rows.Close()

	type colKey struct{ schemaName, table, col string }
	pks := map[colKey]bool{}
	type colRow struct {
		attnum   int
		col, typ string
	}
	tableCols := map[string][]colRow{}
	type fkRow struct{ fromCol, toTable, toCol string }
	tableFKs := map[string][]fkRow{}
	tableSchemas := map[string]string{}

	for rows.Next() {
		var kind, nsp, rel string
		var attnum *int
		var attname string
		var typ, dstTable, dstCol *string
		var unused1, unused2 *string
		if err := rows.Scan(&kind, &nsp, &rel, &attnum, &attname, &typ, &dstTable, &dstCol, &unused1, &unused2); err != nil {
			return IngestionStats{}, err
		}
		key := nsp + "." + rel
		tableSchemas[key] = nsp
		switch kind {
		case "COL":
			n := 0
			if attnum != nil {
				n = *attnum
			}
			t := ""
			if typ != nil {
				t = *typ
			}
			tableCols[key] = append(tableCols[key], colRow{attnum: n, col: attname, typ: t})
		case "PK":
			pks[colKey{nsp, rel, attname}] = true
		case "FK":
			tableFKs[key] = append(tableFKs[key], fkRow{
				fromCol: attname,
				toTable: derefStr(dstTable),
				toCol:   derefStr(dstCol),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return IngestionStats{}, err
	}

	// Build and upsert table/column/FK rows deterministically (sorted keys)
	// so repeated ingestion of an unchanged catalog is idempotent (spec §8).
	keys := make([]string, 0, len(tableCols))
	for k := range tableCols {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IngestionStats{}, err
	}
	defer tx.Rollback(ctx)

	stats := IngestionStats{}
	for _, key := range keys {
		nsp := tableSchemas[key]
		rel := strings.TrimPrefix(key, nsp+".")
		fkDegree := len(tableFKs[key])
		isHub := fkDegree >= 3

		if _, err := tx.Exec(ctx, `
			INSERT INTO schema_tables (schema_name, table_name, is_hub, fk_degree)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (schema_name, table_name) DO UPDATE
			SET is_hub = EXCLUDED.is_hub, fk_degree = EXCLUDED.fk_degree`,
			nsp, rel, isHub, fkDegree); err != nil {
			return IngestionStats{}, fmt.Errorf("catalogdb: upsert table %s: %w", key, err)
		}
		stats.Tables++

		fkByCol := map[string]fkRow{}
		for _, f := range tableFKs[key] {
			fkByCol[f.fromCol] = f
		}

		cols := tableCols[key]
		sort.Slice(cols, func(i, j int) bool { return cols[i].attnum < cols[j].attnum })
		for _, c := range cols {
			isPK := pks[colKey{nsp, rel, c.col}]
			fk, isFK := fkByCol[c.col]
			var fkTable, fkCol any
			if isFK {
				fkTable, fkCol = fk.toTable, fk.toCol
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO schema_columns (schema_name, table_name, column_name, ordinal,
					data_type, is_primary_key, is_foreign_key, fk_target_table, fk_target_column)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (schema_name, table_name, column_name) DO UPDATE
				SET ordinal = EXCLUDED.ordinal, data_type = EXCLUDED.data_type,
					is_primary_key = EXCLUDED.is_primary_key, is_foreign_key = EXCLUDED.is_foreign_key,
					fk_target_table = EXCLUDED.fk_target_table, fk_target_column = EXCLUDED.fk_target_column`,
				nsp, rel, c.col, c.attnum, c.typ, isPK, isFK, fkTable, fkCol); err != nil {
				return IngestionStats{}, fmt.Errorf("catalogdb: upsert column %s.%s: %w", key, c.col, err)
			}
			stats.Columns++
		}

		for _, f := range tableFKs[key] {
			if _, err := tx.Exec(ctx, `
				INSERT INTO schema_fks (schema_name, from_table, from_column, to_table, to_column)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT DO NOTHING`, nsp, rel, f.fromCol, f.toTable, f.toCol); err != nil {
				return IngestionStats{}, fmt.Errorf("catalogdb: upsert fk %s.%s: %w", key, f.fromCol, err)
			}
			stats.FKs++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return IngestionStats{}, err
	}
	s.logger.Info("catalog ingested",
		zap.Int("tables", stats.Tables), zap.Int("columns", stats.Columns), zap.Int("fks", stats.FKs))
	return stats, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
