package catalogdb_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/catalogdb"
	"github.com/nlsql/pipeline/pkg/fixgres"
)

func TestMain(m *testing.M) {
	// catalogdb.Migrate creates the vector extension, which the default
	// postgres:16-alpine image does not ship.
	fixgres.BootOnce(&testing.T{}, fixgres.WithImage("pgvector/pgvector:pg16"))
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func newStore(t *testing.T) (*catalogdb.Store, *pgxpool.Pool) {
	store, pool, _ := newStoreWithSchema(t)
	return store, pool
}

func newStoreWithSchema(t *testing.T) (*catalogdb.Store, *pgxpool.Pool, string) {
	t.Helper()
	sbx := fixgres.NewSandbox(t)
	require.NoError(t, catalogdb.Migrate(sbx.DB))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, sbx.DSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return catalogdb.New(pool, zap.NewNop()), pool, sbx.Schema
}

func seedCompaniesSchema(t *testing.T, store *catalogdb.Store, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO schema_tables (schema_name, table_name, module, gloss, is_hub, fk_degree)
		VALUES ('public','companies','core','companies in the catalog', true, 1),
		       ('public','company_revenue','finance','annual revenue by company', false, 1)`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO schema_columns (schema_name, table_name, column_name, ordinal, data_type, is_primary_key, is_foreign_key, fk_target_table, fk_target_column, gloss)
		VALUES
			('public','companies','company_id',1,'integer',true,false,NULL,NULL,'primary key'),
			('public','companies','name',2,'text',false,false,NULL,NULL,'company name'),
			('public','company_revenue','company_id',1,'integer',false,true,'companies','company_id','owning company'),
			('public','company_revenue','revenue_millions',2,'numeric',false,false,NULL,NULL,'revenue in millions')`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO schema_fks (schema_name, from_table, from_column, to_table, to_column)
		VALUES ('public','company_revenue','company_id','companies','company_id')`)
	require.NoError(t, err)
}

func TestStore_TablesAndColumnsRoundTrip(t *testing.T) {
	store, pool := newStore(t)
	seedCompaniesSchema(t, store, pool)

	ctx := context.Background()
	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	names := map[string]bool{}
	for _, tb := range tables {
		names[tb.Name] = true
	}
	require.True(t, names["companies"])
	require.True(t, names["company_revenue"])

	cols, err := store.ColumnsOf(ctx, "public", "companies")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	require.Equal(t, "company_id", cols[0].Name)
	require.True(t, cols[0].IsPrimaryKey)
}

func TestStore_FKEdgesAmongAndNeighbors(t *testing.T) {
	store, pool := newStore(t)
	seedCompaniesSchema(t, store, pool)

	ctx := context.Background()
	edges, err := store.FKEdgesAmong(ctx, []string{"companies", "company_revenue"})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "company_revenue", edges[0].FromTable)
	require.Equal(t, "companies", edges[0].ToTable)

	neighbors, err := store.FKNeighbors(ctx, "companies")
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
}

func TestStore_IngestFromTargetDBIsIdempotent(t *testing.T) {
	store, _ := newStore(t)

	// The introspected tables live in a second sandbox schema, apart from
	// the catalog's own migrated tables, so only widgets/widget_parts count.
	target := fixgres.NewSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	targetPool, err := pgxpool.New(ctx, target.DSN)
	require.NoError(t, err)
	t.Cleanup(targetPool.Close)

	_, err = targetPool.Exec(ctx, `
		CREATE TABLE widgets (id serial PRIMARY KEY, label text);
		CREATE TABLE widget_parts (id serial PRIMARY KEY, widget_id integer REFERENCES widgets(id), part_name text)`)
	require.NoError(t, err)

	stats1, err := store.IngestFromTargetDB(ctx, targetPool, []string{target.Schema})
	require.NoError(t, err)
	require.Equal(t, 2, stats1.Tables)

	stats2, err := store.IngestFromTargetDB(ctx, targetPool, []string{target.Schema})
	require.NoError(t, err)
	require.Equal(t, stats1.Tables, stats2.Tables)
	require.Equal(t, stats1.Columns, stats2.Columns)

	tables, err := store.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)
}
