package catalogdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/schema"
)

// Embedder produces a dense vector for one text (spec §2 "Embedding
// client"). Defined locally so this package does not import internal/
// embedclient or internal/retriever's identically-shaped interface.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// EmbedStats summarizes one RebuildEmbeddings pass.
type EmbedStats struct {
	Tables  int
	Columns int
	Modules int
}

// moduleSummaryTables caps how many of a module's tables feed its module
// embedding's embed_text (spec §4.2: "Module embeddings summarize the
// first K tables in the module").
const moduleSummaryTables = 5

// timestampTypes are excluded from column embedding per spec §4.2 ("For
// each non-trivial column (timestamps excluded)").
var timestampTypes = map[string]bool{
	"timestamp":                   true,
	"timestamp without time zone": true,
	"timestamp with time zone":    true,
	"date":                        true,
	"time":                        true,
	"time without time zone":      true,
	"time with time zone":         true,
}

// RebuildEmbeddings is the offline, one-shot "rebuild" operation of spec
// §4.2: it backfills schema_tables.module from module_mapping, then
// renders and upserts table, column, and module embeddings. It never
// runs on the request-serving path; the entrypoint exposes it as a CLI
// flag (cmd/server -rebuild-embeddings), mirroring the out-of-core
// bootstrapping tooling spec.md §1 carves out of scope.
func (s *Store) RebuildEmbeddings(ctx context.Context, embedder Embedder, modelID string, dim int) (EmbedStats, error) {
	if err := s.backfillModules(ctx); err != nil {
		return EmbedStats{}, err
	}

	tables, err := s.Tables(ctx)
	if err != nil {
		return EmbedStats{}, fmt.Errorf("catalogdb: rebuild embeddings: list tables: %w", err)
	}

	stats := EmbedStats{}
	byModule := map[string][]schema.Table{}
	for _, t := range tables {
		cols, err := s.ColumnsOf(ctx, t.Schema, t.Name)
		if err != nil {
			return stats, fmt.Errorf("catalogdb: rebuild embeddings: columns of %s: %w", t.Qualified(), err)
		}
		fks, err := s.FKNeighbors(ctx, t.Name)
		if err != nil {
			return stats, fmt.Errorf("catalogdb: rebuild embeddings: fk neighbors of %s: %w", t.Name, err)
		}

		text := tableEmbedText(t, cols, fks)
		vec, err := embedder.Embed(ctx, modelID, text)
		if err != nil {
			return stats, fmt.Errorf("catalogdb: rebuild embeddings: embed table %s: %w", t.Qualified(), err)
		}
		if err := s.UpsertEmbedding(ctx, schema.Embedding{
			EntityType: schema.EntityTable, Schema: t.Schema, Table: t.Name,
			ModelID: modelID, Dim: dim, EmbedText: text, Vector: vec,
		}); err != nil {
			return stats, err
		}
		stats.Tables++

		for _, c := range cols {
			if timestampTypes[strings.ToLower(c.DataType)] {
				continue
			}
			ctext := columnEmbedText(t, c)
			cvec, err := embedder.Embed(ctx, modelID, ctext)
			if err != nil {
				return stats, fmt.Errorf("catalogdb: rebuild embeddings: embed column %s.%s: %w", t.Name, c.Name, err)
			}
			if err := s.UpsertEmbedding(ctx, schema.Embedding{
				EntityType: schema.EntityColumn, Schema: t.Schema, Table: t.Name, Column: c.Name,
				ModelID: modelID, Dim: dim, EmbedText: ctext, Vector: cvec,
			}); err != nil {
				return stats, err
			}
			stats.Columns++
		}

		if t.Module != "" {
			byModule[t.Module] = append(byModule[t.Module], t)
		}
	}

	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	for _, m := range modules {
		mtables := byModule[m]
		sort.Slice(mtables, func(i, j int) bool { return mtables[i].Name < mtables[j].Name })
		if len(mtables) > moduleSummaryTables {
			mtables = mtables[:moduleSummaryTables]
		}
		text := moduleEmbedText(m, mtables)
		vec, err := embedder.Embed(ctx, modelID, text)
		if err != nil {
			return stats, fmt.Errorf("catalogdb: rebuild embeddings: embed module %s: %w", m, err)
		}
		if err := s.UpsertModuleEmbedding(ctx, m, modelID, dim, text, vec); err != nil {
			return stats, err
		}
		stats.Modules++
	}

	s.logger.Info("embeddings rebuilt",
		zap.Int("tables", stats.Tables), zap.Int("columns", stats.Columns), zap.Int("modules", stats.Modules))
	return stats, nil
}

// backfillModules copies module_mapping into schema_tables.module, the
// join spec §3's "Table entry" requires ("a table belongs to exactly one
// module") but that schema introspection alone cannot discover.
func (s *Store) backfillModules(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schema_tables t
		SET module = m.module
		FROM module_mapping m
		WHERE m.schema_name = t.schema_name AND m.table_name = t.table_name
		  AND t.module IS DISTINCT FROM m.module`)
	if err != nil {
		return fmt.Errorf("catalogdb: backfill modules: %w", err)
	}
	return nil
}

// tableEmbedText renders the deterministic embed_text for one table (spec
// §4.2): name, module, gloss, column list with key/FK annotations, and
// foreign keys.
func tableEmbedText(t schema.Table, cols []schema.Column, fks []schema.FKEdge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n", t.Name)
	fmt.Fprintf(&b, "Module: %s\n", t.Module)
	fmt.Fprintf(&b, "Description: %s\n", t.Gloss)
	b.WriteString("Columns:\n")
	for _, c := range cols {
		b.WriteString("  " + c.Name + " (" + c.DataType + ")")
		switch {
		case c.IsPrimaryKey:
			b.WriteString(" [PK]")
		case c.IsForeignKey:
			b.WriteString(" [FK→" + c.FKTargetTable + "." + c.FKTargetColumn + "]")
		}
		b.WriteString("\n")
	}
	if len(fks) > 0 {
		b.WriteString("Foreign Keys:\n")
		for _, e := range fks {
			if e.FromTable == t.Name {
				fmt.Fprintf(&b, "  %s → %s.%s\n", e.FromColumn, e.ToTable, e.ToColumn)
			}
		}
	}
	return b.String()
}

// columnEmbedText renders the deterministic embed_text for one column
// (spec §4.2).
func columnEmbedText(t schema.Table, c schema.Column) string {
	tag := ""
	switch {
	case c.IsPrimaryKey:
		tag = " [PK]"
	case c.IsForeignKey:
		tag = " [FK→" + c.FKTargetTable + "." + c.FKTargetColumn + "]"
	}
	return fmt.Sprintf("Column: %s.%s (%s)%s in %s module", t.Name, c.Name, c.DataType, tag, t.Module)
}

// moduleEmbedText renders the deterministic embed_text for one module,
// summarizing its first K tables (spec §4.2).
func moduleEmbedText(module string, tables []schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Module: %s\n", module)
	b.WriteString("Tables:\n")
	for _, t := range tables {
		b.WriteString("  " + t.Name)
		if t.Gloss != "" {
			b.WriteString(" - " + t.Gloss)
		}
		b.WriteString("\n")
	}
	return b.String()
}
