// Package retriever builds the schema-context packet for one question
// (spec §4.1): hybrid dense+keyword table retrieval, FK expansion, join-path
// discovery, and deterministic capping/tie-breaking. Grounded on the
// teacher's pkg/richcatalog for the catalog-shape conventions and on
// MediSync's warehouse/retrieval.go for the dense+keyword fan-out-then-merge
// pattern (three independent queries — table dense, column dense, keyword —
// joined with sync.WaitGroup, not a single SQL UNION).
package retriever

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nlsql/pipeline/internal/catalogdb"
	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/pipelineerr"
	"github.com/nlsql/pipeline/internal/schema"
)

type Catalog interface {
	Tables(ctx context.Context) ([]schema.Table, error)
	ColumnsOf(ctx context.Context, schemaName, tableName string) ([]schema.Column, error)
	FKEdgesAmong(ctx context.Context, tables []string) ([]schema.FKEdge, error)
	FKNeighbors(ctx context.Context, table string) ([]schema.FKEdge, error)
	SearchTablesDense(ctx context.Context, query []float32, limit int, threshold float64) ([]catalogdb.EmbeddingHit, error)
	SearchColumnsDense(ctx context.Context, query []float32, limit int, threshold float64) ([]catalogdb.EmbeddingHit, error)
	SearchTablesKeyword(ctx context.Context, question string, limit int) ([]catalogdb.EmbeddingHit, error)
}

type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

type Retriever struct {
	catalog  Catalog
	embedder Embedder
	cfg      config.Retrieval
	logger   *zap.Logger
}

func New(catalog Catalog, embedder Embedder, cfg config.Retrieval, logger *zap.Logger) *Retriever {
	return &Retriever{catalog: catalog, embedder: embedder, cfg: cfg, logger: logger}
}

type candidate struct {
	table      schema.Table
	similarity float64
	provenance schema.Provenance
}

// Resolve builds the schema-context packet for one question (spec §4.1,
// steps 1 through 8).
func (r *Retriever) Resolve(ctx context.Context, queryID, databaseID, question string) (schema.Context, error) {
	dense, columns, keyword, err := r.fanOutSearch(ctx, question)
	if err != nil {
		return schema.Context{}, err
	}

	merged := mergeHits(dense, keyword, columns)
	if len(merged) == 0 {
		return schema.Context{}, pipelineerr.New(pipelineerr.KindNoRelevantSchema, "", "no schema entities matched the question", nil)
	}

	allTables, err := r.catalog.Tables(ctx)
	if err != nil {
		return schema.Context{}, pipelineerr.New(pipelineerr.KindInternal, "", "load catalog tables", err)
	}
	byName := make(map[string]schema.Table, len(allTables))
	for _, t := range allTables {
		byName[t.Name] = t
	}

	seeds := make([]candidate, 0, len(merged))
	for _, m := range merged {
		t, ok := byName[m.table]
		if !ok {
			continue
		}
		seeds = append(seeds, candidate{table: t, similarity: m.similarity, provenance: schema.ProvenanceRetrieval})
	}
	if len(seeds) == 0 {
		return schema.Context{}, pipelineerr.New(pipelineerr.KindNoRelevantSchema, "", "retrieval hits did not resolve to catalog tables", nil)
	}

	selected := expandFKNeighbors(ctx, r.catalog, seeds, r.cfg.FKExpansionHops, r.logger)
	resolved := make([]candidate, 0, len(selected))
	for _, c := range selected {
		t, ok := byName[c.table.Name]
		if !ok {
			continue
		}
		t.Name = c.table.Name // preserve resolved identity; rest of fields come from catalog
		resolved = append(resolved, candidate{table: t, similarity: c.similarity, provenance: c.provenance})
	}
	selected = capAndOrder(resolved, r.cfg.MaxTables)

	tableNames := make([]string, len(selected))
	for i, c := range selected {
		tableNames[i] = c.table.Name
	}

	fkEdges, err := r.catalog.FKEdgesAmong(ctx, tableNames)
	if err != nil {
		return schema.Context{}, pipelineerr.New(pipelineerr.KindInternal, "", "load fk edges", err)
	}

	contextTables := make([]schema.ContextTable, len(selected))
	modulesSeen := map[string]bool{}
	var modules []string
	for i, c := range selected {
		cols, err := r.catalog.ColumnsOf(ctx, c.table.Schema, c.table.Name)
		if err != nil {
			return schema.Context{}, pipelineerr.New(pipelineerr.KindInternal, "", "load columns of "+c.table.Name, err)
		}
		contextTables[i] = schema.ContextTable{
			Table:      c.table,
			Columns:    cols,
			MSchema:    schema.MSchema(c.table, cols),
			Similarity: c.similarity,
			Provenance: c.provenance,
		}
		if c.table.Module != "" && !modulesSeen[c.table.Module] {
			modulesSeen[c.table.Module] = true
			modules = append(modules, c.table.Module)
		}
	}
	sort.Strings(modules)

	joinPaths := discoverJoinPaths(tableNames, fkEdges, 3)

	return schema.Context{
		QueryID:    queryID,
		DatabaseID: databaseID,
		Question:   question,
		Tables:     contextTables,
		FKEdges:    fkEdges,
		Modules:    modules,
		JoinHints:  fkEdges,
		JoinPaths:  joinPaths,
	}, nil
}

// fanOutSearch runs table-level dense, column-level dense, and keyword
// retrieval concurrently (spec §4.1 steps 2-3: table and column dense
// search are independent channels over the same question embedding).
func (r *Retriever) fanOutSearch(ctx context.Context, question string) (dense, columns, keyword []catalogdb.EmbeddingHit, err error) {
	var wg sync.WaitGroup
	var denseErr, columnErr, keywordErr error

	wg.Add(3)
	go func() {
		defer wg.Done()
		vec, embedErr := r.embedder.Embed(ctx, "", question)
		if embedErr != nil {
			denseErr = embedErr
			return
		}
		dense, denseErr = r.catalog.SearchTablesDense(ctx, vec, r.cfg.DenseTopK, r.cfg.SimilarityThreshold)
	}()
	go func() {
		defer wg.Done()
		vec, embedErr := r.embedder.Embed(ctx, "", question)
		if embedErr != nil {
			columnErr = embedErr
			return
		}
		columns, columnErr = r.catalog.SearchColumnsDense(ctx, vec, r.cfg.DenseTopK, r.cfg.SimilarityThreshold)
	}()
	go func() {
		defer wg.Done()
		keyword, keywordErr = r.catalog.SearchTablesKeyword(ctx, question, r.cfg.KeywordTopK)
	}()
	wg.Wait()

	// Dense table retrieval is the primary signal; column dense search and
	// keyword search both degrade gracefully (spec §4.1: the channels are
	// independent, not interdependent — neither one's failure sinks the
	// request).
	if denseErr != nil {
		return nil, nil, nil, pipelineerr.New(pipelineerr.KindInternal, "", "dense retrieval failed", denseErr)
	}
	if columnErr != nil {
		r.logger.Warn("column dense retrieval failed, continuing without it", zap.Error(columnErr))
		columns = nil
	}
	if keywordErr != nil {
		r.logger.Warn("keyword retrieval failed, continuing with dense only", zap.Error(keywordErr))
		keyword = nil
	}
	return dense, columns, keyword, nil
}

// mergeHits dedups by table name, keeping the maximum similarity observed
// across the table-dense, keyword, and column-dense channels (spec §4.1
// step 4). A column hit contributes its owning table to the candidate set
// with the column's similarity boosted into the table score (spec §4.1
// step 3) — i.e. it competes on the same max-similarity footing as a
// direct table hit, so a strong column match can surface a table that
// neither table-dense nor keyword search found on its own.
func mergeHits(dense, keyword, columns []catalogdb.EmbeddingHit) []catalogdb.EmbeddingHit {
	best := map[string]float64{}
	for _, h := range dense {
		if h.Similarity > best[h.Table] {
			best[h.Table] = h.Similarity
		}
	}
	for _, h := range keyword {
		if h.Similarity > best[h.Table] {
			best[h.Table] = h.Similarity
		}
	}
	for _, h := range columns {
		if h.Similarity > best[h.Table] {
			best[h.Table] = h.Similarity
		}
	}
	out := make([]catalogdb.EmbeddingHit, 0, len(best))
	for table, sim := range best {
		out = append(out, catalogdb.EmbeddingHit{EntityType: schema.EntityTable, Table: table, Similarity: sim})
	}
	return out
}

// expandFKNeighbors adds tables reachable by one or more FK hops from the
// seed set (spec §4.1 step 5). Every unseen neighbor within the hop budget
// is added; module membership is not consulted here, and capAndOrder's
// tie-break (is_hub, then name) does not consider modules either.
func expandFKNeighbors(ctx context.Context, catalog Catalog, seeds []candidate, hops int, logger *zap.Logger) []candidate {
	have := map[string]candidate{}
	for _, c := range seeds {
		have[c.table.Name] = c
	}

	frontier := seeds
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []candidate
		for _, c := range frontier {
			edges, err := catalog.FKNeighbors(ctx, c.table.Name)
			if err != nil {
				logger.Warn("fk neighbor lookup failed", zap.String("table", c.table.Name), zap.Error(err))
				continue
			}
			for _, e := range edges {
				other := e.ToTable
				if other == c.table.Name {
					other = e.FromTable
				}
				if _, seen := have[other]; seen {
					continue
				}
				// The neighbor's Table entry isn't known here; caller resolves
				// names against the full catalog list in Resolve, so stash a
				// placeholder keyed by name only and let capAndOrder re-rank
				// using the seed's similarity decayed by hop distance.
				nc := candidate{
					table:      schema.Table{Name: other},
					similarity: c.similarity * 0.9,
					provenance: schema.ProvenanceFKExpand,
				}
				have[other] = nc
				next = append(next, nc)
			}
		}
		frontier = next
	}

	out := make([]candidate, 0, len(have))
	for _, c := range have {
		out = append(out, c)
	}
	return out
}

// capAndOrder sorts candidates by similarity desc, then is_hub, then
// lexical name (spec §4.1 step 6), and truncates to max.
func capAndOrder(cands []candidate, max int) []candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		if a.table.IsHub != b.table.IsHub {
			return a.table.IsHub
		}
		return strings.Compare(a.table.Name, b.table.Name) < 0
	})
	if max > 0 && len(cands) > max {
		cands = cands[:max]
	}
	return cands
}

// discoverJoinPaths finds FK chains of length up to maxLen between pairs of
// selected tables via DFS (spec §4.1 step 8: "short join paths, not a full
// schema graph").
func discoverJoinPaths(tables []string, edges []schema.FKEdge, maxLen int) []schema.JoinPath {
	adj := map[string][]schema.FKEdge{}
	for _, e := range edges {
		adj[e.FromTable] = append(adj[e.FromTable], e)
		adj[e.ToTable] = append(adj[e.ToTable], schema.FKEdge{FromTable: e.ToTable, FromColumn: e.ToColumn, ToTable: e.FromTable, ToColumn: e.FromColumn})
	}

	var paths []schema.JoinPath
	tableSet := map[string]bool{}
	for _, t := range tables {
		tableSet[t] = true
	}

	var dfs func(start, current string, visited map[string]bool, trail []schema.FKEdge, trailTables []string)
	dfs = func(start, current string, visited map[string]bool, trail []schema.FKEdge, trailTables []string) {
		if len(trail) > 0 && len(trail) <= maxLen && current != start {
			cp := make([]schema.FKEdge, len(trail))
			copy(cp, trail)
			ct := make([]string, len(trailTables))
			copy(ct, trailTables)
			paths = append(paths, schema.JoinPath{Tables: ct, Edges: cp})
		}
		if len(trail) >= maxLen {
			return
		}
		for _, e := range adj[current] {
			if visited[e.ToTable] {
				continue
			}
			visited[e.ToTable] = true
			dfs(start, e.ToTable, visited, append(trail, e), append(trailTables, e.ToTable))
			visited[e.ToTable] = false
		}
	}

	for _, from := range tables {
		visited := map[string]bool{from: true}
		dfs(from, from, visited, nil, []string{from})
	}
	return dedupJoinPaths(paths)
}

func dedupJoinPaths(paths []schema.JoinPath) []schema.JoinPath {
	seen := map[string]bool{}
	var out []schema.JoinPath
	for _, p := range paths {
		key := strings.Join(p.Tables, ">")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
