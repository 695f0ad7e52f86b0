package catalogdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/nlsql/pipeline/internal/schema"
)

// EmbeddingHit is one dense or keyword retrieval result.
type EmbeddingHit struct {
	EntityType schema.EntityType
	Table      string
	Column     string
	Similarity float64
}

// UpsertEmbedding writes one schema embedding row, keyed on
// (entity_type, schema, table, column, model_id, dim) per spec §3/§4.2.
// The search_vector is derived from embed_text at upsert time via
// Postgres's to_tsvector, grounded on the teacher's DB-side derivation
// style (richcatalog computes everything server-side in one round trip).
func (s *Store) UpsertEmbedding(ctx context.Context, e schema.Embedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schema_embeddings
			(entity_type, schema_name, table_name, column_name, model_id, dim, embed_text, embedding, search_vector)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, to_tsvector('english', $7))
		ON CONFLICT (entity_type, schema_name, table_name, column_name, model_id, dim) DO UPDATE
		SET embed_text = EXCLUDED.embed_text,
		    embedding = EXCLUDED.embedding,
		    search_vector = EXCLUDED.search_vector`,
		string(e.EntityType), e.Schema, e.Table, e.Column, e.ModelID, e.Dim, e.EmbedText, pgvector.NewVector(e.Vector))
	if err != nil {
		return fmt.Errorf("catalogdb: upsert embedding %s/%s.%s.%s: %w", e.EntityType, e.Schema, e.Table, e.Column, err)
	}
	return nil
}

// UpsertModuleEmbedding writes one module-level embedding row.
func (s *Store) UpsertModuleEmbedding(ctx context.Context, module, modelID string, dim int, embedText string, vec []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO module_embeddings (module, model_id, dim, embed_text, embedding, search_vector)
		VALUES ($1,$2,$3,$4,$5, to_tsvector('english', $4))
		ON CONFLICT (module, model_id, dim) DO UPDATE
		SET embed_text = EXCLUDED.embed_text, embedding = EXCLUDED.embedding, search_vector = EXCLUDED.search_vector`,
		module, modelID, dim, embedText, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("catalogdb: upsert module embedding %s: %w", module, err)
	}
	return nil
}

// SearchTablesDense ranks tables by cosine similarity to query (spec §4.1
// step 2), using the `<=>` cosine-distance operator over the HNSW index
// (grounded on MediSync's warehouse/pgvector.go SearchSchema query shape).
func (s *Store) SearchTablesDense(ctx context.Context, query []float32, limit int, threshold float64) ([]EmbeddingHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, 1 - (embedding <=> $1) AS similarity
		FROM schema_embeddings
		WHERE entity_type = 'table' AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvector.NewVector(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: dense table search: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingHit
	for rows.Next() {
		var h EmbeddingHit
		h.EntityType = schema.EntityTable
		if err := rows.Scan(&h.Table, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchColumnsDense ranks columns by cosine similarity (spec §4.1 step 3:
// "Column-level dense retrieval is performed over column embeddings").
func (s *Store) SearchColumnsDense(ctx context.Context, query []float32, limit int, threshold float64) ([]EmbeddingHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, 1 - (embedding <=> $1) AS similarity
		FROM schema_embeddings
		WHERE entity_type = 'column' AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvector.NewVector(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: dense column search: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingHit
	for rows.Next() {
		var h EmbeddingHit
		h.EntityType = schema.EntityColumn
		if err := rows.Scan(&h.Table, &h.Column, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchTablesKeyword ranks tables by BM25-style ts_rank over search_vector
// (spec §2 component 2: "a keyword index over the same").
func (s *Store) SearchTablesKeyword(ctx context.Context, question string, limit int) ([]EmbeddingHit, error) {
	terms := toTSQuery(question)
	if terms == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, ts_rank(search_vector, plainto_tsquery('english', $1)) AS rank
		FROM schema_embeddings
		WHERE entity_type = 'table' AND search_vector @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: keyword table search: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingHit
	for rows.Next() {
		var h EmbeddingHit
		h.EntityType = schema.EntityTable
		if err := rows.Scan(&h.Table, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ColumnCandidatesByEmbedding supports planner column-candidate enrichment
// (spec §4.7 "Embedding-similarity fallback against column embeddings
// restricted to the packet's tables").
func (s *Store) ColumnCandidatesByEmbedding(ctx context.Context, query []float32, tables []string, limit int) ([]EmbeddingHit, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, 1 - (embedding <=> $1) AS similarity
		FROM schema_embeddings
		WHERE entity_type = 'column' AND table_name = ANY($2)
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvector.NewVector(query), tables, limit)
	if err != nil {
		return nil, fmt.Errorf("catalogdb: embedding column candidates: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingHit
	for rows.Next() {
		var h EmbeddingHit
		h.EntityType = schema.EntityColumn
		if err := rows.Scan(&h.Table, &h.Column, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func toTSQuery(question string) string {
	return strings.TrimSpace(question)
}
