package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"

	"neuravox/core"
)

// PgVectorIndex stores chunk embeddings in a single table, grounded in the
// teacher's PgVectorStore.ensureTable/createOptimizedVectorIndex.
type PgVectorIndex struct {
	pool  *pgxpool.Pool
	table string
	dim   int
	oa    *openai.Client
	model openai.EmbeddingModel
}

// NewPgVectorIndex connects via dsn and ensures the table and its vector
// index exist.
func NewPgVectorIndex(ctx context.Context, dsn, table string, oa *openai.Client, embeddingModel string) (*PgVectorIndex, error) {
	if table == "" {
		table = "neuravox_chunks"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, core.NewIOError("connect pgvector", err)
	}
	idx := &PgVectorIndex{pool: pool, table: table, dim: 1536, oa: oa, model: openai.EmbeddingModel(embeddingModel)}
	if err := idx.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PgVectorIndex) ensureTable(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return core.NewIOError("create vector extension", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		file_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		start_s DOUBLE PRECISION NOT NULL,
		end_s DOUBLE PRECISION NOT NULL,
		text TEXT NOT NULL,
		embedding vector(%d),
		UNIQUE (file_id, chunk_index)
	)`, p.table, p.dim)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return core.NewIOError("ensure pgvector table", err)
	}
	if err := p.createOptimizedVectorIndex(ctx); err != nil {
		return err
	}
	return nil
}

func (p *PgVectorIndex) createOptimizedVectorIndex(ctx context.Context) error {
	idxName := p.table + "_embedding_hnsw"
	ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, idxName, p.table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return core.NewIOError("create pgvector hnsw index", err)
	}
	return nil
}

func (p *PgVectorIndex) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := p.oa.CreateEmbeddings(ctx, openai.EmbeddingRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return pgvector.Vector{}, core.NewIOError("create embedding", err)
	}
	if len(resp.Data) == 0 {
		return pgvector.Vector{}, core.NewIOError("embedding API returned no vectors", nil)
	}
	return pgvector.NewVector(resp.Data[0].Embedding), nil
}

func (p *PgVectorIndex) Upsert(ctx context.Context, fileID string, docs []ChunkDoc) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return core.NewIOError("begin pgvector upsert tx", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`INSERT INTO %s (file_id, chunk_index, start_s, end_s, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_id, chunk_index) DO UPDATE SET
			start_s = EXCLUDED.start_s, end_s = EXCLUDED.end_s,
			text = EXCLUDED.text, embedding = EXCLUDED.embedding`, p.table)
	for _, d := range docs {
		vec, err := p.embed(ctx, d.Text)
		if err != nil {
			continue
		}
		if _, err := tx.Exec(ctx, stmt, fileID, d.ChunkIndex, d.StartS, d.EndS, d.Text, vec); err != nil {
			return core.NewIOError("upsert pgvector row", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return core.NewIOError("commit pgvector upsert", err)
	}
	return nil
}

func (p *PgVectorIndex) Search(ctx context.Context, fileID, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := p.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT chunk_index, start_s, end_s, text, 1 - (embedding <=> $1) AS score
		FROM %s WHERE file_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, p.table)
	rows, err := p.pool.Query(ctx, q, vec, fileID, topK)
	if err != nil {
		return nil, core.NewIOError("search pgvector", err)
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		var h core.Hit
		if err := rows.Scan(&h.ChunkIndex, &h.StartS, &h.EndS, &h.Text, &h.Score); err != nil {
			return nil, core.NewIOError("scan pgvector row", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewIOError("iterate pgvector rows", err)
	}
	return hits, nil
}
