package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/vaultline/diligence-agent/chunker"
	"github.com/vaultline/diligence-agent/embeddings"
)

// Postgres is the durable index: chunk vectors and metadata live in a
// pgvector table, so a restarted process picks up exactly where it left
// off. All mutation runs inside transactions, which keeps deletes atomic
// with respect to concurrent searches.
type Postgres struct {
	pool      *pgxpool.Pool
	embedder  embeddings.Embedder
	dimension int
}

func NewPostgres(pool *pgxpool.Pool, embedder embeddings.Embedder, dimension int) *Postgres {
	return &Postgres{pool: pool, embedder: embedder, dimension: dimension}
}

func (p *Postgres) Insert(ctx context.Context, chunks []chunker.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ids, err := insertChunks(ctx, tx, chunks, vectors)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chunk insert: %w", err)
	}

	return ids, nil
}

// Replace swaps a document's chunks inside one transaction. Reprocessing
// goes through here so a concurrent search never observes the document
// half-indexed.
func (p *Postgres) Replace(ctx context.Context, docID string, chunks []chunker.Chunk) ([]string, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "DELETE FROM document_chunks WHERE document_id = $1", docID); err != nil {
		return nil, fmt.Errorf("delete existing chunks: %w", err)
	}

	ids, err := insertChunks(ctx, tx, chunks, vectors)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chunk replace: %w", err)
	}

	return ids, nil
}

func (p *Postgres) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if p.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d vectors", len(chunks), len(vectors))
	}
	for _, vec := range vectors {
		if p.dimension > 0 && len(vec) != p.dimension {
			return nil, fmt.Errorf("%w: index dimension %d, vector dimension %d", ErrDimensionMismatch, p.dimension, len(vec))
		}
	}

	return vectors, nil
}

func insertChunks(ctx context.Context, tx pgx.Tx, chunks []chunker.Chunk, vectors [][]float32) ([]string, error) {
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.New()
		ids[i] = id.String()
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_chunks
				(id, document_id, document_name, chunk_index, content, start_offset, end_offset, content_length, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		`, id, chunk.DocumentID, chunk.DocumentName, chunk.Index, chunk.Content,
			chunk.StartOffset, chunk.EndOffset, chunk.Length, pgvector.NewVector(vectors[i])); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
		}
	}
	return ids, nil
}

func (p *Postgres) Search(ctx context.Context, query string, k int, threshold float64) ([]Result, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if p.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if k <= 0 {
		k = 5
	}

	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	if p.dimension > 0 && len(vectors[0]) != p.dimension {
		return nil, fmt.Errorf("%w: index dimension %d, query dimension %d", ErrDimensionMismatch, p.dimension, len(vectors[0]))
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT content, document_id, document_name, chunk_index, start_offset, end_offset,
		       (embedding <-> $1::vector) AS distance
		FROM document_chunks
		ORDER BY embedding <-> $1::vector, seq
		LIMIT $2
	`, pgvector.NewVector(vectors[0]), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, k)
	for rows.Next() {
		var item Result
		var distance float64
		if err := rows.Scan(&item.Content, &item.DocumentID, &item.DocumentName,
			&item.ChunkIndex, &item.StartOffset, &item.EndOffset, &distance); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		item.Similarity = 1 / (1 + distance)
		if item.Similarity >= threshold {
			results = append(results, item)
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return results, nil
}

func (p *Postgres) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	if p.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	tag, err := p.pool.Exec(ctx, "DELETE FROM document_chunks WHERE document_id = $1", docID)
	if err != nil {
		return false, fmt.Errorf("delete document chunks: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) DocumentChunks(ctx context.Context, docID string) ([]chunker.Chunk, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, document_name, chunk_index, content, start_offset, end_offset, content_length
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]chunker.Chunk, 0)
	for rows.Next() {
		var chunk chunker.Chunk
		if err := rows.Scan(&chunk.EmbeddingID, &chunk.DocumentID, &chunk.DocumentName,
			&chunk.Index, &chunk.Content, &chunk.StartOffset, &chunk.EndOffset, &chunk.Length); err != nil {
			return nil, fmt.Errorf("scan document chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return chunks, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	if p.pool == nil {
		return Stats{}, fmt.Errorf("postgres pool is nil")
	}

	var stats Stats
	err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT document_id) FROM document_chunks",
	).Scan(&stats.TotalChunks, &stats.TotalDocuments)
	if err != nil {
		return Stats{}, fmt.Errorf("query index stats: %w", err)
	}
	return stats, nil
}

var _ Index = (*Postgres)(nil)
