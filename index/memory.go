package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vaultline/diligence-agent/chunker"
	"github.com/vaultline/diligence-agent/embeddings"
)

// Memory is a mutex-guarded brute-force L2 index. It backs tests and small
// deployments that do not need persistence; the Postgres index is the
// durable implementation.
type Memory struct {
	mu        sync.RWMutex
	embedder  embeddings.Embedder
	dimension int
	rows      []memoryRow
}

type memoryRow struct {
	id     string
	vector []float32
	chunk  chunker.Chunk
}

func NewMemory(embedder embeddings.Embedder) *Memory {
	dim := 0
	if embedder != nil {
		dim = embedder.Dimension()
	}
	return &Memory{embedder: embedder, dimension: dim}
}

func (m *Memory) Insert(ctx context.Context, chunks []chunker.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := m.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendRows(chunks, vectors)
}

// Replace swaps a document's rows while holding the write lock for the
// whole delete-plus-insert, so readers see the old set or the new set,
// never neither.
func (m *Memory) Replace(ctx context.Context, docID string, chunks []chunker.Chunk) ([]string, error) {
	vectors, err := m.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate before pruning so a bad batch leaves the old set intact.
	if err := m.checkDimensions(vectors); err != nil {
		return nil, err
	}

	kept := m.rows[:0]
	for _, row := range m.rows {
		if row.chunk.DocumentID == docID {
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept

	return m.appendRows(chunks, vectors)
}

func (m *Memory) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if m.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d vectors", len(chunks), len(vectors))
	}

	return vectors, nil
}

// checkDimensions requires m.mu to be held.
func (m *Memory) checkDimensions(vectors [][]float32) error {
	for _, vec := range vectors {
		if m.dimension == 0 {
			m.dimension = len(vec)
		}
		if len(vec) != m.dimension {
			return fmt.Errorf("%w: index dimension %d, vector dimension %d", ErrDimensionMismatch, m.dimension, len(vec))
		}
	}
	return nil
}

// appendRows requires m.mu to be held.
func (m *Memory) appendRows(chunks []chunker.Chunk, vectors [][]float32) ([]string, error) {
	if err := m.checkDimensions(vectors); err != nil {
		return nil, err
	}

	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.NewString()
		chunk.EmbeddingID = id
		ids[i] = id
		m.rows = append(m.rows, memoryRow{id: id, vector: vectors[i], chunk: chunk})
	}

	return ids, nil
}

func (m *Memory) Search(ctx context.Context, query string, k int, threshold float64) ([]Result, error) {
	if k <= 0 {
		k = 5
	}

	m.mu.RLock()
	empty := len(m.rows) == 0
	m.mu.RUnlock()
	if empty {
		return []Result{}, nil
	}

	if m.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	qvec := vectors[0]

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension > 0 && len(qvec) != m.dimension {
		return nil, fmt.Errorf("%w: index dimension %d, query dimension %d", ErrDimensionMismatch, m.dimension, len(qvec))
	}

	type scored struct {
		pos      int
		distance float64
	}
	candidates := make([]scored, len(m.rows))
	for i, row := range m.rows {
		candidates[i] = scored{pos: i, distance: l2Distance(row.vector, qvec)}
	}

	// Nearest k first, then the threshold cut; stable sort keeps ties in
	// insertion order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		similarity := 1 / (1 + c.distance)
		if similarity < threshold {
			continue
		}
		chunk := m.rows[c.pos].chunk
		results = append(results, Result{
			Content:      chunk.Content,
			DocumentID:   chunk.DocumentID,
			DocumentName: chunk.DocumentName,
			ChunkIndex:   chunk.Index,
			StartOffset:  chunk.StartOffset,
			EndOffset:    chunk.EndOffset,
			Similarity:   similarity,
		})
	}

	return results, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.rows[:0]
	removed := false
	for _, row := range m.rows {
		if row.chunk.DocumentID == docID {
			removed = true
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	return removed, nil
}

func (m *Memory) DocumentChunks(ctx context.Context, docID string) ([]chunker.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := make([]chunker.Chunk, 0)
	for _, row := range m.rows {
		if row.chunk.DocumentID == docID {
			chunk := row.chunk
			chunk.EmbeddingID = row.id
			chunks = append(chunks, chunk)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
	return chunks, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make(map[string]struct{})
	for _, row := range m.rows {
		docs[row.chunk.DocumentID] = struct{}{}
	}
	return Stats{TotalChunks: len(m.rows), TotalDocuments: len(docs)}, nil
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

var _ Index = (*Memory)(nil)
