// Package index stores chunk embeddings and serves similarity search over
// them. Distance is L2 and is mapped to a similarity score in [0,1] via
// 1/(1+distance); the score is monotonic in relevance, not a calibrated
// probability, and the configured thresholds are meaningful only relative
// to this mapping.
package index

import (
	"context"
	"errors"

	"github.com/vaultline/diligence-agent/chunker"
)

// ErrDimensionMismatch indicates a vector whose length does not match the
// index dimension, typically after an embedding model change. It is fatal:
// the existing index cannot serve the new model.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Result is a single retrieval hit. Ephemeral, never persisted.
type Result struct {
	Content      string
	DocumentID   string
	DocumentName string
	ChunkIndex   int
	StartOffset  int
	EndOffset    int
	Similarity   float64
}

type Stats struct {
	TotalChunks    int
	TotalDocuments int
}

// Index is the shared mutable store of chunk vectors. Implementations must
// serialize mutation against search so no caller observes a half-deleted
// document.
type Index interface {
	// Insert embeds each chunk's content and stores vector plus metadata.
	// It returns one stable embedding id per chunk, in input order.
	Insert(ctx context.Context, chunks []chunker.Chunk) ([]string, error)

	// Replace atomically swaps the document's chunks for the given set:
	// a concurrent Search sees either the old chunks or the new ones,
	// never an empty gap between delete and insert.
	Replace(ctx context.Context, docID string, chunks []chunker.Chunk) ([]string, error)

	// Search embeds the query and returns at most k results with
	// similarity >= threshold, ordered by descending similarity with ties
	// broken by insertion order. An empty index yields an empty result,
	// not an error.
	Search(ctx context.Context, query string, k int, threshold float64) ([]Result, error)

	// DeleteDocument removes every chunk of the document atomically and
	// reports whether anything was removed.
	DeleteDocument(ctx context.Context, docID string) (bool, error)

	// DocumentChunks lists a document's chunks in chunk-index order,
	// used to reconstruct the original text for preview and highlighting.
	DocumentChunks(ctx context.Context, docID string) ([]chunker.Chunk, error)

	Stats(ctx context.Context) (Stats, error)
}
