// Package processor runs the document pipeline: extracted text in, chunks
// embedded and indexed, processing status bookkeeping out.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/vaultline/diligence-agent/chunker"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/knowledge"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Indexer is the slice of the embedding index the pipeline needs.
// Replace must swap a document's chunks atomically so reprocessing never
// exposes a half-indexed document to concurrent searches.
type Indexer interface {
	Replace(ctx context.Context, docID string, chunks []chunker.Chunk) ([]string, error)
	DocumentChunks(ctx context.Context, docID string) ([]chunker.Chunk, error)
}

// DocumentStore is the narrow interface onto external document records.
// Status transitions are monotonic: a completed document never returns to
// pending.
type DocumentStore interface {
	SetProcessingStatus(ctx context.Context, docID, status string) error
}

// GraphSyncer mirrors processed documents into the knowledge graph.
// Optional; sync failures are logged, never fatal.
type GraphSyncer interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
}

// Result is the structured outcome of processing one document. Failures
// surface here, not as errors; only index-wide structural problems (such
// as an embedding dimension mismatch) come back as an error.
type Result struct {
	Success         bool
	ChunksCreated   int
	TotalCharacters int
	Error           string
}

type Service struct {
	splitter chunker.Splitter
	index    Indexer
	docs     DocumentStore
	graph    GraphSyncer
	logger   *log.Logger
}

func NewService(splitter chunker.Splitter, idx Indexer, docs DocumentStore, graph GraphSyncer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{splitter: splitter, index: idx, docs: docs, graph: graph, logger: logger}
}

// Process chunks, embeds, and indexes one document's extracted text.
// Reprocessing a document replaces its chunks in one atomic index
// operation; the old set stays visible until the new one lands.
func (s *Service) Process(ctx context.Context, text, name, docID string) (Result, error) {
	s.setStatus(ctx, docID, StatusProcessing)

	chunks := s.splitter.Split(text, docID, name)
	if len(chunks) == 0 {
		s.setStatus(ctx, docID, StatusFailed)
		return Result{Success: false, Error: "no text content could be extracted from document"}, nil
	}

	ids, err := s.index.Replace(ctx, docID, chunks)
	if err != nil {
		s.setStatus(ctx, docID, StatusFailed)
		if errors.Is(err, index.ErrDimensionMismatch) {
			return Result{Success: false, Error: err.Error()}, err
		}
		return Result{Success: false, Error: fmt.Sprintf("index chunks: %v", err)}, nil
	}
	for i := range chunks {
		if i < len(ids) {
			chunks[i].EmbeddingID = ids[i]
		}
	}

	s.syncGraph(ctx, docID, name, chunks)
	s.setStatus(ctx, docID, StatusCompleted)

	s.logger.Printf("processed document %s (%d chunks)", name, len(chunks))
	return Result{
		Success:         true,
		ChunksCreated:   len(chunks),
		TotalCharacters: len(text),
	}, nil
}

// DocumentText reconstructs a document's text by concatenating its indexed
// chunks in order. The second return is false when the document has no
// chunks in the index.
func (s *Service) DocumentText(ctx context.Context, docID string) (string, bool, error) {
	chunks, err := s.index.DocumentChunks(ctx, docID)
	if err != nil {
		return "", false, fmt.Errorf("load document chunks: %w", err)
	}
	if len(chunks) == 0 {
		return "", false, nil
	}

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = chunk.Content
	}
	return strings.Join(parts, "\n"), true, nil
}

func (s *Service) setStatus(ctx context.Context, docID, status string) {
	if s.docs == nil {
		return
	}
	if err := s.docs.SetProcessingStatus(ctx, docID, status); err != nil {
		s.logger.Printf("set document %s status %s: %v", docID, status, err)
	}
}

func (s *Service) syncGraph(ctx context.Context, docID, name string, chunks []chunker.Chunk) {
	if s.graph == nil {
		return
	}

	doc := knowledge.Document{ID: docID, Name: name}
	for _, chunk := range chunks {
		doc.Chunks = append(doc.Chunks, knowledge.Chunk{ID: chunk.EmbeddingID, Index: chunk.Index})
	}
	if err := s.graph.SyncDocument(ctx, doc); err != nil {
		s.logger.Printf("sync knowledge graph for %s: %v", docID, err)
	}
}
