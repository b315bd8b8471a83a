// Package knowledge maintains a Neo4j graph of documents, their chunks,
// and the questions they answered, used for provenance queries.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID     string
	Name   string
	Chunks []Chunk
}

type Chunk struct {
	ID    string
	Index int
}

// Insight summarizes what the graph knows about one document.
type Insight struct {
	ChunkCount        int
	AnsweredQuestions []string
}

type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

// SyncDocument upserts the document node and replaces its chunk nodes.
func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.name = $name,
			    d.updated_at = datetime()
		`, map[string]any{"id": doc.ID, "name": doc.Name}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"doc_id":      doc.ID,
				"chunk_id":    chunk.ID,
				"chunk_index": chunk.Index,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

// RemoveDocument deletes the document node and everything hanging off it.
func (g *Graph) RemoveDocument(ctx context.Context, docID string) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		DETACH DELETE d, c
	`, map[string]any{"id": docID})
	if err != nil {
		return fmt.Errorf("delete document node: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("consume delete result: %w", err)
	}
	return nil
}

// LinkAnswer replaces the question's citation edges with the given set of
// source documents. Called each time the matcher rewrites an answer, so
// provenance always reflects the latest write.
func (g *Graph) LinkAnswer(ctx context.Context, questionID string, docIDs []string) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (q:Question {id: $id})
			WITH q
			OPTIONAL MATCH (q)-[r:ANSWERED_BY]->(:Document)
			DELETE r
		`, map[string]any{"id": questionID}); err != nil {
			return nil, fmt.Errorf("clear existing citations: %w", err)
		}

		for rank, docID := range docIDs {
			if _, err := tx.Run(ctx, `
				MATCH (q:Question {id: $question_id})
				MERGE (d:Document {id: $doc_id})
				MERGE (q)-[:ANSWERED_BY {rank: $rank}]->(d)
			`, map[string]any{
				"question_id": questionID,
				"doc_id":      docID,
				"rank":        rank,
			}); err != nil {
				return nil, fmt.Errorf("link citation: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

// AnswerProvenance returns the cited document ids for a question, in
// citation rank order.
func (g *Graph) AnswerProvenance(ctx context.Context, questionID string) ([]string, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (q:Question {id: $id})-[r:ANSWERED_BY]->(d:Document)
		RETURN d.id AS id
		ORDER BY r.rank
	`, map[string]any{"id": questionID})
	if err != nil {
		return nil, fmt.Errorf("run provenance query: %w", err)
	}

	ids := make([]string, 0)
	for result.Next(ctx) {
		if id, ok := result.Record().Get("id"); ok {
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read provenance rows: %w", err)
	}

	return ids, nil
}

// Insights reports chunk counts and answered questions per document.
func (g *Graph) Insights(ctx context.Context, docIDs []string) (map[string]Insight, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]Insight{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		OPTIONAL MATCH (q:Question)-[:ANSWERED_BY]->(d)
		RETURN d.id AS id,
		       count(DISTINCT c) AS chunkCount,
		       [x IN collect(DISTINCT q.id) WHERE x IS NOT NULL] AS questions
	`, map[string]any{"ids": docIDs})
	if err != nil {
		return nil, fmt.Errorf("run insights query: %w", err)
	}

	insights := make(map[string]Insight, len(docIDs))
	for result.Next(ctx) {
		record := result.Record()
		idVal, _ := record.Get("id")
		id, ok := idVal.(string)
		if !ok {
			continue
		}

		var insight Insight
		if countVal, ok := record.Get("chunkCount"); ok {
			if count, ok := countVal.(int64); ok {
				insight.ChunkCount = int(count)
			}
		}
		if questionsVal, ok := record.Get("questions"); ok {
			if list, ok := questionsVal.([]any); ok {
				for _, item := range list {
					if q, ok := item.(string); ok {
						insight.AnsweredQuestions = append(insight.AnsweredQuestions, q)
					}
				}
			}
		}
		insights[id] = insight
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read insight rows: %w", err)
	}

	return insights, nil
}
