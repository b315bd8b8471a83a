// Package questions adapts the external Postgres question and document
// records to the narrow interfaces the engine consumes. The engine never
// touches these tables directly; everything flows through this adapter.
package questions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultline/diligence-agent/automation"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) PendingQuestions(ctx context.Context) ([]automation.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, content, priority, status
		FROM questions
		WHERE status = 'pending'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending questions: %w", err)
	}
	defer rows.Close()

	pending := make([]automation.Question, 0)
	for rows.Next() {
		var q automation.Question
		if err := rows.Scan(&q.ID, &q.Title, &q.Content, &q.Priority, &q.Status); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		pending = append(pending, q)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return pending, nil
}

func (s *Store) Question(ctx context.Context, id string) (automation.Question, error) {
	var q automation.Question
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, content, priority, status
		FROM questions
		WHERE id = $1
	`, id).Scan(&q.ID, &q.Title, &q.Content, &q.Priority, &q.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return automation.Question{}, fmt.Errorf("question %s: %w", id, ErrNotFound)
		}
		return automation.Question{}, fmt.Errorf("query question: %w", err)
	}
	return q, nil
}

// WriteAnswer overwrites any prior answer and moves the question to
// answered. Each call carries a fully synthesized answer, so concurrent
// automation runs resolve last-writer-wins.
func (s *Store) WriteAnswer(ctx context.Context, id, answer string, confidence float64, sourceIDs []string, answeredBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE questions
		SET answer = $2,
		    confidence = $3,
		    source_document_ids = $4,
		    answered_by = $5,
		    answered_at = NOW(),
		    status = 'answered'
		WHERE id = $1
	`, id, answer, confidence, sourceIDs, answeredBy)
	if err != nil {
		return fmt.Errorf("update question answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) CreateQuestion(ctx context.Context, q automation.Question) error {
	status := q.Status
	if status == "" {
		status = automation.StatusPending
	}
	priority := q.Priority
	if priority == "" {
		priority = "medium"
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO questions (id, title, content, priority, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, q.ID, q.Title, q.Content, priority, status); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func (s *Store) UpsertDocument(ctx context.Context, id, name string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *Store) DocumentName(ctx context.Context, id string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, "SELECT name FROM documents WHERE id = $1", id).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("query document name: %w", err)
	}
	return name, nil
}

// SetProcessingStatus records the document lifecycle transition. The
// processed timestamp is stamped only on completion.
func (s *Store) SetProcessingStatus(ctx context.Context, docID, status string) error {
	var err error
	if status == "completed" {
		_, err = s.pool.Exec(ctx,
			"UPDATE documents SET processing_status = $2, processed_at = NOW() WHERE id = $1", docID, status)
	} else {
		_, err = s.pool.Exec(ctx,
			"UPDATE documents SET processing_status = $2 WHERE id = $1", docID, status)
	}
	if err != nil {
		return fmt.Errorf("update processing status: %w", err)
	}
	return nil
}

var _ automation.QuestionStore = (*Store)(nil)
