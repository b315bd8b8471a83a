// Package automation scans pending due-diligence questions against indexed
// documents and auto-answers the ones the evidence supports. One failing
// question never aborts its siblings; failures are collected, not raised.
package automation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaultline/diligence-agent/agent"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/llm"
)

const (
	StatusPending        = "pending"
	StatusAnswered       = "answered"
	StatusNeedsDocuments = "needs_documents"

	AnsweredBySystem = "system"

	defaultWorkers        = 4
	defaultMatchK         = 3
	defaultMatchThreshold = 0.3
	defaultMaxSources     = 3
)

// Question is the subset of the externally stored question entity the
// matcher needs.
type Question struct {
	ID       string
	Title    string
	Content  string
	Priority string
	Status   string
}

// QuestionStore is the narrow CRUD interface onto the external question
// storage. WriteAnswer overwrites any prior answer and moves the question
// to answered; concurrent writes to the same question are last-writer-wins.
type QuestionStore interface {
	PendingQuestions(ctx context.Context) ([]Question, error)
	Question(ctx context.Context, id string) (Question, error)
	WriteAnswer(ctx context.Context, id, answer string, confidence float64, sourceIDs []string, answeredBy string) error
}

// AnswerLinker records answer provenance, typically in the knowledge graph.
// Optional; link failures are logged and never fail the answer.
type AnswerLinker interface {
	LinkAnswer(ctx context.Context, questionID string, docIDs []string) error
}

type Options struct {
	Workers        int
	Timeout        time.Duration
	MatchK         int
	MatchThreshold float64
	MaxSources     int
}

type AnsweredQuestion struct {
	QuestionID string
	Answer     string
	Confidence float64
	Sources    []string
}

// Report summarizes one document fan-out.
type Report struct {
	Processed int
	Answered  []AnsweredQuestion
	Skipped   []string
	Failures  map[string]string
}

// BatchResult partitions every input question id into exactly one bucket.
type BatchResult struct {
	Answered []AnsweredQuestion
	NoAnswer []string
	Errors   map[string]string
}

type Service struct {
	searcher  agent.Searcher
	agent     *agent.Agent
	llm       llm.Client
	questions QuestionStore
	linker    AnswerLinker
	logger    *log.Logger
	opts      Options
}

func NewService(searcher agent.Searcher, answerer *agent.Agent, llmClient llm.Client, questions QuestionStore, linker AnswerLinker, logger *log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MatchK <= 0 {
		opts.MatchK = defaultMatchK
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = defaultMatchThreshold
	}
	if opts.MaxSources <= 0 {
		opts.MaxSources = defaultMaxSources
	}

	return &Service{
		searcher:  searcher,
		agent:     answerer,
		llm:       llmClient,
		questions: questions,
		linker:    linker,
		logger:    logger,
		opts:      opts,
	}
}

// OnDocumentProcessed fans every pending question out against the newly
// indexed document. The worker pool bounds concurrency so a large question
// backlog cannot overwhelm the embedding backend.
func (s *Service) OnDocumentProcessed(ctx context.Context, docID string) (Report, error) {
	pending, err := s.questions.PendingQuestions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch pending questions: %w", err)
	}

	report := Report{Failures: make(map[string]string)}
	if len(pending) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(s.opts.Workers)

	for _, question := range pending {
		if ctx.Err() != nil {
			break
		}
		q := question
		group.Go(func() error {
			answered, failErr := s.tryAnswer(ctx, q, docID)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case failErr != nil:
				report.Failures[q.ID] = failErr.Error()
			case answered != nil:
				report.Answered = append(report.Answered, *answered)
			default:
				report.Skipped = append(report.Skipped, q.ID)
			}
			return nil
		})
	}

	_ = group.Wait()
	return report, nil
}

// tryAnswer attempts one question against one new document. A nil, nil
// return means the document was not relevant and the question is untouched.
func (s *Service) tryAnswer(ctx context.Context, q Question, docID string) (*AnsweredQuestion, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	results, err := s.searcher.Search(ctx, q.Content, s.opts.MatchK, s.opts.MatchThreshold)
	if err != nil {
		s.logger.Printf("relevance search failed for question %s: %v", q.ID, err)
		return nil, nil
	}

	fromDoc := make([]index.Result, 0, len(results))
	for _, result := range results {
		if result.DocumentID == docID {
			fromDoc = append(fromDoc, result)
		}
	}
	if len(fromDoc) == 0 {
		return nil, nil
	}

	answer := s.agent.Answer(ctx, q.Content, agent.Ask{
		Context:   fmt.Sprintf("Focus on information from document %s", fromDoc[0].DocumentName),
		Threshold: s.opts.MatchThreshold,
	})
	if !answer.Success {
		return nil, fmt.Errorf("agent failed: %s", answer.Text)
	}
	if looksUnanswerable(answer.Text) {
		return nil, nil
	}

	text := s.conciseAnswer(ctx, q.Content, answer.Text, fromDoc)
	sources := sourceIDs(docID, answer.SourceIDs, s.opts.MaxSources)
	confidence := Confidence(answer)

	if err := s.questions.WriteAnswer(ctx, q.ID, text, confidence, sources, AnsweredBySystem); err != nil {
		return nil, fmt.Errorf("write answer: %w", err)
	}
	s.linkAnswer(ctx, q.ID, sources)

	s.logger.Printf("auto-answered question %s using document %s", q.ID, docID)
	return &AnsweredQuestion{QuestionID: q.ID, Answer: text, Confidence: confidence, Sources: sources}, nil
}

// BatchProcess answers each question against all indexed documents. Every
// input id lands in exactly one of answered, no_answer, or errors.
func (s *Service) BatchProcess(ctx context.Context, questionIDs []string) BatchResult {
	result := BatchResult{Errors: make(map[string]string)}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(s.opts.Workers)

	for _, questionID := range questionIDs {
		id := questionID
		if ctx.Err() != nil {
			mu.Lock()
			result.Errors[id] = ctx.Err().Error()
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			answered, skipped, err := s.answerFromAllDocuments(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors[id] = err.Error()
			case skipped:
				result.NoAnswer = append(result.NoAnswer, id)
			default:
				result.Answered = append(result.Answered, *answered)
			}
			return nil
		})
	}

	_ = group.Wait()
	return result
}

func (s *Service) answerFromAllDocuments(ctx context.Context, questionID string) (*AnsweredQuestion, bool, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	q, err := s.questions.Question(ctx, questionID)
	if err != nil {
		return nil, false, fmt.Errorf("load question: %w", err)
	}
	if q.Status != StatusPending {
		return nil, false, fmt.Errorf("question %s is not pending", questionID)
	}

	results, err := s.searcher.Search(ctx, q.Content, defaultMatchK+2, s.opts.MatchThreshold)
	if err != nil {
		s.logger.Printf("relevance search failed for question %s: %v", q.ID, err)
		return nil, true, nil
	}
	if len(results) == 0 {
		return nil, true, nil
	}

	answer := s.agent.Answer(ctx, q.Content, agent.Ask{Threshold: s.opts.MatchThreshold})
	if !answer.Success {
		return nil, false, fmt.Errorf("agent failed: %s", answer.Text)
	}
	if looksUnanswerable(answer.Text) {
		return nil, true, nil
	}

	text := s.conciseAnswer(ctx, q.Content, answer.Text, results)
	sources := sourceIDs(results[0].DocumentID, answer.SourceIDs, s.opts.MaxSources)
	confidence := Confidence(answer)

	if err := s.questions.WriteAnswer(ctx, q.ID, text, confidence, sources, AnsweredBySystem); err != nil {
		return nil, false, fmt.Errorf("write answer: %w", err)
	}
	s.linkAnswer(ctx, q.ID, sources)

	return &AnsweredQuestion{QuestionID: q.ID, Answer: text, Confidence: confidence, Sources: sources}, false, nil
}

// conciseAnswer runs the secondary synthesis pass: a short cited answer.
// Any failure falls back to a truncated copy of the full answer.
func (s *Service) conciseAnswer(ctx context.Context, question, fullAnswer string, results []index.Result) string {
	citations := make([]string, 0, s.opts.MaxSources)
	seen := make(map[string]struct{})
	for _, result := range results {
		if len(citations) >= s.opts.MaxSources {
			break
		}
		if _, ok := seen[result.DocumentName]; ok {
			continue
		}
		seen[result.DocumentName] = struct{}{}
		citations = append(citations, fmt.Sprintf("[%d] %s", len(citations)+1, result.DocumentName))
	}

	prompt := fmt.Sprintf(`Based on the following information, provide a concise, professional answer to the question.

Question: %s

Information from documents:
%s

Requirements:
- Keep the answer concise (2-3 sentences maximum)
- Be professional and factual
- Reference source documents using [1], [2], [3] notation
- If information is incomplete, acknowledge it

Answer:`, question, fullAnswer)

	if s.llm == nil {
		return fallbackAnswer(fullAnswer, citations)
	}
	short, err := s.llm.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		s.logger.Printf("concise synthesis failed: %v", err)
		return fallbackAnswer(fullAnswer, citations)
	}

	short = strings.TrimSpace(short)
	if short == "" {
		return fallbackAnswer(fullAnswer, citations)
	}
	if len(citations) > 0 {
		short += "\n\nSources:\n" + strings.Join(citations, "\n")
	}
	return short
}

func fallbackAnswer(fullAnswer string, citations []string) string {
	text := strings.TrimSpace(fullAnswer)
	if len(text) > 300 {
		text = text[:300] + "..."
	}
	if len(citations) > 0 {
		text += "\n\nSources:\n" + strings.Join(citations, "\n")
	}
	return text
}

func (s *Service) linkAnswer(ctx context.Context, questionID string, docIDs []string) {
	if s.linker == nil {
		return
	}
	if err := s.linker.LinkAnswer(ctx, questionID, docIDs); err != nil {
		s.logger.Printf("link answer provenance for %s: %v", questionID, err)
	}
}

// Confidence scores an answer heuristically. Not a calibrated probability.
func Confidence(answer agent.Answer) float64 {
	if !answer.Success {
		return 0
	}
	score := 0.7
	if answer.UsedRetrieval {
		score += 0.2
	}
	if len(answer.Sources) > 0 {
		score += 0.1
	}
	if len(answer.Text) > 200 {
		score += 0.05
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func sourceIDs(primary string, fromAgent []string, limit int) []string {
	ids := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for _, id := range append([]string{primary}, fromAgent...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if len(ids) >= limit {
			break
		}
	}
	return ids
}

func looksUnanswerable(answer string) bool {
	lowered := strings.ToLower(answer)
	for _, phrase := range []string{
		"i don't have information",
		"do not contain enough information",
		"does not contain enough information",
		"no relevant documents found",
	} {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
