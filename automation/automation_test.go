package automation_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/vaultline/diligence-agent/agent"
	"github.com/vaultline/diligence-agent/automation"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/llm"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return "", errors.New("no reply scripted")
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

var _ llm.Client = (*scriptedLLM)(nil)

type stubSearcher struct {
	results []index.Result
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int, threshold float64) ([]index.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

var _ agent.Searcher = (*stubSearcher)(nil)

type writtenAnswer struct {
	answer     string
	confidence float64
	sourceIDs  []string
	answeredBy string
}

type stubQuestionStore struct {
	mu      sync.Mutex
	pending []automation.Question
	byID    map[string]automation.Question
	written map[string]writtenAnswer
	err     error
}

func newStubStore(qs ...automation.Question) *stubQuestionStore {
	store := &stubQuestionStore{
		byID:    make(map[string]automation.Question),
		written: make(map[string]writtenAnswer),
	}
	for _, q := range qs {
		store.byID[q.ID] = q
		if q.Status == automation.StatusPending {
			store.pending = append(store.pending, q)
		}
	}
	return store
}

func (s *stubQuestionStore) PendingQuestions(ctx context.Context) ([]automation.Question, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pending, nil
}

func (s *stubQuestionStore) Question(ctx context.Context, id string) (automation.Question, error) {
	q, ok := s.byID[id]
	if !ok {
		return automation.Question{}, fmt.Errorf("question %s not found", id)
	}
	return q, nil
}

func (s *stubQuestionStore) WriteAnswer(ctx context.Context, id, answer string, confidence float64, sourceIDs []string, answeredBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[id] = writtenAnswer{answer: answer, confidence: confidence, sourceIDs: sourceIDs, answeredBy: answeredBy}
	return nil
}

var _ automation.QuestionStore = (*stubQuestionStore)(nil)

type stubLinker struct {
	mu     sync.Mutex
	linked map[string][]string
}

func (s *stubLinker) LinkAnswer(ctx context.Context, questionID string, docIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linked == nil {
		s.linked = make(map[string][]string)
	}
	s.linked[questionID] = docIDs
	return nil
}

var _ automation.AnswerLinker = (*stubLinker)(nil)

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newService(searcher agent.Searcher, llmClient llm.Client, store automation.QuestionStore, linker automation.AnswerLinker) *automation.Service {
	answerer := agent.New(searcher, llmClient, discard(), agent.Options{})
	return automation.NewService(searcher, answerer, llmClient, store, linker, discard(), automation.Options{Workers: 1})
}

func revenueResults() []index.Result {
	return []index.Result{{
		Content:      "Annual Revenue: $50 million",
		DocumentID:   "doc-1",
		DocumentName: "financials.pdf",
		ChunkIndex:   0,
		Similarity:   0.8,
	}}
}

func TestOnDocumentProcessedAnswersRelevantQuestion(t *testing.T) {
	store := newStubStore(automation.Question{
		ID: "q1", Title: "Revenue", Content: "What is the annual revenue?", Status: automation.StatusPending,
	})
	linker := &stubLinker{}
	llmClient := &scriptedLLM{replies: []string{
		"The annual revenue is $50 million.",
		"The annual revenue is $50 million [1].",
	}}
	svc := newService(&stubSearcher{results: revenueResults()}, llmClient, store, linker)

	report, err := svc.OnDocumentProcessed(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Processed != 1 || len(report.Answered) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	answered := report.Answered[0]
	if answered.QuestionID != "q1" {
		t.Fatalf("wrong question answered: %+v", answered)
	}
	if answered.Confidence <= 0 {
		t.Fatalf("expected positive confidence, got %v", answered.Confidence)
	}

	written, ok := store.written["q1"]
	if !ok {
		t.Fatal("answer was not written to the store")
	}
	if written.answeredBy != automation.AnsweredBySystem {
		t.Fatalf("unexpected answeredBy: %q", written.answeredBy)
	}
	if len(written.sourceIDs) == 0 || written.sourceIDs[0] != "doc-1" {
		t.Fatalf("primary document missing from sources: %v", written.sourceIDs)
	}
	if !strings.Contains(written.answer, "[1] financials.pdf") {
		t.Fatalf("answer missing citation list:\n%s", written.answer)
	}

	if got := linker.linked["q1"]; len(got) == 0 || got[0] != "doc-1" {
		t.Fatalf("provenance not linked: %v", linker.linked)
	}
}

func TestOnDocumentProcessedSkipsIrrelevantDocument(t *testing.T) {
	store := newStubStore(automation.Question{
		ID: "q1", Content: "What is the annual revenue?", Status: automation.StatusPending,
	})
	results := []index.Result{{
		Content: "Annual Revenue: $50 million", DocumentID: "doc-other", DocumentName: "other.pdf", Similarity: 0.8,
	}}
	llmClient := &scriptedLLM{replies: []string{"should not be consulted"}}
	svc := newService(&stubSearcher{results: results}, llmClient, store, nil)

	report, err := svc.OnDocumentProcessed(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "q1" {
		t.Fatalf("question should be skipped: %+v", report)
	}
	if len(store.written) != 0 {
		t.Fatalf("skipped question must stay untouched: %v", store.written)
	}
}

func TestOnDocumentProcessedSkipsUnanswerable(t *testing.T) {
	store := newStubStore(automation.Question{
		ID: "q1", Content: "What is the litigation exposure?", Status: automation.StatusPending,
	})
	llmClient := &scriptedLLM{replies: []string{
		"The documents do not contain enough information to answer this.",
	}}
	svc := newService(&stubSearcher{results: revenueResults()}, llmClient, store, nil)

	report, err := svc.OnDocumentProcessed(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("unanswerable question should be skipped: %+v", report)
	}
	if len(store.written) != 0 {
		t.Fatalf("unanswerable question must stay untouched: %v", store.written)
	}
}

func TestOnDocumentProcessedSearchFailureDegrades(t *testing.T) {
	store := newStubStore(automation.Question{
		ID: "q1", Content: "What is the annual revenue?", Status: automation.StatusPending,
	})
	svc := newService(&stubSearcher{err: errors.New("index unavailable")}, &scriptedLLM{replies: []string{"unused"}}, store, nil)

	report, err := svc.OnDocumentProcessed(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("search failure must not abort the run: %v", err)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("question should be skipped on search failure: %+v", report)
	}
}

func TestOnDocumentProcessedNoPending(t *testing.T) {
	svc := newService(&stubSearcher{}, &scriptedLLM{replies: []string{"unused"}}, newStubStore(), nil)

	report, err := svc.OnDocumentProcessed(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestBatchProcessPartitionsEveryQuestion(t *testing.T) {
	store := newStubStore(
		automation.Question{ID: "q1", Content: "What is the annual revenue?", Status: automation.StatusPending},
		automation.Question{ID: "q2", Content: "Already handled", Status: automation.StatusAnswered},
	)
	llmClient := &scriptedLLM{replies: []string{
		"The annual revenue is $50 million.",
		"The annual revenue is $50 million [1].",
	}}
	svc := newService(&stubSearcher{results: revenueResults()}, llmClient, store, nil)

	ids := []string{"q1", "q2", "missing"}
	result := svc.BatchProcess(context.Background(), ids)

	total := len(result.Answered) + len(result.NoAnswer) + len(result.Errors)
	if total != len(ids) {
		t.Fatalf("every id must land in exactly one bucket: %+v", result)
	}
	if len(result.Answered) != 1 || result.Answered[0].QuestionID != "q1" {
		t.Fatalf("q1 should be answered: %+v", result)
	}
	if _, ok := result.Errors["q2"]; !ok {
		t.Fatalf("non-pending q2 should be an error: %+v", result)
	}
	if _, ok := result.Errors["missing"]; !ok {
		t.Fatalf("unknown id should be an error: %+v", result)
	}
}

func TestBatchProcessNoEvidence(t *testing.T) {
	store := newStubStore(automation.Question{
		ID: "q1", Content: "What is the annual revenue?", Status: automation.StatusPending,
	})
	svc := newService(&stubSearcher{}, &scriptedLLM{replies: []string{"unused"}}, store, nil)

	result := svc.BatchProcess(context.Background(), []string{"q1"})
	if len(result.NoAnswer) != 1 || result.NoAnswer[0] != "q1" {
		t.Fatalf("question without evidence should land in no_answer: %+v", result)
	}
}

func TestConfidenceHeuristic(t *testing.T) {
	cases := []struct {
		name   string
		answer agent.Answer
		want   float64
	}{
		{"failure", agent.Answer{Success: false}, 0},
		{"bare success", agent.Answer{Success: true, Text: "short"}, 0.7},
		{"with retrieval", agent.Answer{Success: true, Text: "short", UsedRetrieval: true}, 0.9},
		{"with sources", agent.Answer{Success: true, Text: "short", UsedRetrieval: true, Sources: []string{"a.pdf"}}, 1.0},
		{
			"capped",
			agent.Answer{Success: true, Text: strings.Repeat("x", 250), UsedRetrieval: true, Sources: []string{"a.pdf"}},
			1.0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := automation.Confidence(tc.answer)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("confidence = %v, want %v", got, tc.want)
			}
		})
	}
}
