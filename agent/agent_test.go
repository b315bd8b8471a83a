package agent_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/vaultline/diligence-agent/agent"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/llm"
)

// scriptedLLM replays canned replies in order; the last reply repeats once
// the script runs out.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls++
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
	mu      sync.Mutex
	results []index.Result
	err     error
	queries []string
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int, threshold float64) ([]index.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

var _ agent.Searcher = (*stubSearcher)(nil)

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAnswerWithoutRetrieval(t *testing.T) {
	searcher := &stubSearcher{}
	llmClient := &scriptedLLM{replies: []string{"Escrow is a neutral holding arrangement."}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{})

	answer := a.Answer(context.Background(), "What is escrow?", agent.Ask{})
	if !answer.Success {
		t.Fatalf("expected success, got %+v", answer)
	}
	if answer.UsedRetrieval {
		t.Fatal("expected no retrieval for a direct answer")
	}
	if len(answer.Sources) != 0 {
		t.Fatalf("expected no sources, got %v", answer.Sources)
	}
	if len(searcher.queries) != 0 {
		t.Fatalf("searcher should not be called, got queries %v", searcher.queries)
	}
}

func TestAnswerWithRetrieval(t *testing.T) {
	searcher := &stubSearcher{results: []index.Result{
		{Content: "Annual Revenue: $50 million", DocumentID: "doc-1", DocumentName: "financials.pdf", Similarity: 0.9},
	}}
	llmClient := &scriptedLLM{replies: []string{
		"SEARCH: annual revenue",
		"The annual revenue is $50 million, per financials.pdf.",
	}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{})

	answer := a.Answer(context.Background(), "What is the annual revenue?", agent.Ask{})
	if !answer.Success {
		t.Fatalf("expected success, got %+v", answer)
	}
	if !answer.UsedRetrieval {
		t.Fatal("expected retrieval to be used")
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "annual revenue" {
		t.Fatalf("unexpected search queries: %v", searcher.queries)
	}
	if len(answer.Sources) != 1 || answer.Sources[0] != "financials.pdf" {
		t.Fatalf("unexpected sources: %v", answer.Sources)
	}
	if len(answer.SourceIDs) != 1 || answer.SourceIDs[0] != "doc-1" {
		t.Fatalf("unexpected source ids: %v", answer.SourceIDs)
	}
}

func TestAnswerSearchCapForcesSynthesis(t *testing.T) {
	searcher := &stubSearcher{results: []index.Result{
		{Content: "some evidence", DocumentID: "doc-1", DocumentName: "doc.pdf", Similarity: 0.8},
	}}
	llmClient := &scriptedLLM{replies: []string{
		"SEARCH: first",
		"SEARCH: second",
		"SEARCH: third",
		"Best-effort answer from gathered evidence.",
	}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{MaxSearches: 2})

	answer := a.Answer(context.Background(), "Summarize the contract terms.", agent.Ask{})
	if !answer.Success {
		t.Fatalf("expected success, got %+v", answer)
	}
	if answer.Text != "Best-effort answer from gathered evidence." {
		t.Fatalf("unexpected answer text: %q", answer.Text)
	}
	if len(searcher.queries) != 2 {
		t.Fatalf("expected exactly 2 searches, got %v", searcher.queries)
	}
	if !answer.UsedRetrieval {
		t.Fatal("expected retrieval to be marked used")
	}
}

func TestAnswerForcedSynthesisStripsDirective(t *testing.T) {
	searcher := &stubSearcher{results: []index.Result{
		{Content: "some evidence", DocumentID: "doc-1", DocumentName: "doc.pdf", Similarity: 0.8},
	}}
	llmClient := &scriptedLLM{replies: []string{
		"SEARCH: first",
		"SEARCH: second",
		"SEARCH: customer churn rates\nBased on the gathered evidence, churn is around 5% annually.",
	}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{MaxSearches: 1})

	answer := a.Answer(context.Background(), "What is the churn rate?", agent.Ask{})
	if !answer.Success {
		t.Fatalf("expected success, got %+v", answer)
	}
	if answer.Text != "Based on the gathered evidence, churn is around 5% annually." {
		t.Fatalf("directive line should be stripped from the answer: %q", answer.Text)
	}
}

func TestAnswerForcedSynthesisBareDirectiveFallsBack(t *testing.T) {
	searcher := &stubSearcher{results: []index.Result{
		{Content: "some evidence", DocumentID: "doc-1", DocumentName: "doc.pdf", Similarity: 0.8},
	}}
	llmClient := &scriptedLLM{replies: []string{
		"SEARCH: first",
		"SEARCH: second",
		"SEARCH: customer churn rates",
	}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{MaxSearches: 1})

	answer := a.Answer(context.Background(), "What is the churn rate?", agent.Ask{})
	if !answer.Success {
		t.Fatalf("expected success, got %+v", answer)
	}
	if answer.Text == "customer churn rates" || strings.HasPrefix(answer.Text, "SEARCH:") {
		t.Fatalf("raw search query must never be returned as the answer: %q", answer.Text)
	}
	if answer.Text == "" {
		t.Fatal("expected a best-effort fallback message")
	}
}

func TestAnswerRetrievalErrorDegrades(t *testing.T) {
	searcher := &stubSearcher{err: errors.New("index unavailable")}
	llmClient := &scriptedLLM{replies: []string{
		"SEARCH: revenue",
		"The documents do not contain enough information.",
	}}
	a := agent.New(searcher, llmClient, discard(), agent.Options{})

	answer := a.Answer(context.Background(), "What is the revenue?", agent.Ask{})
	if !answer.Success {
		t.Fatalf("retrieval failure must not fail the answer: %+v", answer)
	}
	if len(answer.Sources) != 0 {
		t.Fatalf("expected no sources, got %v", answer.Sources)
	}
	if !answer.UsedRetrieval {
		t.Fatal("a search was attempted, UsedRetrieval should be true")
	}
}

func TestAnswerLLMFailure(t *testing.T) {
	llmClient := &scriptedLLM{err: errors.New("model offline")}
	a := agent.New(&stubSearcher{}, llmClient, discard(), agent.Options{})

	answer := a.Answer(context.Background(), "anything", agent.Ask{})
	if answer.Success {
		t.Fatalf("expected failure, got %+v", answer)
	}
	if answer.UsedRetrieval {
		t.Fatal("failed answer should not claim retrieval")
	}
	if !strings.Contains(answer.Text, "model offline") {
		t.Fatalf("failure text should carry the cause: %q", answer.Text)
	}
}

func TestAnswerEmptyQuestion(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{"should not be used"}}
	a := agent.New(&stubSearcher{}, llmClient, discard(), agent.Options{})

	answer := a.Answer(context.Background(), "   ", agent.Ask{})
	if answer.Success {
		t.Fatalf("expected failure for empty question, got %+v", answer)
	}
	if llmClient.calls != 0 {
		t.Fatalf("llm should not be called, got %d calls", llmClient.calls)
	}
}

func TestAnswerNilLLM(t *testing.T) {
	a := agent.New(&stubSearcher{}, nil, discard(), agent.Options{})
	if answer := a.Answer(context.Background(), "question", agent.Ask{}); answer.Success {
		t.Fatalf("expected failure without an llm client, got %+v", answer)
	}
}
