// Package agent answers natural-language questions, deciding per question
// whether to consult the embedding index before responding. The decision is
// delegated to the LLM through a closed protocol: the model either replies
// with a SEARCH directive to retrieve evidence or with the final answer,
// inside a bounded loop.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vaultline/diligence-agent/evidence"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/llm"
)

const (
	defaultK            = 5
	defaultThreshold    = 0.7
	defaultMaxSearches  = 5
	defaultHistoryLimit = 10
	defaultContextLimit = 6

	searchDirective = "SEARCH:"
)

// Searcher is the retrieval capability handed to the agent.
type Searcher interface {
	Search(ctx context.Context, query string, k int, threshold float64) ([]index.Result, error)
}

type Options struct {
	K            int
	Threshold    float64
	MaxSearches  int
	HistoryLimit int
	ContextLimit int
	Timeout      time.Duration
}

// Ask carries per-call overrides. Zero values fall back to the agent's
// configured defaults.
type Ask struct {
	Context   string
	History   []llm.Message
	K         int
	Threshold float64
}

// Answer is the structured outcome of one question. Failures never surface
// as errors across the module boundary; callers must check Success.
type Answer struct {
	Text          string
	UsedRetrieval bool
	Sources       []string
	SourceIDs     []string
	Success       bool
}

type Agent struct {
	searcher Searcher
	llm      llm.Client
	logger   *log.Logger
	opts     Options
}

func New(searcher Searcher, llmClient llm.Client, logger *log.Logger, opts Options) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	if opts.K <= 0 {
		opts.K = defaultK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.MaxSearches <= 0 {
		opts.MaxSearches = defaultMaxSearches
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = defaultContextLimit
	}

	return &Agent{searcher: searcher, llm: llmClient, logger: logger, opts: opts}
}

// Answer runs the retrieval loop for one question and returns exactly one
// synthesized answer. Retrieval failures degrade to "no evidence" for that
// search; only LLM failures fail the whole call.
func (a *Agent) Answer(ctx context.Context, question string, ask Ask) Answer {
	question = strings.TrimSpace(question)
	if question == "" {
		return failure("question cannot be empty")
	}
	if a.llm == nil {
		return failure("llm client is not configured")
	}

	k := ask.K
	if k <= 0 {
		k = a.opts.K
	}
	threshold := ask.Threshold
	if threshold <= 0 {
		threshold = a.opts.Threshold
	}

	messages := make([]llm.Message, 0, a.opts.HistoryLimit+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt()})
	messages = append(messages, boundHistory(ask.History, a.opts.HistoryLimit)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: formatQuestion(question, ask.Context)})

	searches := 0
	gathered := make([][]index.Result, 0, a.opts.MaxSearches)

	for {
		reply, err := a.generate(ctx, messages)
		if err != nil {
			a.logger.Printf("agent generate failed: %v", err)
			return failure(fmt.Sprintf("Error processing question: %v", err))
		}

		query, isSearch := parseDirective(reply)
		if !isSearch {
			return a.finish(reply, searches, gathered)
		}

		if searches >= a.opts.MaxSearches {
			// Cap reached: demand a best-effort answer instead of looping.
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: reply},
				llm.Message{Role: llm.RoleUser, Content: "Search limit reached. Answer the question now using the evidence gathered so far. Do not search again."},
			)
			final, err := a.generate(ctx, messages)
			if err != nil {
				a.logger.Printf("agent forced synthesis failed: %v", err)
				return failure(fmt.Sprintf("Error processing question: %v", err))
			}
			if _, still := parseDirective(final); still {
				final = stripDirective(final)
			}
			return a.finish(final, searches, gathered)
		}

		results := a.search(ctx, query, k, threshold)
		searches++
		if len(results) > 0 {
			gathered = append(gathered, results)
		}

		block := evidence.FormatBlock(evidence.Aggregate([][]index.Result{results}, a.opts.ContextLimit))
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: reply},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("Results for %q:\n\n%s\n\nSearch again if you need more evidence, otherwise give the final answer.", query, block)},
		)
	}
}

func (a *Agent) finish(text string, searches int, gathered [][]index.Result) Answer {
	names, ids := sourcesFrom(gathered)
	return Answer{
		Text:          strings.TrimSpace(text),
		UsedRetrieval: searches > 0,
		Sources:       names,
		SourceIDs:     ids,
		Success:       true,
	}
}

// search degrades every retrieval error to an empty result set so an
// unavailable index reads as "no evidence" rather than a crash.
func (a *Agent) search(ctx context.Context, query string, k int, threshold float64) []index.Result {
	if a.searcher == nil {
		return nil
	}
	results, err := a.searcher.Search(ctx, query, k, threshold)
	if err != nil {
		a.logger.Printf("retrieval failed for %q: %v", query, err)
		return nil
	}
	return results
}

func (a *Agent) generate(ctx context.Context, messages []llm.Message) (string, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}
	return a.llm.Generate(ctx, messages)
}

func parseDirective(reply string) (string, bool) {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, searchDirective) {
		return "", false
	}
	line := trimmed
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		line = trimmed[:idx]
	}
	query := strings.TrimSpace(strings.TrimPrefix(line, searchDirective))
	if query == "" {
		return "", false
	}
	return query, true
}

// stripDirective removes the leading SEARCH line from a reply that ignored
// the forced-synthesis instruction. The search query itself must never come
// back as the answer text; when nothing but the directive remains, a fixed
// fallback does.
func stripDirective(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		if rest := strings.TrimSpace(trimmed[idx+1:]); rest != "" {
			return rest
		}
	}
	return "The search limit was reached before a final answer could be synthesized from the gathered evidence."
}

func boundHistory(history []llm.Message, limit int) []llm.Message {
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func sourcesFrom(gathered [][]index.Result) (names, ids []string) {
	merged := evidence.Aggregate(gathered, 0)
	seenName := make(map[string]struct{})
	seenID := make(map[string]struct{})
	for _, result := range merged {
		if result.DocumentName != "" {
			if _, ok := seenName[result.DocumentName]; !ok {
				seenName[result.DocumentName] = struct{}{}
				names = append(names, result.DocumentName)
			}
		}
		if result.DocumentID != "" {
			if _, ok := seenID[result.DocumentID]; !ok {
				seenID[result.DocumentID] = struct{}{}
				ids = append(ids, result.DocumentID)
			}
		}
	}
	return names, ids
}

func failure(reason string) Answer {
	return Answer{Text: reason, UsedRetrieval: false, Success: false}
}

func formatQuestion(question, context string) string {
	if strings.TrimSpace(context) == "" {
		return question
	}
	return fmt.Sprintf("Context: %s\n\nQuestion: %s", context, question)
}

func systemPrompt() string {
	return `You are an expert financial analyst helping with due diligence questions about a company's data room.

You can search the uploaded business documents. To search, reply with exactly one line:
SEARCH: <specific search query>

Search when the question asks about specific financial data, contracts, or business facts that would be found in the documents. Do not search for general or process questions you can answer from general knowledge.

You may search several times to gather comprehensive evidence. When you have enough, reply with the final answer instead of a SEARCH line. Be precise and factual, cite the documents you drew from by name, and state clearly when the documents do not contain enough information.`
}
