// Package api exposes the engine over HTTP. One index, agent, and matcher
// instance serve all requests; handlers never construct their own.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/vaultline/diligence-agent/agent"
	"github.com/vaultline/diligence-agent/automation"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/processor"
)

type Server struct {
	idx       index.Index
	processor *processor.Service
	agent     *agent.Agent
	matcher   *automation.Service
	logger    *log.Logger
	handler   http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type processRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

type processResponse struct {
	Success         bool   `json:"success"`
	ChunksCreated   int    `json:"chunksCreated"`
	TotalCharacters int    `json:"totalCharacters"`
	Error           string `json:"error,omitempty"`
}

type searchRequest struct {
	Query     string  `json:"query"`
	K         int     `json:"k"`
	Threshold float64 `json:"threshold"`
}

type searchResult struct {
	Content      string  `json:"content"`
	DocumentID   string  `json:"documentId"`
	DocumentName string  `json:"documentName"`
	ChunkIndex   int     `json:"chunkIndex"`
	StartOffset  int     `json:"startOffset"`
	EndOffset    int     `json:"endOffset"`
	Similarity   float64 `json:"similarity"`
}

type askRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type askResponse struct {
	Answer        string   `json:"answer"`
	UsedRetrieval bool     `json:"usedRetrieval"`
	Sources       []string `json:"sources"`
	Success       bool     `json:"success"`
}

type matchRequest struct {
	DocumentID string `json:"documentId"`
}

type matchResponse struct {
	Processed int                `json:"processed"`
	Answered  []answeredQuestion `json:"answered"`
	Skipped   []string           `json:"skipped"`
	Failures  map[string]string  `json:"failures"`
}

type answeredQuestion struct {
	QuestionID string   `json:"questionId"`
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

type batchRequest struct {
	QuestionIDs []string `json:"questionIds"`
}

type batchResponse struct {
	Answered []answeredQuestion `json:"answered"`
	NoAnswer []string           `json:"noAnswer"`
	Errors   map[string]string  `json:"errors"`
}

type statusResponse struct {
	TotalChunks    int  `json:"totalChunks"`
	TotalDocuments int  `json:"totalDocuments"`
	AgentReady     bool `json:"agentReady"`
}

type documentTextResponse struct {
	DocumentID string `json:"documentId"`
	Text       string `json:"text"`
}

func New(idx index.Index, proc *processor.Service, answerer *agent.Agent, matcher *automation.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{idx: idx, processor: proc, agent: answerer, matcher: matcher, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/documents/process", s.handleProcess)
	mux.HandleFunc("/v1/documents/text", s.handleDocumentText)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/match", s.handleMatch)
	mux.HandleFunc("/v1/batch", s.handleBatch)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	stats, err := s.idx.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("index stats: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		TotalChunks:    stats.TotalChunks,
		TotalDocuments: stats.TotalDocuments,
		AgentReady:     s.agent != nil,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("document id is required"))
		return
	}

	result, err := s.processor.Process(r.Context(), req.Text, req.Name, req.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("process document: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, processResponse{
		Success:         result.Success,
		ChunksCreated:   result.ChunksCreated,
		TotalCharacters: result.TotalCharacters,
		Error:           result.Error,
	})
}

func (s *Server) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	docID := strings.TrimSpace(r.URL.Query().Get("id"))
	if docID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("document id is required"))
		return
	}

	text, found, err := s.processor.DocumentText(r.Context(), docID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("document text: %w", err))
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("document %s has no indexed text", docID))
		return
	}

	s.writeJSON(w, http.StatusOK, documentTextResponse{DocumentID: docID, Text: text})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	results, err := s.idx.Search(r.Context(), req.Query, req.K, req.Threshold)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("search failed: %w", err))
		return
	}

	converted := make([]searchResult, len(results))
	for i, result := range results {
		converted[i] = searchResult{
			Content:      result.Content,
			DocumentID:   result.DocumentID,
			DocumentName: result.DocumentName,
			ChunkIndex:   result.ChunkIndex,
			StartOffset:  result.StartOffset,
			EndOffset:    result.EndOffset,
			Similarity:   result.Similarity,
		}
	}
	s.writeJSON(w, http.StatusOK, converted)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	answer := s.agent.Answer(r.Context(), req.Question, agent.Ask{Context: req.Context})
	s.writeJSON(w, http.StatusOK, askResponse{
		Answer:        answer.Text,
		UsedRetrieval: answer.UsedRetrieval,
		Sources:       answer.Sources,
		Success:       answer.Success,
	})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req matchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("document id is required"))
		return
	}

	report, err := s.matcher.OnDocumentProcessed(r.Context(), req.DocumentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("match failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, matchResponse{
		Processed: report.Processed,
		Answered:  convertAnswered(report.Answered),
		Skipped:   report.Skipped,
		Failures:  report.Failures,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.QuestionIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question ids are required"))
		return
	}

	result := s.matcher.BatchProcess(r.Context(), req.QuestionIDs)
	s.writeJSON(w, http.StatusOK, batchResponse{
		Answered: convertAnswered(result.Answered),
		NoAnswer: result.NoAnswer,
		Errors:   result.Errors,
	})
}

func convertAnswered(answered []automation.AnsweredQuestion) []answeredQuestion {
	converted := make([]answeredQuestion, len(answered))
	for i, item := range answered {
		converted[i] = answeredQuestion{
			QuestionID: item.QuestionID,
			Answer:     item.Answer,
			Confidence: item.Confidence,
			Sources:    item.Sources,
		}
	}
	return converted
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
