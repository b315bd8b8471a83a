package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vaultline/diligence-agent/agent"
	"github.com/vaultline/diligence-agent/api"
	"github.com/vaultline/diligence-agent/automation"
	"github.com/vaultline/diligence-agent/chunker"
	"github.com/vaultline/diligence-agent/config"
	"github.com/vaultline/diligence-agent/database"
	"github.com/vaultline/diligence-agent/embeddings"
	"github.com/vaultline/diligence-agent/extract"
	"github.com/vaultline/diligence-agent/index"
	"github.com/vaultline/diligence-agent/knowledge"
	"github.com/vaultline/diligence-agent/llm"
	"github.com/vaultline/diligence-agent/processor"
	"github.com/vaultline/diligence-agent/questions"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "process":
		processCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "match":
		matchCmd(cfg, logger, os.Args[2:])
	case "batch":
		batchCmd(cfg, logger, os.Args[2:])
	case "stats":
		statsCmd(cfg, logger, os.Args[2:])
	case "delete":
		deleteCmd(cfg, logger, os.Args[2:])
	case "provenance":
		provenanceCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// engine bundles the wired components each command needs. Neo4j is
// optional; without it the knowledge graph is simply skipped.
type engine struct {
	idx       index.Index
	store     *questions.Store
	graph     *knowledge.Graph
	processor *processor.Service
	agent     *agent.Agent
	matcher   *automation.Service
	close     func(ctx context.Context)
}

func buildEngine(ctx context.Context, cfg config.Config, logger *log.Logger) (*engine, error) {
	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}

	if err := database.EnsureSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	var neo4jDriver neo4j.DriverWithContext
	if cfg.Neo4jURI != "" {
		neo4jDriver, err = database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			pgPool.Close()
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	idx := index.NewPostgres(pgPool, embedder, cfg.Embeddings.Dimension)
	store := questions.NewStore(pgPool)

	var graph *knowledge.Graph
	var syncer processor.GraphSyncer
	var linker automation.AnswerLinker
	if neo4jDriver != nil {
		graph = knowledge.NewGraph(neo4jDriver)
		syncer = graph
		linker = graph
	}

	answerer := agent.New(idx, llmClient, logger, agent.Options{
		K:            cfg.Retrieval.K,
		Threshold:    cfg.Retrieval.ChatThreshold,
		MaxSearches:  cfg.Retrieval.MaxSearches,
		ContextLimit: cfg.Retrieval.ContextLimit,
	})

	proc := processor.NewService(chunker.NewSplitter(chunker.DefaultSize, chunker.DefaultOverlap), idx, store, syncer, logger)

	matcher := automation.NewService(idx, answerer, llmClient, store, linker, logger, automation.Options{
		Workers:        cfg.Automation.Workers,
		Timeout:        cfg.Automation.Timeout,
		MatchThreshold: cfg.Retrieval.MatchThreshold,
	})

	return &engine{
		idx:       idx,
		store:     store,
		graph:     graph,
		processor: proc,
		agent:     answerer,
		matcher:   matcher,
		close: func(ctx context.Context) {
			pgPool.Close()
			if neo4jDriver != nil {
				if err := neo4jDriver.Close(ctx); err != nil {
					logger.Printf("close neo4j driver: %v", err)
				}
			}
		},
	}, nil
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.ListenAddr, "address to listen on")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	server := &http.Server{
		Addr:    *addr,
		Handler: api.New(eng.idx, eng.processor, eng.agent, eng.matcher, logger),
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Printf("server shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
}

func processCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("process", flag.ExitOnError)
	file := flags.String("file", "", "path to the document to index")
	docID := flags.String("id", "", "document id (defaults to a new UUID)")
	name := flags.String("name", "", "document name (defaults to the file name)")
	runMatch := flags.Bool("match", true, "scan pending questions against the document after indexing")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse process flags: %v", err)
	}
	if *file == "" {
		logger.Fatal("process requires --file")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatalf("read document: %v", err)
	}
	if *name == "" {
		*name = filepath.Base(*file)
	}
	if *docID == "" {
		*docID = uuid.NewString()
	}

	text, err := extract.Text(*name, data)
	if err != nil {
		logger.Fatalf("extract text: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	if err := eng.store.UpsertDocument(ctx, *docID, *name); err != nil {
		logger.Fatalf("register document: %v", err)
	}

	result, err := eng.processor.Process(ctx, text, *name, *docID)
	if err != nil {
		logger.Fatalf("process document: %v", err)
	}
	if !result.Success {
		logger.Fatalf("processing failed: %s", result.Error)
	}
	logger.Printf("indexed %s as %s: %d chunks, %d characters", *name, *docID, result.ChunksCreated, result.TotalCharacters)

	if !*runMatch {
		return
	}

	report, err := eng.matcher.OnDocumentProcessed(ctx, *docID)
	if err != nil {
		logger.Fatalf("question matching: %v", err)
	}
	logger.Printf("matched %d pending questions: %d answered, %d skipped, %d failed",
		report.Processed, len(report.Answered), len(report.Skipped), len(report.Failures))
	for _, answered := range report.Answered {
		fmt.Printf("answered %s (confidence %.2f)\n", answered.QuestionID, answered.Confidence)
	}
	for id, reason := range report.Failures {
		logger.Printf("question %s failed: %s", id, reason)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask the agent")
	askContext := flags.String("context", "", "extra context passed to the agent")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	answer := eng.agent.Answer(ctx, *question, agent.Ask{Context: *askContext})
	if !answer.Success {
		logger.Fatalf("agent failed: %s", answer.Text)
	}

	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, source := range answer.Sources {
			fmt.Printf("%d. %s\n", i+1, source)
		}
	}
}

func matchCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("match", flag.ExitOnError)
	docID := flags.String("doc", "", "document id to scan pending questions against")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse match flags: %v", err)
	}
	if *docID == "" {
		logger.Fatal("match requires --doc")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	report, err := eng.matcher.OnDocumentProcessed(ctx, *docID)
	if err != nil {
		logger.Fatalf("question matching: %v", err)
	}

	logger.Printf("processed %d pending questions", report.Processed)
	for _, answered := range report.Answered {
		fmt.Printf("answered %s (confidence %.2f, sources %s)\n",
			answered.QuestionID, answered.Confidence, strings.Join(answered.Sources, ", "))
	}
	for _, id := range report.Skipped {
		fmt.Printf("skipped %s: document not relevant\n", id)
	}
	for id, reason := range report.Failures {
		fmt.Printf("failed %s: %s\n", id, reason)
	}
}

func batchCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("batch", flag.ExitOnError)
	ids := flags.String("ids", "", "comma-separated question ids to answer")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse batch flags: %v", err)
	}

	questionIDs := make([]string, 0)
	for _, id := range strings.Split(*ids, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			questionIDs = append(questionIDs, trimmed)
		}
	}
	questionIDs = append(questionIDs, flags.Args()...)
	if len(questionIDs) == 0 {
		logger.Fatal("batch requires --ids or question id arguments")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	result := eng.matcher.BatchProcess(ctx, questionIDs)
	for _, answered := range result.Answered {
		fmt.Printf("answered %s (confidence %.2f)\n", answered.QuestionID, answered.Confidence)
	}
	for _, id := range result.NoAnswer {
		fmt.Printf("no answer for %s\n", id)
	}
	for id, reason := range result.Errors {
		fmt.Printf("failed %s: %s\n", id, reason)
	}
}

func statsCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse stats flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	stats, err := eng.idx.Stats(ctx)
	if err != nil {
		logger.Fatalf("index stats: %v", err)
	}
	fmt.Printf("documents: %d\n", stats.TotalDocuments)
	fmt.Printf("chunks:    %d\n", stats.TotalChunks)
}

func deleteCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("delete", flag.ExitOnError)
	docID := flags.String("doc", "", "document id to remove from the index and graph")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse delete flags: %v", err)
	}
	if *docID == "" {
		logger.Fatal("delete requires --doc")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	removed, err := eng.idx.DeleteDocument(ctx, *docID)
	if err != nil {
		logger.Fatalf("delete document chunks: %v", err)
	}
	if !removed {
		logger.Printf("document %s had no indexed chunks", *docID)
	} else {
		logger.Printf("removed indexed chunks for document %s", *docID)
	}

	if eng.graph != nil {
		if err := eng.graph.RemoveDocument(ctx, *docID); err != nil {
			logger.Fatalf("remove document from graph: %v", err)
		}
		logger.Printf("removed document %s from the knowledge graph", *docID)
	}
}

func provenanceCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("provenance", flag.ExitOnError)
	questionID := flags.String("question", "", "question id to show cited documents for")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse provenance flags: %v", err)
	}
	if *questionID == "" {
		logger.Fatal("provenance requires --question")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("engine setup: %v", err)
	}
	defer eng.close(context.Background())

	if eng.graph == nil {
		logger.Fatal("provenance requires NEO4J_URI to be configured")
	}

	docIDs, err := eng.graph.AnswerProvenance(ctx, *questionID)
	if err != nil {
		logger.Fatalf("query provenance: %v", err)
	}
	if len(docIDs) == 0 {
		fmt.Printf("question %s has no cited documents\n", *questionID)
		return
	}

	insights, err := eng.graph.Insights(ctx, docIDs)
	if err != nil {
		logger.Fatalf("query document insights: %v", err)
	}

	for rank, docID := range docIDs {
		name, err := eng.store.DocumentName(ctx, docID)
		if err != nil {
			name = docID
		}
		fmt.Printf("%d. %s (%s)\n", rank+1, name, docID)
		if insight, ok := insights[docID]; ok {
			fmt.Printf("   Indexed chunks: %d\n", insight.ChunkCount)
			if len(insight.AnsweredQuestions) > 0 {
				fmt.Printf("   Also answered: %s\n", strings.Join(insight.AnsweredQuestions, ", "))
			}
		}
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete all indexed chunks and graph data. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if _, err := pgPool.Exec(ctx, "TRUNCATE document_chunks"); err != nil {
		logger.Fatalf("truncate chunk table: %v", err)
	}
	if _, err := pgPool.Exec(ctx, "UPDATE documents SET processing_status = 'pending', processed_at = NULL"); err != nil {
		logger.Fatalf("reset document status: %v", err)
	}
	logger.Println("cleared indexed chunks from Postgres")

	if cfg.Neo4jURI == "" {
		return
	}

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	session := neo4jDriver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if err := purgeNeo4j(ctx, session); err != nil {
		logger.Fatalf("clear neo4j: %v", err)
	}
	logger.Println("Neo4j graph cleared")
}

func purgeNeo4j(ctx context.Context, session neo4j.SessionWithContext) error {
	queries := []string{
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (q:Question) DETACH DELETE q",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: diligence-agent <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the HTTP API")
	fmt.Println("  process  Extract, chunk, and index a document, then scan pending questions")
	fmt.Println("  ask      Ask the retrieval agent a question")
	fmt.Println("  match    Scan pending questions against an indexed document")
	fmt.Println("  batch    Answer specific questions against all indexed documents")
	fmt.Println("  stats    Show index statistics")
	fmt.Println("  delete   Remove one document from the index and graph")
	fmt.Println("  provenance  Show which documents an answered question cites")
	fmt.Println("  clear    Remove indexed chunks and graph data")
}
