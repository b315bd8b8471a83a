package evidence_test

import (
	"strings"
	"testing"

	"github.com/vaultline/diligence-agent/evidence"
	"github.com/vaultline/diligence-agent/index"
)

func TestAggregateDeduplicatesByContent(t *testing.T) {
	sets := [][]index.Result{
		{
			{Content: "Annual Revenue: $50 million", DocumentName: "financials.pdf", Similarity: 0.6},
		},
		{
			{Content: "Annual Revenue: $50 million", DocumentName: "summary.pdf", Similarity: 0.9},
			{Content: "Headcount grew to 120 employees", DocumentName: "hr.pdf", Similarity: 0.5},
		},
	}

	merged := evidence.Aggregate(sets, 0)
	if len(merged) != 2 {
		t.Fatalf("expected 2 deduplicated results, got %d", len(merged))
	}
	if merged[0].Similarity != 0.9 || merged[0].DocumentName != "summary.pdf" {
		t.Fatalf("duplicate did not keep the highest-similarity occurrence: %+v", merged[0])
	}
}

func TestAggregateOrdersAndTruncates(t *testing.T) {
	sets := [][]index.Result{{
		{Content: "low", Similarity: 0.5},
		{Content: "high", Similarity: 0.9},
		{Content: "mid", Similarity: 0.7},
	}}

	merged := evidence.Aggregate(sets, 2)
	if len(merged) != 2 {
		t.Fatalf("expected truncation to 2 results, got %d", len(merged))
	}
	if merged[0].Content != "high" || merged[1].Content != "mid" {
		t.Fatalf("results not ordered by similarity: %+v", merged)
	}
}

func TestAggregateEmpty(t *testing.T) {
	if merged := evidence.Aggregate(nil, 5); len(merged) != 0 {
		t.Fatalf("expected no results, got %d", len(merged))
	}
}

func TestFormatBlockEmpty(t *testing.T) {
	block := evidence.FormatBlock(nil)
	if block != "No relevant document excerpts found." {
		t.Fatalf("unexpected empty block: %q", block)
	}
}

func TestFormatBlockRendersExcerpts(t *testing.T) {
	block := evidence.FormatBlock([]index.Result{
		{Content: "Annual Revenue: $50 million", DocumentName: "financials.pdf", ChunkIndex: 2, Similarity: 0.91},
		{Content: "Net margin held at 12%", DocumentName: "financials.pdf", ChunkIndex: 3, Similarity: 0.84},
	})

	if !strings.HasPrefix(block, "Found 2 relevant document excerpts") {
		t.Fatalf("missing header: %q", block)
	}
	for _, want := range []string{
		"--- Excerpt 1 ---",
		"--- Excerpt 2 ---",
		"Source: financials.pdf (chunk 2)",
		"Relevance: 0.91",
		"Annual Revenue: $50 million",
	} {
		if !strings.Contains(block, want) {
			t.Fatalf("block missing %q:\n%s", want, block)
		}
	}
}
