// Package evidence merges retrieval results from multiple searches into a
// single deduplicated, ranked block of context for answer synthesis.
package evidence

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/vaultline/diligence-agent/index"
)

// dedupPrefixLen is how much of a chunk's content feeds the duplicate hash.
// Hash collisions are treated as duplicates; an accepted approximation.
const dedupPrefixLen = 200

// Aggregate flattens result sets, drops near-identical passages (same
// content prefix), keeps the highest-similarity occurrence of each
// duplicate group, orders by similarity descending, and truncates to limit.
func Aggregate(sets [][]index.Result, limit int) []index.Result {
	best := make(map[[32]byte]index.Result)
	order := make([][32]byte, 0)

	for _, set := range sets {
		for _, result := range set {
			key := contentKey(result.Content)
			existing, seen := best[key]
			if !seen {
				best[key] = result
				order = append(order, key)
				continue
			}
			if result.Similarity > existing.Similarity {
				best[key] = result
			}
		}
	}

	merged := make([]index.Result, 0, len(order))
	for _, key := range order {
		merged = append(merged, best[key])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// FormatBlock renders results as the numbered evidence block consumed by
// the synthesis prompt.
func FormatBlock(results []index.Result) string {
	if len(results) == 0 {
		return "No relevant document excerpts found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant document excerpts:\n\n", len(results))
	for i, result := range results {
		fmt.Fprintf(&sb, "--- Excerpt %d ---\n", i+1)
		fmt.Fprintf(&sb, "Source: %s (chunk %d)\n", result.DocumentName, result.ChunkIndex)
		fmt.Fprintf(&sb, "Relevance: %.2f\n", result.Similarity)
		fmt.Fprintf(&sb, "Content: %s\n\n", result.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func contentKey(content string) [32]byte {
	if len(content) > dedupPrefixLen {
		content = content[:dedupPrefixLen]
	}
	return sha256.Sum256([]byte(content))
}
