// Package chunker splits extracted document text into overlapping,
// offset-tracked segments used as the unit of embedding and retrieval.
package chunker

import "strings"

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Chunk is a contiguous substring of a document's extracted text. When the
// offsets are valid they index into the original text, so callers can use
// them for highlighting. Offsets are -1 when the segment could not be
// located in the source.
type Chunk struct {
	DocumentID   string
	DocumentName string
	Index        int
	Content      string
	StartOffset  int
	EndOffset    int
	Length       int
	EmbeddingID  string
}

// Splitter cuts text into segments of at most Size characters with Overlap
// characters shared between consecutive segments. It prefers to break at a
// paragraph boundary, then a sentence boundary, then a word boundary, and
// only falls back to a hard cut when the window contains none of those.
type Splitter struct {
	Size    int
	Overlap int
}

func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return Splitter{Size: size, Overlap: overlap}
}

// Split returns the ordered chunks of text. Empty or whitespace-only input
// yields no chunks; treating that as an extraction failure is the caller's
// concern.
func (s Splitter) Split(text, docID, docName string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	size := s.Size
	if size <= 0 {
		size = DefaultSize
	}
	overlap := s.Overlap
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}

	segments := make([]string, 0, len(text)/size+1)
	start := 0
	for start < len(text) {
		if len(text)-start <= size {
			segments = append(segments, text[start:])
			break
		}

		cut := boundaryCut(text[start:start+size], size)
		segments = append(segments, text[start:start+cut])

		next := start + cut - overlap
		if next <= start {
			next = start + cut
		}
		start = next
	}

	chunks := make([]Chunk, 0, len(segments))
	cursor := 0
	for _, segment := range segments {
		content := strings.TrimSpace(segment)
		if content == "" {
			continue
		}

		// Locate the segment in the source starting at the previous
		// chunk's start so offsets never regress, even when the text
		// contains repeated substrings.
		offset := indexFrom(text, content, cursor)
		if offset < 0 {
			offset = cursor
		}

		chunks = append(chunks, Chunk{
			DocumentID:   docID,
			DocumentName: docName,
			Index:        len(chunks),
			Content:      content,
			StartOffset:  offset,
			EndOffset:    offset + len(content),
			Length:       len(content),
		})
		cursor = offset + 1
	}

	return chunks
}

// boundaryCut picks where to end the current segment inside window. Cuts
// before the window midpoint are rejected so boundary snapping cannot
// produce degenerate, near-empty chunks.
func boundaryCut(window string, size int) int {
	min := size / 2

	if idx := strings.LastIndex(window, "\n\n"); idx >= min {
		return idx
	}

	sentence := -1
	for _, sep := range []string{". ", ".\n", "! ", "? ", "\n"} {
		if idx := strings.LastIndex(window, sep); idx >= min && idx > sentence {
			sentence = idx
		}
	}
	if sentence >= 0 {
		return sentence + 1
	}

	if idx := strings.LastIndex(window, " "); idx >= min {
		return idx
	}

	return len(window)
}

func indexFrom(text, sub string, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(text) {
		return -1
	}
	idx := strings.Index(text[from:], sub)
	if idx < 0 {
		return -1
	}
	return from + idx
}
