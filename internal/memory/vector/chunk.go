package vector

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// Memory documents are markdown; split on headings first.
var markdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ",
	"\n\n", "\n", " ", "",
}

// Splitter cuts a document into overlapping chunks.
type Splitter struct {
	splitter textsplitter.TextSplitter
}

// NewSplitter returns a splitter with the given chunk size and overlap.
// Non-positive sizes and an overlap not smaller than the size fall back to
// the defaults.
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}
	return &Splitter{splitter: textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(markdownSeparators),
	)}
}

// Split returns the non-empty chunks of content. A document that cannot be
// split is stored as a single chunk.
func (s *Splitter) Split(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	parts, err := s.splitter.SplitText(content)
	if err != nil || len(parts) == 0 {
		return []string{content}
	}
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{content}
	}
	return out
}
