package parser

import (
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunker splits a section into bounded, overlapping pieces, preferring
// paragraph, line and word boundaries before cutting characters.
type Chunker struct {
	splitter textsplitter.RecursiveCharacter
}

func NewChunker(size, overlap int) *Chunker {
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

func (c *Chunker) Chunk(section string) ([]string, error) {
	return c.splitter.SplitText(section)
}
