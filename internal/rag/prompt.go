package rag

import (
	"fmt"
	"strings"

	"regulatory-rag/internal/models"
)

// BuildPrompt labels each context with its source and embeds them, with the
// question, in the grounding template.
func BuildPrompt(query string, contexts []models.RetrievedContext) string {
	blocks := make([]string, len(contexts))
	for i, c := range contexts {
		blocks[i] = fmt.Sprintf(models.SourceBlockFormat, c.DocumentName, c.SectionNumber, c.Text)
	}
	return fmt.Sprintf(models.PromptTemplate, strings.Join(blocks, models.SourceBlockJoiner), query)
}
