package models

const (
	// heading markers that open a new section
	SectionHeadingRegex = `Section\s+\d+|Regulation\s+\d+|Article\s+\w+`
	SectionNumberRegex  = `Section\s+\d+(?:\.\d+)*`
	UnknownSection      = "Unknown"
	PageSeparator       = "\n"
	IDPrefix            = "vec-"
)

// metadata keys stored alongside every vector
const (
	MetaDocumentName   = "document_name"
	MetaRegulationType = "regulation_type"
	MetaSectionNumber  = "section_number"
	MetaSubChunkID     = "sub_chunk_id"
	MetaPageNumber     = "page_number"
	MetaEmbeddingModel = "embedding_model"
	MetaText           = "text"
)

const (
	NotAvailableAnswer = "Information not available in provided documents."
	SystemPrompt       = "You are a regulatory assistant."
	SourceBlockFormat  = "[Source: %s | Section: %s]\n%s"
	SourceBlockJoiner  = "\n\n"
)

// PromptTemplate takes the joined source blocks and the question, in that order.
// Downstream citation parsing depends on this wording; do not edit it in place.
var (
	PromptTemplate = `
You are a regulatory compliance assistant for the Sri Lankan banking sector.

Answer strictly based on the provided context.
Do NOT use external knowledge.
If answer is not found, say "` + NotAvailableAnswer + `"

Cite the source document and section number in your answer.

=====================
CONTEXT:
%s
=====================

QUESTION:
%s

Provide a clear and professional answer.
`
)
