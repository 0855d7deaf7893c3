package models

// RetrievedContext is a ranked chunk returned for a query.
type RetrievedContext struct {
	Score          float64 `json:"score"`
	DocumentName   string  `json:"document_name"`
	SectionNumber  string  `json:"section_number"`
	PageNumber     *int    `json:"page_number,omitempty"`
	RegulationType string  `json:"regulation_type,omitempty"`
	Text           string  `json:"text"`
}

type Source struct {
	DocumentName    string  `json:"document_name"`
	SectionNumber   string  `json:"section_number,omitempty"`
	PageNumber      *int    `json:"page_number"`
	ConfidenceScore float64 `json:"confidence_score"`
}

type AnswerResponse struct {
	Answer            string   `json:"answer"`
	Sources           []Source `json:"sources"`
	OverallConfidence float64  `json:"overall_confidence"`
}

type AskRequest struct {
	Question       string `json:"question" binding:"required"`
	RegulationType string `json:"regulation_type"`
}

// RetrieveRequest leaves TopK nil to use the configured default.
type RetrieveRequest struct {
	Query          string `json:"query" binding:"required"`
	TopK           *int   `json:"top_k"`
	RegulationType string `json:"regulation_type"`
}

type RetrieveResponse struct {
	Query   string             `json:"query"`
	Results []RetrievedContext `json:"results"`
}

type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}
