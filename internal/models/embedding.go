package models

import (
	"fmt"
	"strconv"
)

// Page is one extracted page of a processed document.
type Page struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// ProcessedDocument is the output of text extraction for a single file.
type ProcessedDocument struct {
	Name     string
	FileName string
	Pages    []Page
}

type RegulationType string

const (
	AnnualReport             RegulationType = "Annual_Report"
	FinancialStabilityReport RegulationType = "Financial_Stability_Report"
	MonetaryPolicy           RegulationType = "Monetary_Policy"
	MonthlyBulletin          RegulationType = "Monthly_Bulletin"
	OtherRegulation          RegulationType = "Other"
)

// Valid reports whether t belongs to the closed set of regulation types.
func (t RegulationType) Valid() bool {
	switch t {
	case AnnualReport, FinancialStabilityReport, MonetaryPolicy, MonthlyBulletin, OtherRegulation:
		return true
	}
	return false
}

// Chunk represents an indexed unit of document text with its metadata
type Chunk struct {
	ID             string
	DocumentName   string
	RegulationType RegulationType
	SectionNumber  string
	SubChunkID     int
	PageNumber     int // 0 when unknown
	Text           string
	Embedding      []float32
	EmbeddingModel string
}

// Metadata flattens the chunk into the string map stored with its vector.
func (c Chunk) Metadata() map[string]string {
	meta := map[string]string{
		MetaDocumentName:   c.DocumentName,
		MetaRegulationType: string(c.RegulationType),
		MetaSectionNumber:  c.SectionNumber,
		MetaSubChunkID:     strconv.Itoa(c.SubChunkID),
		MetaText:           c.Text,
	}
	if c.PageNumber > 0 {
		meta[MetaPageNumber] = strconv.Itoa(c.PageNumber)
	}
	if c.EmbeddingModel != "" {
		meta[MetaEmbeddingModel] = c.EmbeddingModel
	}
	return meta
}

// IndexItem is the unit written to a vector index.
type IndexItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Match is one nearest-neighbour hit returned by a vector index.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// CheckDimension rejects vectors whose length differs from the index dimension.
func CheckDimension(id string, vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: vector %q has %d dimensions, index expects %d", ErrDimensionMismatch, id, len(vec), dim)
	}
	return nil
}
