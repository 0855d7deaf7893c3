package rag

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"regulatory-rag/internal/embedding"
	"regulatory-rag/internal/models"
)

// Searcher is the read side of a vector index.
type Searcher interface {
	Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]models.Match, error)
}

// Filter narrows retrieval by metadata. The zero value matches everything.
type Filter struct {
	RegulationType models.RegulationType
}

func (f Filter) where() (map[string]string, error) {
	if f.RegulationType == "" {
		return nil, nil
	}
	if !f.RegulationType.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidFilter, f.RegulationType)
	}
	return map[string]string{models.MetaRegulationType: string(f.RegulationType)}, nil
}

// Retriever embeds a query with the ingestion embedder and ranks index matches.
type Retriever struct {
	embedder embedding.Embedder
	index    Searcher
}

func NewRetriever(e embedding.Embedder, idx Searcher) *Retriever {
	return &Retriever{embedder: e, index: idx}
}

func (r *Retriever) ModelID() string { return r.embedder.ModelID() }

// Retrieve returns at most topK contexts, highest score first. Service
// failures wrap models.ErrRetrieval; a non-positive topK is models.ErrInvalidTopK.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter Filter) ([]models.RetrievedContext, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", models.ErrInvalidTopK, topK)
	}
	where, err := filter.where()
	if err != nil {
		return nil, err
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", models.ErrRetrieval, models.ErrEmbedding, err)
	}

	matches, err := r.index.Query(ctx, vec, topK, where)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrRetrieval, err)
	}

	active := r.embedder.ModelID()
	contexts := make([]models.RetrievedContext, 0, len(matches))
	for _, m := range matches {
		if model, ok := m.Metadata[models.MetaEmbeddingModel]; ok && model != active {
			return nil, fmt.Errorf("%w: %w: vector %s was embedded with %s, active model is %s",
				models.ErrRetrieval, models.ErrModelMismatch, m.ID, model, active)
		}
		contexts = append(contexts, toContext(m))
	}

	sort.SliceStable(contexts, func(i, j int) bool { return contexts[i].Score > contexts[j].Score })
	if len(contexts) > topK {
		contexts = contexts[:topK]
	}

	log.Debug().Str("query", query).Int("top_k", topK).Int("results", len(contexts)).Msg("Retrieved contexts")
	return contexts, nil
}

func toContext(m models.Match) models.RetrievedContext {
	c := models.RetrievedContext{
		Score:          m.Score,
		DocumentName:   m.Metadata[models.MetaDocumentName],
		SectionNumber:  m.Metadata[models.MetaSectionNumber],
		RegulationType: m.Metadata[models.MetaRegulationType],
		Text:           m.Metadata[models.MetaText],
	}
	if c.SectionNumber == "" {
		c.SectionNumber = models.UnknownSection
	}
	if p, err := strconv.Atoi(m.Metadata[models.MetaPageNumber]); err == nil {
		c.PageNumber = &p
	}
	return c
}
