package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/models"
)

const probeText = "dimension probe"

// Embedder turns text into fixed-length vectors. Ingestion and retrieval must
// share one so that stored and query vectors live in the same space.
type Embedder interface {
	embeddings.Embedder
	ModelID() string
	Dimension() int
}

// ModelEmbedder tags a langchaingo embedder with the model that produced its vectors.
type ModelEmbedder struct {
	embeddings.Embedder
	model     string
	dimension int
}

func (e *ModelEmbedder) ModelID() string { return e.model }
func (e *ModelEmbedder) Dimension() int  { return e.dimension }

// NewEmbedder builds the embedder selected by cfg.Provider.
func NewEmbedder(ctx context.Context, cfg *config.LLMConfig) (*ModelEmbedder, error) {
	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch cfg.Provider {
	case "ollama":
		client, err = newOllamaClient(cfg)
	case "openai":
		client, err = newOpenAIClient(cfg)
	case "gemini":
		client, err = NewGeminiClient(ctx, cfg.APIKey(), cfg.Model)
	case "hash":
		client = NewHashClient(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrConfiguration, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	log.Debug().Interface("config", map[string]any{
		"provider":  cfg.Provider,
		"base_url":  cfg.BaseURL,
		"model":     cfg.Model,
		"dimension": cfg.Dimension,
	}).Msg("Creating embedder")

	return Wrap(client, cfg.Provider+"/"+cfg.Model, cfg.Dimension, cfg.BatchSize)
}

// Wrap turns any embedding client into a ModelEmbedder.
func Wrap(client embeddings.EmbedderClient, model string, dimension, batchSize int) (*ModelEmbedder, error) {
	opts := []embeddings.Option{}
	if batchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(batchSize))
	}
	embedder, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, err
	}
	return &ModelEmbedder{Embedder: embedder, model: model, dimension: dimension}, nil
}

func newOllamaClient(cfg *config.LLMConfig) (*ollama.LLM, error) {
	return ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
		ollama.WithHTTPClient(cfg.HTTPClient()),
	)
}

func newOpenAIClient(cfg *config.LLMConfig) (*openai.LLM, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithHTTPClient(cfg.HTTPClient()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

// Probe embeds a fixed string once and checks the vector length against the
// configured dimension. Run it at startup so a mismatch never reaches the index.
func Probe(ctx context.Context, e Embedder, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	vec, err := e.EmbedQuery(ctx, probeText)
	if err != nil {
		return fmt.Errorf("%w: probe failed: %v", models.ErrEmbedding, err)
	}
	if len(vec) != e.Dimension() {
		return fmt.Errorf("%w: model %s returns %d dimensions, configured %d",
			models.ErrDimensionMismatch, e.ModelID(), len(vec), e.Dimension())
	}
	return nil
}
