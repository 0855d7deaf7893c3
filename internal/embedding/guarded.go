package embedding

import (
	"context"

	"github.com/rs/zerolog/log"

	"regulatory-rag/internal/resilience"
)

// GuardedEmbedder routes every embedding call through a resilience.Guard.
type GuardedEmbedder struct {
	Embedder
	guard *resilience.Guard
}

func Guarded(e Embedder, g *resilience.Guard) *GuardedEmbedder {
	return &GuardedEmbedder{Embedder: e, guard: g}
}

func (e *GuardedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.Embedder.EmbedDocuments(ctx, texts)
		return err
	})
	if err != nil {
		e.logFailure(err, len(texts))
	}
	return out, err
}

func (e *GuardedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.Embedder.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		e.logFailure(err, 1)
	}
	return out, err
}

func (e *GuardedEmbedder) logFailure(err error, texts int) {
	log.Warn().Err(err).Int("texts", texts).Str("breaker", e.guard.State()).Msg("Guarded embedding failed")
}
