package llmservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/resilience"
)

// Generator answers a fully built prompt with a single completion call.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// NewGenerator builds the generator selected by cfg.Provider.
func NewGenerator(ctx context.Context, cfg *config.LLMConfig) (Generator, error) {
	log.Debug().Interface("config", map[string]any{
		"provider":    cfg.Provider,
		"base_url":    cfg.BaseURL,
		"model":       cfg.Model,
		"temperature": cfg.Temperature,
	}).Msg("Creating generator")

	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(cfg.HTTPClient()),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return NewLLMGenerator(llm, cfg.Temperature), nil
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
			ollama.WithHTTPClient(cfg.HTTPClient()),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return NewLLMGenerator(llm, cfg.Temperature), nil
	case "gemini":
		g, err := NewGeminiGenerator(ctx, cfg.APIKey(), cfg.Model, cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: unknown inference provider %q", models.ErrConfiguration, cfg.Provider)
	}
}

// LLMGenerator sends the regulatory system prompt plus the user prompt to a
// langchaingo model.
type LLMGenerator struct {
	llm         llms.Model
	temperature float64
}

func NewLLMGenerator(llm llms.Model, temperature float64) *LLMGenerator {
	return &LLMGenerator{llm: llm, temperature: temperature}
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := GenerateContent(ctx, g.llm, messages, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

// GenerateContent calls the model and normalises failures, including an
// empty choice list, to models.ErrGeneration.
func GenerateContent(ctx context.Context, llm llms.Model, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	resp, err := llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response from model", models.ErrGeneration)
	}
	return resp, nil
}

// GuardedGenerator routes generation through a resilience.Guard. An open
// breaker is reported as a generation failure.
type GuardedGenerator struct {
	next  Generator
	guard *resilience.Guard
}

func Guarded(next Generator, g *resilience.Guard) *GuardedGenerator {
	return &GuardedGenerator{next: next, guard: g}
}

func (g *GuardedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var answer string
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		answer, err = g.next.Generate(ctx, prompt)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("breaker", g.guard.State()).Msg("Guarded generation failed")
		return "", fmt.Errorf("%w: %w", models.ErrGeneration, err)
	}
	return answer, nil
}
