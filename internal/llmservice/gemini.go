package llmservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"regulatory-rag/internal/models"
)

type GeminiGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string, temperature float64) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing Gemini API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	m := client.GenerativeModel(model)
	m.SetTemperature(float32(temperature))
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(models.SystemPrompt)},
	}
	return &GeminiGenerator{client: client, model: m}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}
	text := extractText(resp)
	if text == "" {
		return "", fmt.Errorf("%w: empty response from model", models.ErrGeneration)
	}
	return text, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
