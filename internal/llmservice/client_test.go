package llmservice

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/tmc/langchaingo/llms"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/resilience"
)

type fakeModel struct {
	reply    string
	err      error
	calls    int
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.messages = messages
	for _, opt := range options {
		opt(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLLMGeneratorSendsSystemPromptAndTemperature(t *testing.T) {
	fake := &fakeModel{reply: "Banks must hold 10% capital [AR_2023, Section 2]."}
	g := NewLLMGenerator(fake, 0.1)

	answer, err := g.Generate(context.Background(), "the prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != fake.reply {
		t.Fatalf("answer = %q", answer)
	}
	if len(fake.messages) != 2 {
		t.Fatalf("expected system and human messages, got %d", len(fake.messages))
	}
	if fake.messages[0].Role != llms.ChatMessageTypeSystem || fake.messages[1].Role != llms.ChatMessageTypeHuman {
		t.Fatalf("unexpected roles: %s, %s", fake.messages[0].Role, fake.messages[1].Role)
	}
	if got := fake.messages[0].Parts[0].(llms.TextContent).Text; got != models.SystemPrompt {
		t.Fatalf("system prompt = %q", got)
	}
	if got := fake.messages[1].Parts[0].(llms.TextContent).Text; got != "the prompt" {
		t.Fatalf("user prompt = %q", got)
	}
	if fake.opts.Temperature != 0.1 {
		t.Fatalf("temperature = %v", fake.opts.Temperature)
	}
}

func TestLLMGeneratorFailureIsGenerationError(t *testing.T) {
	g := NewLLMGenerator(&fakeModel{err: errors.New("connection refused")}, 0.1)
	if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, models.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

type emptyModel struct{ fakeModel }

func (e *emptyModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{}, nil
}

func TestLLMGeneratorEmptyChoices(t *testing.T) {
	g := NewLLMGenerator(&emptyModel{}, 0.1)
	if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, models.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestGuardedGeneratorOpensBreaker(t *testing.T) {
	fake := &fakeModel{err: errors.New("503")}
	g := Guarded(NewLLMGenerator(fake, 0.1), resilience.NewGuard(resilience.Settings{Name: "generation", Breaker: true}))

	for i := 0; i < 3; i++ {
		if _, err := g.Generate(context.Background(), "p"); !errors.Is(err, models.ErrGeneration) {
			t.Fatalf("call %d: expected generation error, got %v", i, err)
		}
	}
	_, err := g.Generate(context.Background(), "p")
	if !errors.Is(err, resilience.ErrOpen) || !errors.Is(err, models.ErrGeneration) {
		t.Fatalf("expected open breaker reported as generation error, got %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("backend called %d times, want 3", fake.calls)
	}
}

func TestNewGeneratorUnknownProvider(t *testing.T) {
	_, err := NewGenerator(context.Background(), &config.LLMConfig{Provider: "nope"})
	if !errors.Is(err, models.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestExtractText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Information not available "), genai.Text("in provided documents.")}},
		}},
	}
	if got := extractText(resp); got != models.NotAvailableAnswer {
		t.Fatalf("extractText = %q", got)
	}
	if got := extractText(&genai.GenerateContentResponse{}); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}
