package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"regulatory-rag/internal/llmservice"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/telemetry"
)

// RAG answers questions from retrieved regulatory context.
type RAG struct {
	retriever *Retriever
	generator llmservice.Generator
	topK      int
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

func NewRAG(r *Retriever, g llmservice.Generator, topK int, metrics *telemetry.Metrics) *RAG {
	if topK <= 0 {
		topK = 5
	}
	return &RAG{
		retriever: r,
		generator: g,
		topK:      topK,
		metrics:   metrics,
		tracer:    otel.Tracer("regulatory-rag/rag"),
	}
}

func (r *RAG) Retriever() *Retriever { return r.retriever }

// Ask runs retrieve, prompt, generate. An empty retrieval still produces a
// prompt so the model can answer with the fallback phrase.
func (r *RAG) Ask(ctx context.Context, question string, filter Filter) (*models.AnswerResponse, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "rag.ask", trace.WithAttributes(attribute.Int("rag.top_k", r.topK)))
	defer span.End()

	stage := ""
	defer func() { r.metrics.RecordAsk(ctx, time.Since(start).Seconds(), stage) }()

	fail := func(s string, err error) (*models.AnswerResponse, error) {
		stage = s
		span.RecordError(err)
		span.SetStatus(codes.Error, s)
		log.Error().Err(err).Str("stage", s).Msg("Ask failed")
		return nil, err
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return fail("validation", models.ErrEmptyQuestion)
	}

	contexts, err := r.retriever.Retrieve(ctx, question, r.topK, filter)
	if err != nil {
		return fail("retrieval", err)
	}
	span.SetAttributes(attribute.Int("rag.contexts", len(contexts)))

	prompt := BuildPrompt(question, contexts)
	answer, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		if !errors.Is(err, models.ErrGeneration) {
			err = fmt.Errorf("%w: %v", models.ErrGeneration, err)
		}
		return fail("generation", err)
	}

	resp := &models.AnswerResponse{
		Answer:            answer,
		Sources:           make([]models.Source, 0, len(contexts)),
		OverallConfidence: meanScore(contexts),
	}
	for _, c := range contexts {
		resp.Sources = append(resp.Sources, models.Source{
			DocumentName:    c.DocumentName,
			SectionNumber:   c.SectionNumber,
			PageNumber:      c.PageNumber,
			ConfidenceScore: c.Score,
		})
	}
	span.SetAttributes(attribute.Float64("rag.overall_confidence", resp.OverallConfidence))
	log.Info().Int("sources", len(resp.Sources)).Float64("confidence", resp.OverallConfidence).Msg("Answered question")
	return resp, nil
}

func meanScore(contexts []models.RetrievedContext) float64 {
	if len(contexts) == 0 {
		return 0.0
	}
	var sum float64
	for _, c := range contexts {
		sum += c.Score
	}
	return sum / float64(len(contexts))
}
