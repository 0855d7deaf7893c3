package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"regulatory-rag/internal/embedding"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/parser"
	"regulatory-rag/internal/telemetry"
)

// Index is the write side of a vector index.
type Index interface {
	Upsert(ctx context.Context, items []models.IndexItem) error
}

type Options struct {
	BatchSize     int
	IDStrategy    string
	Namespace     string
	Workers       int
	PageSeparator string
	DryRun        bool
}

// Pipeline turns processed documents into embedded, indexed chunks.
type Pipeline struct {
	embedder embedding.Embedder
	index    Index
	splitter parser.SectionSplitter
	chunker  *parser.Chunker
	metrics  *telemetry.Metrics
	opts     Options
	tracer   trace.Tracer
}

func NewPipeline(e embedding.Embedder, idx Index, splitter parser.SectionSplitter, chunker *parser.Chunker, metrics *telemetry.Metrics, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IDStrategy == "" {
		opts.IDStrategy = IDSequential
	}
	return &Pipeline{
		embedder: e,
		index:    idx,
		splitter: splitter,
		chunker:  chunker,
		metrics:  metrics,
		opts:     opts,
		tracer:   otel.Tracer("regulatory-rag/ingest"),
	}
}

// Report summarises one run.
type Report struct {
	Documents int
	Skipped   int
	Chunks    int
	Batches   int
}

// BatchError reports a batch that failed after its retry. Batches flushed
// before it stay in the index.
type BatchError struct {
	Batch   int
	FirstID string
	LastID  string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%s..%s) failed: %v", e.Batch, e.FirstID, e.LastID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type pendingChunk struct {
	chunk   models.Chunk
	section int
}

type prepared struct {
	name   string
	chunks []pendingChunk
	err    error
}

// RunDirectory ingests every processed document in dir, in file name order.
func (p *Pipeline) RunDirectory(ctx context.Context, dir string) (Report, error) {
	paths, err := parser.ListProcessedDocuments(dir)
	if err != nil {
		return Report{}, fmt.Errorf("listing processed documents: %w", err)
	}
	log.Info().Str("dir", dir).Int("documents", len(paths)).Msg("Starting ingestion")
	return p.Run(ctx, paths)
}

// Run ingests the given processed documents. Documents are read and chunked
// in parallel; ids are assigned and batches flushed in document order.
func (p *Pipeline) Run(ctx context.Context, paths []string) (Report, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.Int("ingest.documents", len(paths)),
		attribute.Bool("ingest.dry_run", p.opts.DryRun),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pending, release := p.prepareStream(ctx, paths)

	var (
		report Report
		r      = newRun(p.opts.IDStrategy, p.opts.Namespace)
		batch  = make([]models.Chunk, 0, p.opts.BatchSize)
	)
	for _, next := range pending {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return report, err
		}
		var d prepared
		select {
		case d = <-next:
			release()
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return report, ctx.Err()
		}

		if d.err != nil {
			log.Error().Err(d.err).Str("document", d.name).Msg("Skipping document")
			p.metrics.RecordSkippedDocument(ctx, d.name)
			report.Skipped++
			continue
		}
		report.Documents++
		log.Debug().Str("document", d.name).Int("chunks", len(d.chunks)).Msg("Document chunked")

		for _, pc := range d.chunks {
			c := pc.chunk
			c.ID = r.assignID(c, pc.section)
			batch = append(batch, c)
			report.Chunks++
			if len(batch) == p.opts.BatchSize {
				if err := p.flush(ctx, report.Batches, batch); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "batch failed")
					return report, err
				}
				report.Batches++
				batch = make([]models.Chunk, 0, p.opts.BatchSize)
			}
		}
	}
	if len(batch) > 0 {
		if err := p.flush(ctx, report.Batches, batch); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed")
			return report, err
		}
		report.Batches++
	}

	span.SetAttributes(attribute.Int("ingest.chunks", report.Chunks), attribute.Int("ingest.batches", report.Batches))
	log.Info().
		Int("documents", report.Documents).
		Int("skipped", report.Skipped).
		Int("chunks", report.Chunks).
		Int("batches", report.Batches).
		Bool("dry_run", p.opts.DryRun).
		Msg("Ingestion finished")
	return report, nil
}

// prepareStream reads and chunks documents on up to Workers goroutines. Each
// document arrives on its own channel, so the consumer reads them in path
// order. At most 2*Workers documents are prepared ahead of the consumer, which
// calls release once per document it receives. Cancelling ctx stops the producer.
func (p *Pipeline) prepareStream(ctx context.Context, paths []string) ([]chan prepared, func()) {
	results := make([]chan prepared, len(paths))
	for i := range results {
		results[i] = make(chan prepared, 1)
	}
	window := make(chan struct{}, 2*p.opts.Workers)

	go func() {
		var g errgroup.Group
		g.SetLimit(p.opts.Workers)
		defer g.Wait()
		for i, path := range paths {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			g.Go(func() error {
				results[i] <- p.prepare(path)
				return nil
			})
		}
	}()
	return results, func() { <-window }
}

// prepare reads one document and cuts it into chunks without ids.
func (p *Pipeline) prepare(path string) prepared {
	doc, err := parser.ReadProcessedDocument(path)
	if err != nil {
		return prepared{name: doc.Name, err: err}
	}

	text, starts := joinPages(doc.Pages, p.opts.PageSeparator)
	regType := parser.ClassifyRegulation(doc.FileName)

	var (
		chunks []pendingChunk
		from   int
	)
	for ordinal, section := range p.splitter.Split(text) {
		sectionStart := -1
		if i := strings.Index(text[from:], section); i >= 0 {
			sectionStart = from + i
			from = sectionStart
		}
		sectionNumber := parser.ExtractSectionNumber(section)

		pieces, err := p.chunker.Chunk(section)
		if err != nil {
			return prepared{name: doc.Name, err: fmt.Errorf("%w: chunking %s: %v", models.ErrExtraction, sectionNumber, err)}
		}

		cursor := 0
		for sub, piece := range pieces {
			page := 0
			if i := strings.Index(section[cursor:], piece); i >= 0 && sectionStart >= 0 {
				pos := cursor + i
				page = pageAt(doc.Pages, starts, sectionStart+pos)
				cursor = min(pos+1, len(section))
			}
			chunks = append(chunks, pendingChunk{
				chunk: models.Chunk{
					DocumentName:   doc.Name,
					RegulationType: regType,
					SectionNumber:  sectionNumber,
					SubChunkID:     sub,
					PageNumber:     page,
					Text:           piece,
				},
				section: ordinal,
			})
		}
	}
	return prepared{name: doc.Name, chunks: chunks}
}

// joinPages concatenates page texts with sep and returns each page's byte offset.
func joinPages(pages []models.Page, sep string) (string, []int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	for i, pg := range pages {
		if i > 0 {
			b.WriteString(sep)
		}
		starts[i] = b.Len()
		b.WriteString(pg.Text)
	}
	return b.String(), starts
}

// pageAt returns the number of the page containing byte offset off.
func pageAt(pages []models.Page, starts []int, off int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > off }) - 1
	if i < 0 {
		return 0
	}
	return pages[i].PageNumber
}

func (p *Pipeline) flush(ctx context.Context, batchNo int, chunks []models.Chunk) error {
	first, last := chunks[0].ID, chunks[len(chunks)-1].ID
	ctx, span := p.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.Int("ingest.batch", batchNo),
		attribute.Int("ingest.batch_size", len(chunks)),
		attribute.String("ingest.first_id", first),
	))
	defer span.End()

	logger := log.With().Int("batch", batchNo).Str("ids", first+".."+last).Logger()
	if p.opts.DryRun {
		logger.Info().Int("size", len(chunks)).Msg("Dry run: batch not embedded")
		return nil
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordBatch(ctx, len(chunks), false)
		logger.Error().Err(err).Msg("Batch failed")
		return &BatchError{Batch: batchNo, FirstID: first, LastID: last, Err: err}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := retryOnce(ctx, "embed", batchNo, func(ctx context.Context) error {
		v, err := p.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrEmbedding, err)
		}
		if len(v) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbedding, len(v), len(texts))
		}
		vectors = v
		return nil
	})
	if err != nil {
		return fail(err)
	}

	items := make([]models.IndexItem, len(chunks))
	for i, c := range chunks {
		if err := models.CheckDimension(c.ID, vectors[i], p.embedder.Dimension()); err != nil {
			return fail(err)
		}
		c.Embedding = vectors[i]
		c.EmbeddingModel = p.embedder.ModelID()
		items[i] = models.IndexItem{ID: c.ID, Vector: c.Embedding, Metadata: c.Metadata()}
	}

	err = retryOnce(ctx, "upsert", batchNo, func(ctx context.Context) error {
		if err := p.index.Upsert(ctx, items); err != nil {
			if errors.Is(err, models.ErrIndex) || errors.Is(err, models.ErrDimensionMismatch) {
				return err
			}
			return fmt.Errorf("%w: %v", models.ErrIndex, err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	p.metrics.RecordBatch(ctx, len(chunks), true)
	logger.Info().Int("size", len(chunks)).Msg("Batch upserted")
	return nil
}

// retryOnce runs fn and, on a transient failure, once more.
func retryOnce(ctx context.Context, op string, batchNo int, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || errors.Is(err, models.ErrDimensionMismatch) || ctx.Err() != nil {
		return err
	}
	log.Warn().Err(err).Str("op", op).Int("batch", batchNo).Msg("Retrying batch once")
	return fn(ctx)
}
