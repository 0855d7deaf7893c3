package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/philippgille/chromem-go"

	"regulatory-rag/internal/chromemdb"
	"regulatory-rag/internal/embedding"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/parser"
)

const testDim = 32

type recordingIndex struct {
	mu    sync.Mutex
	calls [][]models.IndexItem
	fail  func(call int) error
}

func (r *recordingIndex) Upsert(_ context.Context, items []models.IndexItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := len(r.calls)
	r.calls = append(r.calls, items)
	if r.fail != nil {
		return r.fail(call)
	}
	return nil
}

func (r *recordingIndex) ids() []string {
	var out []string
	for _, call := range r.calls {
		for _, it := range call {
			out = append(out, it.ID)
		}
	}
	return out
}

func hashEmbedder(t *testing.T, dim int) embedding.Embedder {
	t.Helper()
	e, err := embedding.Wrap(embedding.NewHashClient(testDim), "hash/test", dim, 0)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func newTestPipeline(t *testing.T, idx Index, opts Options) *Pipeline {
	t.Helper()
	if opts.PageSeparator == "" {
		opts.PageSeparator = models.PageSeparator
	}
	return NewPipeline(hashEmbedder(t, testDim), idx, parser.DefaultSplitter(), parser.NewChunker(1200, 200), nil, opts)
}

// writeSectionDocs writes docs processed documents of n short sections each,
// so every section becomes exactly one chunk.
func writeSectionDocs(t *testing.T, dir string, docs, n int) {
	t.Helper()
	for d := 0; d < docs; d++ {
		var b strings.Builder
		for s := 1; s <= n; s++ {
			fmt.Fprintf(&b, "Section %d rule text of document %d\n", s, d)
		}
		pages := []models.Page{{PageNumber: 1, Text: b.String()}}
		if _, err := parser.WriteProcessedDocument(dir, fmt.Sprintf("doc_%d", d), pages); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBatchesOf100(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 5, 50)

	idx := &recordingIndex{}
	report, err := newTestPipeline(t, idx, Options{BatchSize: 100, Workers: 3}).RunDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Chunks != 250 || report.Documents != 5 {
		t.Fatalf("report = %+v", report)
	}
	if len(idx.calls) != 3 {
		t.Fatalf("got %d upsert calls, want 3", len(idx.calls))
	}
	for i, want := range []int{100, 100, 50} {
		if got := len(idx.calls[i]); got != want {
			t.Errorf("call %d size = %d, want %d", i, got, want)
		}
	}
}

func TestSequentialIDsStrictlyIncreasing(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 4, 30)

	idx := &recordingIndex{}
	report, err := newTestPipeline(t, idx, Options{BatchSize: 7, Workers: 4}).RunDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := idx.ids()
	if len(ids) != report.Chunks || len(ids) != 120 {
		t.Fatalf("emitted %d ids for %d chunks", len(ids), report.Chunks)
	}
	seen := map[string]bool{}
	prev := -1
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		n, err := strconv.Atoi(strings.TrimPrefix(id, models.IDPrefix))
		if err != nil {
			t.Fatalf("unexpected id format %q", id)
		}
		if n <= prev {
			t.Fatalf("id %s not greater than previous %d", id, prev)
		}
		prev = n
	}
	if ids[0] != "vec-0" {
		t.Fatalf("first id = %s", ids[0])
	}

	// documents are consumed in file name order regardless of worker scheduling
	first := idx.calls[0][0].Metadata[models.MetaDocumentName]
	if first != "doc_0" {
		t.Fatalf("first chunk from %s, want doc_0", first)
	}
}

func TestNamespacePrefixesIDs(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 1, 2)

	idx := &recordingIndex{}
	if _, err := newTestPipeline(t, idx, Options{Namespace: "run7"}).RunDirectory(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	ids := idx.ids()
	if ids[0] != "run7-vec-0" || ids[1] != "run7-vec-1" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestChunkMetadata(t *testing.T) {
	dir := t.TempDir()
	pages := []models.Page{
		{PageNumber: 1, Text: "Section 1 Capital adequacy for licensed banks."},
		{PageNumber: 2, Text: "Section 2.1 Liquidity coverage requirements."},
	}
	if _, err := parser.WriteProcessedDocument(dir, "AR_2023", pages); err != nil {
		t.Fatal(err)
	}

	idx := &recordingIndex{}
	if _, err := newTestPipeline(t, idx, Options{}).RunDirectory(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	if len(idx.calls) != 1 || len(idx.calls[0]) != 2 {
		t.Fatalf("unexpected calls: %d", len(idx.calls))
	}

	second := idx.calls[0][1]
	want := map[string]string{
		models.MetaDocumentName:   "AR_2023",
		models.MetaRegulationType: string(models.AnnualReport),
		models.MetaSectionNumber:  "Section 2.1",
		models.MetaSubChunkID:     "0",
		models.MetaPageNumber:     "2",
		models.MetaEmbeddingModel: "hash/test",
		models.MetaText:           "Section 2.1 Liquidity coverage requirements.",
	}
	for k, v := range want {
		if second.Metadata[k] != v {
			t.Errorf("metadata[%s] = %q, want %q", k, second.Metadata[k], v)
		}
	}
	if len(second.Vector) != testDim {
		t.Fatalf("vector length = %d", len(second.Vector))
	}
	if got := idx.calls[0][0].Metadata[models.MetaPageNumber]; got != "1" {
		t.Fatalf("first chunk page = %q", got)
	}
}

func TestBadDocumentSkipped(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 2, 3)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx := &recordingIndex{}
	report, err := newTestPipeline(t, idx, Options{}).RunDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("a bad document must not abort the run: %v", err)
	}
	if report.Skipped != 1 || report.Documents != 2 || report.Chunks != 6 {
		t.Fatalf("report = %+v", report)
	}
}

func TestUpsertRetriedOnce(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 1, 5)

	idx := &recordingIndex{fail: func(call int) error {
		if call == 0 {
			return errors.New("connection reset")
		}
		return nil
	}}
	report, err := newTestPipeline(t, idx, Options{BatchSize: 10}).RunDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if len(idx.calls) != 2 || report.Batches != 1 {
		t.Fatalf("calls = %d, batches = %d", len(idx.calls), report.Batches)
	}
}

func TestBatchFailureKeepsFlushedBatches(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 1, 25)

	// first batch succeeds, second batch fails on both attempts
	idx := &recordingIndex{fail: func(call int) error {
		if call >= 1 {
			return errors.New("index unavailable")
		}
		return nil
	}}
	report, err := newTestPipeline(t, idx, Options{BatchSize: 10}).RunDirectory(context.Background(), dir)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if batchErr.Batch != 1 || batchErr.FirstID != "vec-10" || batchErr.LastID != "vec-19" {
		t.Fatalf("batch error = %+v", batchErr)
	}
	if !errors.Is(err, models.ErrIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
	if len(idx.calls) != 3 {
		t.Fatalf("expected 1 success + 2 attempts, got %d calls", len(idx.calls))
	}
	if report.Batches != 1 {
		t.Fatalf("flushed batches = %d, want 1", report.Batches)
	}
}

type countingSplitter struct {
	parser.SectionSplitter
	calls atomic.Int32
}

func (s *countingSplitter) Split(text string) []string {
	s.calls.Add(1)
	return s.SectionSplitter.Split(text)
}

func TestBatchFailureStopsReadingAhead(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 20, 2)

	idx := &recordingIndex{fail: func(int) error { return errors.New("index unavailable") }}
	splitter := &countingSplitter{SectionSplitter: parser.DefaultSplitter()}
	p := NewPipeline(hashEmbedder(t, testDim), idx, splitter, parser.NewChunker(1200, 200), nil,
		Options{BatchSize: 1, Workers: 1, PageSeparator: "\n"})

	_, err := p.RunDirectory(context.Background(), dir)
	var batchErr *BatchError
	if !errors.As(err, &batchErr) || batchErr.Batch != 0 {
		t.Fatalf("expected failure of batch 0, got %v", err)
	}
	// one document in hand plus a window of 2*Workers prepared ahead
	if n := splitter.calls.Load(); n > 3 {
		t.Fatalf("%d of 20 documents were chunked before the first batch failed", n)
	}
}

func TestCancelledRunReturnsContextError(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 5, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPipeline(t, &recordingIndex{}, Options{Workers: 2}).RunDirectory(ctx, dir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDimensionMismatchRejectedBeforeUpsert(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 1, 2)

	idx := &recordingIndex{}
	// the client produces testDim components but the index expects 8
	p := NewPipeline(hashEmbedder(t, 8), idx, parser.DefaultSplitter(), parser.NewChunker(1200, 200), nil, Options{PageSeparator: "\n"})
	_, err := p.RunDirectory(context.Background(), dir)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if len(idx.calls) != 0 {
		t.Fatalf("upsert called %d times", len(idx.calls))
	}
}

func TestDryRunSkipsEmbeddingAndUpsert(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 2, 60)

	idx := &recordingIndex{}
	report, err := newTestPipeline(t, idx, Options{BatchSize: 100, DryRun: true}).RunDirectory(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Chunks != 120 || report.Batches != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(idx.calls) != 0 {
		t.Fatalf("dry run upserted %d batches", len(idx.calls))
	}
}

func TestDeterministicIDsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeSectionDocs(t, dir, 2, 10)

	store := chromemdb.NewFromDB(chromem.NewDB(), "test", testDim)
	if err := store.GetOrCreateCollection(); err != nil {
		t.Fatal(err)
	}
	p := newTestPipeline(t, store, Options{IDStrategy: IDDeterministic})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.RunDirectory(ctx, dir); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n, _ := store.Count(ctx); n != 20 {
		t.Fatalf("count after re-ingestion = %d, want 20", n)
	}
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("AR_2023", 0, "Unknown", 0)
	if a != DeterministicID("AR_2023", 0, "Unknown", 0) {
		t.Fatal("id not stable")
	}
	if a == DeterministicID("AR_2023", 1, "Unknown", 0) {
		t.Fatal("sections with the same label must get different ids")
	}
}

func TestPageAt(t *testing.T) {
	pages := []models.Page{{PageNumber: 3, Text: "abc"}, {PageNumber: 4, Text: "de"}}
	text, starts := joinPages(pages, "\n")
	if text != "abc\nde" {
		t.Fatalf("joined = %q", text)
	}
	tests := []struct {
		off  int
		want int
	}{
		{0, 3}, {2, 3}, {3, 3}, {4, 4}, {5, 4},
	}
	for _, tt := range tests {
		if got := pageAt(pages, starts, tt.off); got != tt.want {
			t.Errorf("pageAt(%d) = %d, want %d", tt.off, got, tt.want)
		}
	}
}
