package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"regulatory-rag/internal/chromemdb"
	"regulatory-rag/internal/config"
	"regulatory-rag/internal/db"
	"regulatory-rag/internal/embedding"
	"regulatory-rag/internal/helper"
	"regulatory-rag/internal/ingest"
	"regulatory-rag/internal/llmservice"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/parser"
	"regulatory-rag/internal/rag"
	"regulatory-rag/internal/resilience"
	"regulatory-rag/internal/server"
	"regulatory-rag/internal/telemetry"
)

const (
	configFilePath = "./configs/config.yaml"
	probeTimeout   = 30 * time.Second
)

// vectorIndex is what both backends offer to ingestion and retrieval.
type vectorIndex interface {
	ingest.Index
	rag.Searcher
	Count(ctx context.Context) (int, error)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the YAML config file")
	extract := flag.Bool("extract", false, "Extract raw documents into processed JSON pages")
	ingestFlag := flag.Bool("ingest", false, "Chunk, embed and index all processed documents")
	query := flag.String("query", "", "Question to be answered")
	retrieve := flag.String("retrieve", "", "Query to retrieve ranked contexts for, without generation")
	serve := flag.Bool("serve", false, "Run the HTTP API")
	topK := flag.Int("top-k", 0, "Number of contexts to retrieve (default from config)")
	regType := flag.String("type", "", "Restrict retrieval to one regulation type")
	dryRun := flag.Bool("dry-run", false, "Ingest without embedding or saving to the index")
	namespace := flag.String("namespace", "", `Id namespace for this ingestion run ("auto" for a random one)`)
	reset := flag.Bool("reset", false, "Drop the collection or table before ingesting")
	flag.Parse()

	modes := 0
	for _, on := range []bool{*extract, *ingestFlag, *query != "", *retrieve != "", *serve} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		log.Fatal().Msg("Please provide exactly one of -extract, -ingest, -query, -retrieve or -serve")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.Log.Level).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	topKSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "top-k" {
			topKSet = true
		}
	})
	if topKSet {
		cfg.RAG.TopK = *topK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracer(ctx, &cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing tracer")
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracer")
		}
	}()
	shutdownMeter, err := telemetry.InitMeterProvider(ctx, &cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing meter provider")
	}
	defer func() {
		if err := shutdownMeter(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown meter provider")
		}
	}()
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing metrics")
	}

	filter := rag.Filter{RegulationType: models.RegulationType(*regType)}

	switch {
	case *extract:
		err = runExtract(cfg)
	case *ingestFlag:
		err = runIngest(ctx, cfg, metrics, ingestFlags{dryRun: *dryRun, namespace: *namespace, reset: *reset})
	case *retrieve != "":
		err = runRetrieve(ctx, cfg, *retrieve, filter)
	case *query != "":
		err = runQuery(ctx, cfg, metrics, *query, filter)
	case *serve:
		err = runServe(ctx, cfg, metrics)
	}
	if err != nil {
		stop()
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func runExtract(cfg *config.Config) error {
	if err := helper.CreateFolder(cfg.Ingest.ProcessedDir); err != nil {
		return err
	}
	written, failed, err := parser.ExtractDirectory(cfg.Ingest.RawDir, cfg.Ingest.ProcessedDir)
	if err != nil {
		return err
	}
	log.Info().Int("written", written).Int("failed", failed).Str("dir", cfg.Ingest.ProcessedDir).Msg("Extraction finished")
	return nil
}

type ingestFlags struct {
	dryRun    bool
	namespace string
	reset     bool
}

func runIngest(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, flags ingestFlags) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dryRun := flags.dryRun
	namespace := cfg.Ingest.Namespace
	if flags.namespace != "" {
		ns, err := helper.RunNamespace(flags.namespace)
		if err != nil {
			return err
		}
		namespace = ns
	}

	embedder, err := buildEmbedder(ctx, cfg, !dryRun)
	if err != nil {
		return err
	}

	var (
		index vectorIndex
		done  = func() error { return nil }
	)
	if dryRun {
		if flags.reset {
			log.Warn().Msg("Dry run: -reset ignored")
		}
	} else {
		index, done, err = openIndex(ctx, cfg, indexMode{write: true, reset: flags.reset})
		if err != nil {
			return err
		}
	}

	splitter := parser.DefaultSplitter()
	chunker := parser.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	pipeline := ingest.NewPipeline(embedder, index, splitter, chunker, metrics, ingest.Options{
		BatchSize:     cfg.Ingest.BatchSize,
		IDStrategy:    cfg.Ingest.IDStrategy,
		Namespace:     namespace,
		Workers:       cfg.Ingest.Workers,
		PageSeparator: cfg.Ingest.PageSeparator,
		DryRun:        dryRun,
	})

	report, runErr := pipeline.RunDirectory(ctx, cfg.Ingest.ProcessedDir)
	// flushed batches are kept even when a later batch failed
	if err := done(); err != nil {
		log.Error().Err(err).Msg("Error closing index")
	}
	if runErr != nil {
		return runErr
	}

	if index != nil {
		if n, err := index.Count(ctx); err == nil {
			log.Info().Int("vectors", n).Msg("Index size")
		}
	}
	helper.PrettyPrint(report)
	return nil
}

func runRetrieve(ctx context.Context, cfg *config.Config, query string, filter rag.Filter) error {
	retriever, done, err := buildRetriever(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	results, err := retriever.Retrieve(ctx, query, cfg.RAG.TopK, filter)
	if err != nil {
		return err
	}
	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)
	helper.PrettyPrint(results)
	return nil
}

func runQuery(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, query string, filter rag.Filter) error {
	r, done, err := buildRAG(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer done()

	resp, err := r.Ask(ctx, query, filter)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	helper.PrettyPrint(resp.Sources)

	log.Info().Float64("overall_confidence", resp.OverallConfidence).Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", resp.Answer)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) error {
	r, done, err := buildRAG(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer done()

	timeout := time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second
	h := server.NewHandler(r, cfg.Ingest.RawDir, cfg.Ingest.ProcessedDir, cfg.RAG.TopK, r.Retriever().ModelID(), timeout)
	router := server.NewRouter(h, &cfg.Server, cfg.Telemetry.ServiceName)
	return server.Serve(ctx, router, cfg.Server.Port)
}

// buildRAG fails at startup, never per request, on configuration problems.
func buildRAG(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (*rag.RAG, func() error, error) {
	if err := cfg.ValidateInference(); err != nil {
		return nil, nil, err
	}
	retriever, done, err := buildRetriever(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var generator llmservice.Generator
	generator, err = llmservice.NewGenerator(ctx, &cfg.InferenceLLM)
	if err != nil {
		done()
		return nil, nil, err
	}
	if guard := newGuard(cfg, "generation"); guard != nil {
		generator = llmservice.Guarded(generator, guard)
	}
	return rag.NewRAG(retriever, generator, cfg.RAG.TopK, metrics), done, nil
}

func buildRetriever(ctx context.Context, cfg *config.Config) (*rag.Retriever, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	embedder, err := buildEmbedder(ctx, cfg, true)
	if err != nil {
		return nil, nil, err
	}
	index, done, err := openIndex(ctx, cfg, indexMode{})
	if err != nil {
		return nil, nil, err
	}
	return rag.NewRetriever(embedder, index), done, nil
}

func buildEmbedder(ctx context.Context, cfg *config.Config, probe bool) (embedding.Embedder, error) {
	base, err := embedding.NewEmbedder(ctx, &cfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	var embedder embedding.Embedder = base
	if guard := newGuard(cfg, "embedding"); guard != nil {
		embedder = embedding.Guarded(base, guard)
	}
	if probe {
		timeout := probeTimeout
		if cfg.EmbedLLM.TimeoutSecs > 0 {
			timeout = time.Duration(cfg.EmbedLLM.TimeoutSecs) * time.Second
		}
		if err := embedding.Probe(ctx, embedder, timeout); err != nil {
			return nil, err
		}
	}
	log.Info().Str("model", embedder.ModelID()).Int("dimension", embedder.Dimension()).Msg("Embedder ready")
	return embedder, nil
}

func newGuard(cfg *config.Config, name string) *resilience.Guard {
	if !cfg.RAG.Breaker && cfg.RAG.RatePerSecond <= 0 {
		return nil
	}
	return resilience.NewGuard(resilience.Settings{
		Name:          name,
		Breaker:       cfg.RAG.Breaker,
		RatePerSecond: cfg.RAG.RatePerSecond,
		Burst:         cfg.RAG.Burst,
	})
}

type indexMode struct {
	write bool
	// reset drops existing vectors first; only honoured when writing
	reset bool
}

// openIndex opens the configured backend. For writing it creates the
// collection or table; for reading a missing one is a configuration error.
func openIndex(ctx context.Context, cfg *config.Config, mode indexMode) (vectorIndex, func() error, error) {
	dim := cfg.EmbedLLM.Dimension

	switch cfg.VectorStore.Backend {
	case "pgvector":
		sqldb, err := db.ConnectDB(&cfg.Database, cfg.DatabasePassword())
		if err != nil {
			return nil, nil, err
		}
		store := db.NewStore(db.NewDB(sqldb, cfg.Database.Debug), dim)
		if mode.write {
			if mode.reset {
				log.Warn().Msg("Dropping the chunk table before ingestion")
				err = store.DropDocuments(ctx)
			}
			if err == nil {
				err = store.InitDB(ctx)
			}
		} else {
			err = store.RequireTable(ctx)
		}
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		if !cfg.VectorStore.InMemory {
			if err := helper.CreateFolder(cfg.VectorStore.Path); err != nil {
				return nil, nil, err
			}
		}
		m, err := chromemdb.NewVectorDBManager(&cfg.VectorStore, dim)
		if err != nil {
			return nil, nil, err
		}
		noop := func() error { return nil }

		if !mode.write {
			if cfg.VectorStore.InMemory {
				if err := m.Import(); err != nil {
					return nil, nil, fmt.Errorf("%w: no snapshot to load: %v", models.ErrConfiguration, err)
				}
			}
			if err := m.OpenCollection(); err != nil {
				return nil, nil, err
			}
			return m, noop, nil
		}

		if cfg.VectorStore.InMemory {
			// continue from the previous snapshot when there is one
			if err := m.Import(); err != nil {
				log.Debug().Err(err).Msg("No snapshot loaded, starting from an empty collection")
			}
		}
		if mode.reset {
			log.Warn().Str("collection", m.Name()).Msg("Dropping the collection before ingestion")
			if err := m.DeleteCollection(); err != nil {
				return nil, nil, err
			}
		}
		if err := m.GetOrCreateCollection(); err != nil {
			return nil, nil, err
		}
		if cfg.VectorStore.InMemory {
			return m, m.Export, nil
		}
		return m, noop, nil
	}
}
