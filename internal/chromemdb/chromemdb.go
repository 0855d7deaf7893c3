package chromemdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/models"
)

// VectorDBManager stores chunk vectors in a chromem-go collection.
// Chunk text lives in the document content; every other field is string metadata.
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	collName      string
	dimension     int
	dbPath        string
	compress      bool
	encryptionKey string
	filePath      string
}

// NewVectorDBManager opens the database described by cfg. Vectors must have
// exactly dimension components.
func NewVectorDBManager(cfg *config.VectorStoreConfig, dimension int) (*VectorDBManager, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create database: %v", models.ErrIndex, err)
		}
	}

	filePath := filepath.Join(cfg.Path, cfg.Collection+".chromem")
	if cfg.Compress {
		filePath += ".gz"
	}
	return &VectorDBManager{
		db:            db,
		collName:      cfg.Collection,
		dimension:     dimension,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: cfg.EncryptionKey,
		filePath:      filePath,
	}, nil
}

// NewFromDB wraps an existing chromem database.
func NewFromDB(db *chromem.DB, collection string, dimension int) *VectorDBManager {
	return &VectorDBManager{db: db, collName: collection, dimension: dimension}
}

// GetOrCreateCollection opens the collection for writing, creating it if needed.
func (m *VectorDBManager) GetOrCreateCollection() error {
	c, err := m.db.GetOrCreateCollection(m.collName, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create/get collection: %v", models.ErrIndex, err)
	}
	m.collection = c
	return nil
}

// OpenCollection opens an existing collection. A missing collection is a
// configuration error: querying an index that was never built is fatal.
func (m *VectorDBManager) OpenCollection() error {
	c := m.db.GetCollection(m.collName, nil)
	if c == nil {
		return fmt.Errorf("%w: collection %q does not exist, run ingestion first", models.ErrConfiguration, m.collName)
	}
	m.collection = c
	return nil
}

func (m *VectorDBManager) Name() string { return m.collName }

// Upsert writes items into the collection. Existing ids are overwritten.
func (m *VectorDBManager) Upsert(ctx context.Context, items []models.IndexItem) error {
	if m.collection == nil {
		return fmt.Errorf("%w: collection not open", models.ErrIndex)
	}

	docs := make([]chromem.Document, 0, len(items))
	for _, item := range items {
		if err := models.CheckDimension(item.ID, item.Vector, m.dimension); err != nil {
			return err
		}
		meta := make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			if k != models.MetaText {
				meta[k] = v
			}
		}
		docs = append(docs, chromem.Document{
			ID:        item.ID,
			Content:   item.Metadata[models.MetaText],
			Metadata:  meta,
			Embedding: item.Vector,
		})
	}

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("%w: failed to add documents: %v", models.ErrIndex, err)
	}
	return nil
}

// Query returns up to topK nearest neighbours of vector by cosine similarity,
// best first. where restricts matches to exact metadata values.
func (m *VectorDBManager) Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]models.Match, error) {
	if m.collection == nil {
		return nil, fmt.Errorf("%w: collection not open", models.ErrIndex)
	}
	if err := models.CheckDimension("query", vector, m.dimension); err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size
	n := min(topK, m.collection.Count())
	if n <= 0 {
		return []models.Match{}, nil
	}

	results, err := m.collection.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query by similarity: %v", models.ErrIndex, err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		meta := make(map[string]string, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			meta[k] = v
		}
		meta[models.MetaText] = r.Content
		matches = append(matches, models.Match{ID: r.ID, Score: float64(r.Similarity), Metadata: meta})
	}
	return matches, nil
}

func (m *VectorDBManager) Count(ctx context.Context) (int, error) {
	if m.collection == nil {
		return 0, nil
	}
	return m.collection.Count(), nil
}

// DeleteCollection drops the collection and everything in it.
func (m *VectorDBManager) DeleteCollection() error {
	if err := m.db.DeleteCollection(m.collName); err != nil {
		return fmt.Errorf("%w: failed to drop collection: %v", models.ErrIndex, err)
	}
	m.collection = nil
	return nil
}

// Export snapshots the collection to <path>/<collection>.chromem, encrypted
// when an encryption key is configured. Used to persist in-memory databases.
func (m *VectorDBManager) Export() error {
	if m.collection == nil {
		return fmt.Errorf("%w: collection is required", models.ErrIndex)
	}
	if m.dbPath == "" {
		return fmt.Errorf("%w: db path is required", models.ErrConfiguration)
	}

	log.Debug().
		Str("collection", m.collName).
		Str("file", m.filePath).
		Bool("compress", m.compress).
		Bool("encrypted", m.encryptionKey != "").
		Msg("Exporting collection")

	if err := os.MkdirAll(m.dbPath, 0o755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndex, err)
	}
	if err := m.db.ExportToFile(m.filePath, m.compress, m.encryptionKey, m.collName); err != nil {
		return fmt.Errorf("%w: failed to export database: %v", models.ErrIndex, err)
	}
	return nil
}

// Import loads a snapshot written by Export into the database.
func (m *VectorDBManager) Import() error {
	if err := m.db.ImportFromFile(m.filePath, m.encryptionKey, m.collName); err != nil {
		return fmt.Errorf("%w: failed to import database: %v", models.ErrIndex, err)
	}
	return nil
}
