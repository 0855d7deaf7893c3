package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/models"
)

const tableName = "regulatory_chunks"

// Chunk is one row of the pgvector index.
type Chunk struct {
	bun.BaseModel  `bun:"table:regulatory_chunks,alias:c"`
	ID             string          `bun:"id,pk"`
	DocumentName   string          `bun:"document_name,notnull"`
	RegulationType string          `bun:"regulation_type"`
	SectionNumber  string          `bun:"section_number"`
	SubChunkID     string          `bun:"sub_chunk_id"`
	PageNumber     string          `bun:"page_number"`
	EmbeddingModel string          `bun:"embedding_model"`
	Content        string          `bun:"content,notnull"`
	Embedding      pgvector.Vector `bun:"embedding,notnull"`
}

type scoredChunk struct {
	Chunk    `bun:",extend"`
	Distance float64 `bun:"distance"`
}

// filterable maps metadata keys to the columns a where clause may use.
var filterable = map[string]string{
	models.MetaDocumentName:   "document_name",
	models.MetaRegulationType: "regulation_type",
	models.MetaSectionNumber:  "section_number",
	models.MetaEmbeddingModel: "embedding_model",
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a connection pool with the configured driver: bun's
// pgdriver by default, lib/pq when driver is "pq".
func ConnectDB(cfg *config.DatabaseConfig, password string) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if password != "" {
			opts = append(opts, pgdriver.WithPassword(password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrConfiguration, cfg.Driver)
	}
}

// Store is the pgvector index backend. Scores are cosine similarity.
type Store struct {
	db        *bun.DB
	dimension int
}

func NewStore(db *bun.DB, dimension int) *Store {
	return &Store{db: db, dimension: dimension}
}

// InitDB creates the vector extension, the chunk table and its ANN index.
func (s *Store) InitDB(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	document_name TEXT NOT NULL,
	regulation_type TEXT,
	section_number TEXT,
	sub_chunk_id TEXT,
	page_number TEXT,
	embedding_model TEXT,
	content TEXT NOT NULL,
	embedding vector(%d) NOT NULL
)`, tableName, s.dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)", tableName, tableName),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init: %v", models.ErrIndex, err)
		}
	}
	return nil
}

// RequireTable fails with a configuration error when ingestion never ran.
func (s *Store) RequireTable(ctx context.Context) error {
	var exists bool
	err := s.db.NewRaw("SELECT to_regclass(?) IS NOT NULL", tableName).Scan(ctx, &exists)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIndex, err)
	}
	if !exists {
		return fmt.Errorf("%w: table %s does not exist, run ingestion first", models.ErrConfiguration, tableName)
	}
	return nil
}

// Upsert inserts items, replacing rows with the same id.
func (s *Store) Upsert(ctx context.Context, items []models.IndexItem) error {
	rows := make([]Chunk, 0, len(items))
	for _, item := range items {
		if err := models.CheckDimension(item.ID, item.Vector, s.dimension); err != nil {
			return err
		}
		rows = append(rows, chunkFromItem(item))
	}
	if len(rows) == 0 {
		return nil
	}

	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("document_name = EXCLUDED.document_name").
		Set("regulation_type = EXCLUDED.regulation_type").
		Set("section_number = EXCLUDED.section_number").
		Set("sub_chunk_id = EXCLUDED.sub_chunk_id").
		Set("page_number = EXCLUDED.page_number").
		Set("embedding_model = EXCLUDED.embedding_model").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", models.ErrIndex, err)
	}
	return nil
}

// Query orders rows by cosine distance and returns the closest topK.
func (s *Store) Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]models.Match, error) {
	if err := models.CheckDimension("query", vector, s.dimension); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []models.Match{}, nil
	}

	var rows []scoredChunk
	q := s.db.NewSelect().
		Model(&rows).
		ColumnExpr("c.*").
		ColumnExpr("c.embedding <=> ? AS distance", pgvector.NewVector(vector)).
		OrderExpr("distance").
		Limit(topK)
	for key, value := range where {
		column, ok := filterable[key]
		if !ok {
			return nil, fmt.Errorf("%w: cannot filter on %q", models.ErrIndex, key)
		}
		q = q.Where("?TableAlias.? = ?", bun.Ident(column), value)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: query: %v", models.ErrIndex, err)
	}

	matches := make([]models.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    1 - r.Distance,
			Metadata: r.metadata(),
		})
	}
	return matches, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*Chunk)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", models.ErrIndex, err)
	}
	return n, nil
}

// DropDocuments removes the chunk table.
func (s *Store) DropDocuments(ctx context.Context) error {
	if _, err := s.db.NewDropTable().Model((*Chunk)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("%w: drop: %v", models.ErrIndex, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func chunkFromItem(item models.IndexItem) Chunk {
	m := item.Metadata
	return Chunk{
		ID:             item.ID,
		DocumentName:   m[models.MetaDocumentName],
		RegulationType: m[models.MetaRegulationType],
		SectionNumber:  m[models.MetaSectionNumber],
		SubChunkID:     m[models.MetaSubChunkID],
		PageNumber:     m[models.MetaPageNumber],
		EmbeddingModel: m[models.MetaEmbeddingModel],
		Content:        m[models.MetaText],
		Embedding:      pgvector.NewVector(item.Vector),
	}
}

func (c Chunk) metadata() map[string]string {
	m := map[string]string{
		models.MetaDocumentName:   c.DocumentName,
		models.MetaRegulationType: c.RegulationType,
		models.MetaSectionNumber:  c.SectionNumber,
		models.MetaSubChunkID:     c.SubChunkID,
		models.MetaText:           c.Content,
	}
	if _, err := strconv.Atoi(c.PageNumber); err == nil {
		m[models.MetaPageNumber] = c.PageNumber
	}
	if c.EmbeddingModel != "" {
		m[models.MetaEmbeddingModel] = c.EmbeddingModel
	}
	return m
}
