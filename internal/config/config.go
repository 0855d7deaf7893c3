package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"regulatory-rag/internal/models"
)

const (
	defaultEmbedModel     = "all-minilm"
	defaultDimension      = 384
	defaultInferenceModel = "gpt-4o-mini"
	defaultChunkSize      = 1200
	defaultChunkOverlap   = 200
	defaultBatchSize      = 100
	defaultTopK           = 5
	defaultTemperature    = 0.1
	defaultOllamaURL      = "http://localhost:11434"
)

// LLMConfig describes one external model service (embedding or generation).
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Key         string  `yaml:"key"`
	KeyEnv      string  `yaml:"key_env"`
	Temperature float64 `yaml:"temperature"`
	Dimension   int     `yaml:"dimension"`
	BatchSize   int     `yaml:"batch_size"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// APIKey returns the inline key, falling back to the configured env var.
func (c LLMConfig) APIKey() string {
	if c.Key != "" {
		return c.Key
	}
	if c.KeyEnv != "" {
		return os.Getenv(c.KeyEnv)
	}
	return ""
}

// HTTPClient returns the client used for calls to this service, bounded by
// timeout_secs when set.
func (c LLMConfig) HTTPClient() *http.Client {
	if c.TimeoutSecs <= 0 {
		return http.DefaultClient
	}
	return &http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}
}

type VectorStoreConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	Collection    string `yaml:"collection"`
	InMemory      bool   `yaml:"in_memory"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	Debug       bool   `yaml:"debug"`
}

type RAGConfig struct {
	ChunkSize     int     `yaml:"chunk_size"`
	ChunkOverlap  int     `yaml:"chunk_overlap"`
	TopK          int     `yaml:"top_k"`
	Breaker       bool    `yaml:"breaker"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type IngestConfig struct {
	RawDir        string `yaml:"raw_dir"`
	ProcessedDir  string `yaml:"processed_dir"`
	BatchSize     int    `yaml:"batch_size"`
	IDStrategy    string `yaml:"id_strategy"`
	Namespace     string `yaml:"namespace"`
	Workers       int    `yaml:"workers"`
	PageSeparator string `yaml:"page_separator"`
}

type ServerConfig struct {
	Port               string   `yaml:"port"`
	Mode               string   `yaml:"mode"`
	CORSOrigins        []string `yaml:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	EmbedLLM     LLMConfig         `yaml:"embed_llm"`
	InferenceLLM LLMConfig         `yaml:"inference_llm"`
	VectorStore  VectorStoreConfig `yaml:"vector_store"`
	Database     DatabaseConfig    `yaml:"database"`
	RAG          RAGConfig         `yaml:"rag"`
	Ingest       IngestConfig      `yaml:"ingest"`
	Server       ServerConfig      `yaml:"server"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
	Log          LogConfig         `yaml:"log"`
}

// LoadConfig reads the YAML file at path. A missing file yields the defaults.
// A .env file in the working directory is loaded first so key_env lookups see it.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := presets()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid config %s: %v", models.ErrConfiguration, path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := presets()
	applyDefaults(cfg)
	return cfg
}

// presets holds defaults for fields where zero is a meaningful setting. They
// are filled in before unmarshalling so an explicit 0 in the file is kept.
func presets() *Config {
	return &Config{
		InferenceLLM: LLMConfig{Temperature: defaultTemperature},
		RAG:          RAGConfig{ChunkOverlap: defaultChunkOverlap},
		Telemetry:    TelemetryConfig{SampleRatio: 1},
	}
}

// applyDefaults fills fields left empty, where zero is never a valid setting.
func applyDefaults(cfg *Config) {
	if cfg.EmbedLLM.Provider == "" {
		cfg.EmbedLLM.Provider = "ollama"
	}
	if cfg.EmbedLLM.Provider == "ollama" && cfg.EmbedLLM.BaseURL == "" {
		cfg.EmbedLLM.BaseURL = defaultOllamaURL
	}
	if cfg.EmbedLLM.Dimension == 0 {
		cfg.EmbedLLM.Dimension = defaultDimension
	}
	if cfg.EmbedLLM.Model == "" {
		cfg.EmbedLLM.Model = defaultEmbedModel
	}
	if cfg.EmbedLLM.BatchSize == 0 {
		cfg.EmbedLLM.BatchSize = 32
	}
	if cfg.InferenceLLM.Provider == "" {
		cfg.InferenceLLM.Provider = "openai"
	}
	if cfg.InferenceLLM.Provider == "openai" && cfg.InferenceLLM.Key == "" && cfg.InferenceLLM.KeyEnv == "" {
		cfg.InferenceLLM.KeyEnv = "OPENAI_API_KEY"
	}
	if cfg.InferenceLLM.Provider == "ollama" && cfg.InferenceLLM.BaseURL == "" {
		cfg.InferenceLLM.BaseURL = defaultOllamaURL
	}
	if cfg.InferenceLLM.Model == "" {
		cfg.InferenceLLM.Model = defaultInferenceModel
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = "chromem"
	}
	if cfg.VectorStore.Path == "" {
		cfg.VectorStore.Path = "./chromemdb"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "rag-p1"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = defaultChunkSize
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = defaultTopK
	}
	if cfg.RAG.Burst == 0 {
		cfg.RAG.Burst = 1
	}
	if cfg.Ingest.RawDir == "" {
		cfg.Ingest.RawDir = "data/raw"
	}
	if cfg.Ingest.ProcessedDir == "" {
		cfg.Ingest.ProcessedDir = "data/processed"
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = defaultBatchSize
	}
	if cfg.Ingest.IDStrategy == "" {
		cfg.Ingest.IDStrategy = "sequential"
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.PageSeparator == "" {
		cfg.Ingest.PageSeparator = models.PageSeparator
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8000"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.RequestTimeoutSecs == 0 {
		cfg.Server.RequestTimeoutSecs = 60
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "regulatory-rag"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks everything ingestion and retrieval need. Errors wrap models.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.EmbedLLM.Provider {
	case "ollama", "hash":
	case "openai", "gemini":
		if c.EmbedLLM.APIKey() == "" {
			return configErr("embed_llm: missing API key for provider %s", c.EmbedLLM.Provider)
		}
	default:
		return configErr("embed_llm: unknown provider %q", c.EmbedLLM.Provider)
	}
	if c.EmbedLLM.Dimension <= 0 {
		return configErr("embed_llm: dimension must be positive")
	}
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return configErr("rag: chunk_overlap (%d) must be smaller than chunk_size (%d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.RAG.TopK <= 0 {
		return configErr("rag: top_k must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		return configErr("ingest: batch_size must be positive")
	}
	switch c.Ingest.IDStrategy {
	case "sequential", "deterministic":
	default:
		return configErr("ingest: unknown id_strategy %q", c.Ingest.IDStrategy)
	}
	switch c.VectorStore.Backend {
	case "chromem":
		if k := c.VectorStore.EncryptionKey; k != "" && len(k) != 32 {
			return configErr("vector_store: encryption_key must be 32 bytes")
		}
	case "pgvector":
		if c.Database.DSN == "" {
			return configErr("database: dsn is required for the pgvector backend")
		}
		if c.Database.Driver != "pgdriver" && c.Database.Driver != "pq" {
			return configErr("database: unknown driver %q", c.Database.Driver)
		}
	default:
		return configErr("vector_store: unknown backend %q", c.VectorStore.Backend)
	}
	return nil
}

// ValidateInference checks the generation service settings, needed only when answering questions.
func (c *Config) ValidateInference() error {
	switch c.InferenceLLM.Provider {
	case "ollama":
	case "openai", "gemini":
		if c.InferenceLLM.APIKey() == "" {
			return configErr("inference_llm: missing API key for provider %s", c.InferenceLLM.Provider)
		}
	default:
		return configErr("inference_llm: unknown provider %q", c.InferenceLLM.Provider)
	}
	return nil
}

// DatabasePassword resolves the pgvector password from config or env.
func (c *Config) DatabasePassword() string {
	if c.Database.Password != "" {
		return c.Database.Password
	}
	if c.Database.PasswordEnv != "" {
		return os.Getenv(c.Database.PasswordEnv)
	}
	return ""
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrConfiguration, fmt.Sprintf(format, args...))
}
