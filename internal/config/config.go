// Package config loads the service configuration from a YAML file, a .env
// file and DOCCHAT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

const defaultTemperature = 0.7

type ServerConfig struct {
	Addr                string   `yaml:"addr"`
	CORSOrigins         []string `yaml:"cors_origins"`
	BodyLimit           string   `yaml:"body_limit"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig selects the conversation store backend. DSN is used by the SQL
// drivers and Table by DynamoDB.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// ModelConfig describes an OpenAI-compatible endpoint. The key is taken from
// APIKeyEnv, or from the parameter store when APIKeyParam is set.
type ModelConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	APIKeyParam string `yaml:"api_key_param"`
}

type EmbeddingConfig struct {
	ModelConfig `yaml:",inline"`
	Dimensions  int `yaml:"dimensions"`
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

type GenerationConfig struct {
	ModelConfig `yaml:",inline"`
	// Temperature is nil when the file leaves it out; 0 is a valid setting.
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// SamplingTemperature returns the configured temperature, or 0.7 when unset.
func (g GenerationConfig) SamplingTemperature() float64 {
	if g.Temperature == nil {
		return defaultTemperature
	}
	return *g.Temperature
}

type SecretsConfig struct {
	ParamPrefix string `yaml:"param_prefix"`
}

type RetrievalConfig struct {
	RankConstant  int `yaml:"rank_constant"`
	SubQueryLimit int `yaml:"sub_query_limit"`
	DefaultK      int `yaml:"default_k"`
	MaxK          int `yaml:"max_k"`
}

type ConversationConfig struct {
	HistoryWindow int `yaml:"history_window"`
	MaxQueryRunes int `yaml:"max_query_runes"`
}

type TimeoutsConfig struct {
	EmbedSecs    int `yaml:"embed_secs"`
	SearchSecs   int `yaml:"search_secs"`
	GenerateSecs int `yaml:"generate_secs"`
}

type IngestConfig struct {
	UploadDir         string `yaml:"upload_dir"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// AppConfig is the root configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Qdrant       QdrantConfig       `yaml:"qdrant"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Generation   GenerationConfig   `yaml:"generation"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Conversation ConversationConfig `yaml:"conversation"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Ingest       IngestConfig       `yaml:"ingest"`
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies a .env file from the working directory and environment
// overrides. The result is validated.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	setString(&cfg.Server.Addr, ":8000")
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	setString(&cfg.Server.BodyLimit, "25M")
	setInt(&cfg.Server.ShutdownTimeoutSecs, 10)

	setString(&cfg.Log.Level, "info")

	setString(&cfg.Store.Driver, StoreSQLite)
	if cfg.Store.Driver == StoreSQLite {
		setString(&cfg.Store.DSN, "chat_history.db")
	}

	setString(&cfg.Qdrant.URL, "http://localhost:6333")
	setString(&cfg.Qdrant.Collection, "documents")
	setInt(&cfg.Qdrant.TimeoutSecs, 15)

	setString(&cfg.Embedding.BaseURL, "http://localhost:11434/v1")
	setString(&cfg.Embedding.Model, "nomic-embed-text")
	setString(&cfg.Embedding.APIKeyEnv, "OPENAI_API_KEY")
	setInt(&cfg.Embedding.Dimensions, 768)
	setInt(&cfg.Embedding.BatchSize, 32)
	setInt(&cfg.Embedding.Concurrency, 4)

	setString(&cfg.Generation.BaseURL, "http://localhost:11434/v1")
	setString(&cfg.Generation.Model, "llama3.2")
	setString(&cfg.Generation.APIKeyEnv, "OPENAI_API_KEY")
	if cfg.Generation.Temperature == nil {
		t := defaultTemperature
		cfg.Generation.Temperature = &t
	}

	setInt(&cfg.Retrieval.RankConstant, 60)
	setInt(&cfg.Retrieval.SubQueryLimit, 10)
	setInt(&cfg.Retrieval.DefaultK, 3)
	setInt(&cfg.Retrieval.MaxK, 20)

	setInt(&cfg.Conversation.HistoryWindow, 10)
	setInt(&cfg.Conversation.MaxQueryRunes, 2000)

	setInt(&cfg.Timeouts.EmbedSecs, 30)
	setInt(&cfg.Timeouts.SearchSecs, 15)
	setInt(&cfg.Timeouts.GenerateSecs, 60)

	setString(&cfg.Ingest.UploadDir, "uploaded_docs")
	setInt(&cfg.Ingest.SentencesPerChunk, 5)
	if cfg.Ingest.OverlapSentences == 0 {
		cfg.Ingest.OverlapSentences = 1
	}
}

func applyEnv(cfg *AppConfig) {
	envString("DOCCHAT_ADDR", &cfg.Server.Addr)
	if v := os.Getenv("DOCCHAT_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	envString("DOCCHAT_LOG_LEVEL", &cfg.Log.Level)

	envString("DOCCHAT_STORE_DRIVER", &cfg.Store.Driver)
	envString("DOCCHAT_STORE_DSN", &cfg.Store.DSN)
	envString("DOCCHAT_STORE_TABLE", &cfg.Store.Table)

	envString("DOCCHAT_QDRANT_URL", &cfg.Qdrant.URL)
	envString("DOCCHAT_QDRANT_API_KEY", &cfg.Qdrant.APIKey)
	envString("DOCCHAT_QDRANT_COLLECTION", &cfg.Qdrant.Collection)

	envString("DOCCHAT_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	envString("DOCCHAT_EMBEDDING_MODEL", &cfg.Embedding.Model)
	envInt("DOCCHAT_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)

	envString("DOCCHAT_GENERATION_BASE_URL", &cfg.Generation.BaseURL)
	envString("DOCCHAT_GENERATION_MODEL", &cfg.Generation.Model)

	envString("DOCCHAT_PARAM_PREFIX", &cfg.Secrets.ParamPrefix)

	envInt("DOCCHAT_HISTORY_WINDOW", &cfg.Conversation.HistoryWindow)
	envInt("DOCCHAT_DEFAULT_K", &cfg.Retrieval.DefaultK)
	envString("DOCCHAT_UPLOAD_DIR", &cfg.Ingest.UploadDir)
}

// Validate rejects configurations the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreSQLite, StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case StoreDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			errs = append(errs, errors.New("store.table is required for driver \"dynamodb\""))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, dynamodb", c.Store.Driver))
	}
	if t := c.Generation.SamplingTemperature(); t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %v must be within [0, 2]", t))
	}
	if c.Retrieval.DefaultK < 1 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		errs = append(errs, fmt.Errorf("retrieval.default_k must be within [1, %d]", c.Retrieval.MaxK))
	}
	if c.Ingest.OverlapSentences < 0 || c.Ingest.OverlapSentences >= c.Ingest.SentencesPerChunk {
		errs = append(errs, errors.New("ingest.overlap_sentences must be smaller than ingest.sentences_per_chunk"))
	}
	if (c.Embedding.APIKeyParam != "" || c.Generation.APIKeyParam != "") && c.Secrets.ParamPrefix == "" {
		errs = append(errs, errors.New("secrets.param_prefix is required when an api_key_param is set"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *AppConfig) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.Log.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}

func (t TimeoutsConfig) Embed() time.Duration    { return secs(t.EmbedSecs) }
func (t TimeoutsConfig) Search() time.Duration   { return secs(t.SearchSecs) }
func (t TimeoutsConfig) Generate() time.Duration { return secs(t.GenerateSecs) }

func (q QdrantConfig) Timeout() time.Duration { return secs(q.TimeoutSecs) }

func (s ServerConfig) ShutdownTimeout() time.Duration { return secs(s.ShutdownTimeoutSecs) }

// APIKey returns the key from the configured environment variable.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
