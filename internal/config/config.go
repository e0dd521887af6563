package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	ShutdownBestEffort = "best-effort"
	ShutdownHardCancel = "hard-cancel"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	// Vector index
	QdrantHost         string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort         int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantAPIKey       string `envconfig:"QDRANT_API_KEY"`
	QdrantUseTLS       bool   `envconfig:"QDRANT_USE_TLS" default:"false"`
	CollectionName     string `envconfig:"COLLECTION_NAME" default:"pagelens"`
	VectorSize         int    `envconfig:"VECTOR_SIZE" default:"128"`
	DistanceMetric     string `envconfig:"DISTANCE_METRIC" default:"Cosine"`
	OptimizeCollection bool   `envconfig:"OPTIMIZE_COLLECTION" default:"false"`

	// Indexing
	BatchSize           int `envconfig:"BATCH_SIZE" default:"4"`
	UpsertRetryAttempts int `envconfig:"UPSERT_RETRY_ATTEMPTS" default:"3"`
	UpsertRetryDelayMs  int `envconfig:"UPSERT_RETRY_DELAY_MS" default:"200"`

	// Embedding service
	EmbeddingURL               string `envconfig:"EMBEDDING_URL" default:"http://localhost:8000"`
	EmbeddingTimeoutSeconds    int    `envconfig:"EMBEDDING_TIMEOUT_SECONDS" default:"120"`
	EmbeddingImagePrefixTokens int    `envconfig:"EMBEDDING_IMAGE_PREFIX_TOKENS" default:"-1"`

	// Search
	EnableReranking        bool    `envconfig:"ENABLE_RERANKING" default:"true"`
	RerankingPrefetchLimit int     `envconfig:"RERANKING_PREFETCH_LIMIT" default:"200"`
	RerankingSearchLimit   int     `envconfig:"RERANKING_SEARCH_LIMIT" default:"20"`
	SearchLimit            int     `envconfig:"SEARCH_LIMIT" default:"3"`
	Oversampling           float64 `envconfig:"OVERSAMPLING" default:"2.0"`

	// Images
	ImageFormat   string `envconfig:"IMAGE_FORMAT" default:"JPEG"`
	ImageQuality  int    `envconfig:"IMAGE_QUALITY" default:"85"`
	MaxSaveImages int    `envconfig:"MAX_SAVE_IMAGES" default:"3"`

	// Object store
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"pagelens-images"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	// Background uploads
	UploadQueueSize              int     `envconfig:"UPLOAD_QUEUE_SIZE" default:"256"`
	UploadRetryAttempts          int     `envconfig:"UPLOAD_RETRY_ATTEMPTS" default:"3"`
	UploadShutdownTimeoutSeconds int     `envconfig:"UPLOAD_SHUTDOWN_TIMEOUT_SECONDS" default:"30"`
	UploadShutdownMode           string  `envconfig:"UPLOAD_SHUTDOWN_MODE" default:"best-effort"`
	UploadRetryDelayMs           int     `envconfig:"UPLOAD_RETRY_DELAY_MS" default:"500"`
	UploadRateLimit              float64 `envconfig:"UPLOAD_RATE_LIMIT" default:"0"`

	// Answer synthesis
	LLMProvider    string  `envconfig:"LLM_PROVIDER" default:"openai"`
	OpenAIAPIKey   string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL  string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel    string  `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
	GeminiAPIKey   string  `envconfig:"GEMINI_API_KEY"`
	GeminiModel    string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	LLMMaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"500"`
	LLMTemperature float32 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	SystemPrompt   string  `envconfig:"SYSTEM_PROMPT"`

	// Sources
	PDFRenderDPI     int    `envconfig:"PDF_RENDER_DPI" default:"150"`
	PdftoppmPath     string `envconfig:"PDFTOPPM_PATH" default:"pdftoppm"`
	PageTextMaxChars int    `envconfig:"PAGE_TEXT_MAX_CHARS" default:"2000"`
	DefaultSource    string `envconfig:"DEFAULT_SOURCE" default:"./data"`

	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Failed-upload journal, disabled when DB_HOST is empty
	DBHost        string `envconfig:"DB_HOST"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"pagelens"`
	DBPass        string `envconfig:"DB_PASS" default:"password"`
	DBName        string `envconfig:"DB_NAME" default:"pagelens"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Events, disabled when NSQD_HOST is empty
	NSQDHost string `envconfig:"NSQD_HOST"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	// Ignore errors, env vars might be set in the shell
	_ = godotenv.Load(".env")

	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".pagelens.env"))
	}

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.CollectionName == "" {
		return fmt.Errorf("%w: COLLECTION_NAME", ErrMissingRequired)
	}
	if c.MinioBucket == "" {
		return fmt.Errorf("%w: MINIO_BUCKET", ErrMissingRequired)
	}
	if c.EmbeddingURL == "" {
		return fmt.Errorf("%w: EMBEDDING_URL", ErrMissingRequired)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: VECTOR_SIZE", ErrInvalidValue)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE", ErrInvalidValue)
	}
	if c.UpsertRetryAttempts < 1 {
		return fmt.Errorf("%w: UPSERT_RETRY_ATTEMPTS", ErrInvalidValue)
	}
	if c.UploadRetryAttempts < 1 {
		return fmt.Errorf("%w: UPLOAD_RETRY_ATTEMPTS", ErrInvalidValue)
	}
	if c.UploadQueueSize < 1 {
		return fmt.Errorf("%w: UPLOAD_QUEUE_SIZE", ErrInvalidValue)
	}
	if c.Oversampling < 1 {
		return fmt.Errorf("%w: OVERSAMPLING", ErrInvalidValue)
	}
	if c.SearchLimit < 1 {
		return fmt.Errorf("%w: SEARCH_LIMIT", ErrInvalidValue)
	}

	switch strings.ToLower(c.DistanceMetric) {
	case "cosine", "euclid", "dot":
	default:
		return fmt.Errorf("%w: DISTANCE_METRIC", ErrInvalidValue)
	}

	switch strings.ToUpper(c.ImageFormat) {
	case "JPEG", "JPG", "PNG":
	default:
		return fmt.Errorf("%w: IMAGE_FORMAT", ErrInvalidValue)
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("%w: IMAGE_QUALITY", ErrInvalidValue)
	}

	switch c.UploadShutdownMode {
	case ShutdownBestEffort, ShutdownHardCancel:
	default:
		return fmt.Errorf("%w: UPLOAD_SHUTDOWN_MODE", ErrInvalidValue)
	}

	switch strings.ToLower(c.LLMProvider) {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: LLM_PROVIDER", ErrInvalidValue)
	}

	return nil
}

// JournalEnabled reports whether failed uploads are persisted to Postgres.
func (c *Config) JournalEnabled() bool {
	return c.DBHost != ""
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
