package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pagelens/features/job"
	"pagelens/features/stats"
	"pagelens/internal/adapter/colqwen"
	"pagelens/internal/adapter/gemini"
	miniostore "pagelens/internal/adapter/minio"
	"pagelens/internal/adapter/nsq"
	"pagelens/internal/adapter/openai"
	qdrantstore "pagelens/internal/adapter/qdrant"
	"pagelens/internal/config"
	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
	"pagelens/internal/source"
	"pagelens/internal/vector"
)

// App holds the wired services behind the CLI. Jobs is nil when the journal
// is disabled.
type App struct {
	Config   *config.Config
	Index    *qdrantstore.Store
	Objects  *miniostore.Store
	Embedder *colqwen.Client
	Synth    retrieval.Synthesizer
	Pipeline *retrieval.Pipeline
	Search   *retrieval.Service
	Loader   *source.Loader
	Jobs     *job.Service
	Stats    *stats.Service
	Events   retrieval.EventPublisher

	deps     *Dependencies
	queryLog *retrieval.QueryLogger
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	codec, err := imaging.NewCodec(cfg.ImageFormat, cfg.ImageQuality)
	if err != nil {
		return nil, fmt.Errorf("image codec: %w", err)
	}

	spec := vector.CollectionSpec{
		Name:      cfg.CollectionName,
		Size:      uint64(cfg.VectorSize),
		Distance:  cfg.DistanceMetric,
		Reranking: cfg.EnableReranking,
	}
	index := qdrantstore.NewStore(deps.Qdrant, spec, qdrantstore.Options{
		PrefetchLimit: cfg.RerankingPrefetchLimit,
		RerankLimit:   cfg.RerankingSearchLimit,
	})
	objects := miniostore.NewStore(deps.Minio, minioConfig(cfg))
	embedder := colqwen.NewClient(colqwen.Config{
		BaseURL:      cfg.EmbeddingURL,
		Timeout:      time.Duration(cfg.EmbeddingTimeoutSeconds) * time.Second,
		Pooling:      cfg.EnableReranking,
		PrefixTokens: cfg.EmbeddingImagePrefixTokens,
	})
	synth := NewSynthesizer(cfg, codec)

	var events retrieval.EventPublisher = nsq.Nop{}
	if deps.Producer != nil {
		events = nsq.NewPublisher(deps.Producer)
	}

	var (
		jobs    *job.Service
		journal retrieval.FailureJournal
		counter stats.JournalCounter
	)
	if deps.DB != nil {
		jobs = job.NewService(job.NewPostgresRepo(deps.DB), objects, index)
		journal, counter = jobs, jobs
	}

	pipeline := retrieval.NewPipeline(retrieval.PipelineConfig{
		BatchSize:        cfg.BatchSize,
		Upsert:           retrieval.RetryPolicy{Attempts: cfg.UpsertRetryAttempts, Delay: time.Duration(cfg.UpsertRetryDelayMs) * time.Millisecond},
		ShutdownTimeout:  time.Duration(cfg.UploadShutdownTimeoutSeconds) * time.Second,
		Optimize:         cfg.OptimizeCollection,
		PageTextMaxChars: cfg.PageTextMaxChars,
		CompletedTopic:   config.TopicIndexCompleted,
		Worker: retrieval.WorkerConfig{
			QueueSize:    cfg.UploadQueueSize,
			MaxAttempts:  cfg.UploadRetryAttempts,
			RetryDelay:   time.Duration(cfg.UploadRetryDelayMs) * time.Millisecond,
			RateLimit:    cfg.UploadRateLimit,
			ShutdownMode: cfg.UploadShutdownMode,
			FailureTopic: config.TopicUploadFailed,
		},
	}, retrieval.PipelineDeps{
		Embedder: embedder,
		Index:    index,
		Objects:  objects,
		Codec:    codec,
		Journal:  journal,
		Events:   events,
	})

	var queryLog *retrieval.QueryLogger
	if cfg.QueryLogPath != "" {
		queryLog, err = retrieval.NewFileQueryLogger(cfg.QueryLogPath)
		if err != nil {
			slog.Warn("failed to open query log, queries will not be logged", "path", cfg.QueryLogPath, "error", err)
		}
	}

	search := retrieval.NewService(retrieval.ServiceConfig{
		SearchLimit:  cfg.SearchLimit,
		Oversampling: cfg.Oversampling,
		MaxImages:    cfg.MaxSaveImages,
		SystemPrompt: cfg.SystemPrompt,
	}, embedder, index, objects, synth, queryLog)

	var renderer source.PageRenderer
	pdftoppm := source.Pdftoppm{Path: cfg.PdftoppmPath, DPI: cfg.PDFRenderDPI}
	if err := pdftoppm.Check(); err != nil {
		slog.Warn("pdf rendering disabled", "error", err)
	} else {
		renderer = pdftoppm
	}

	statsSvc := stats.NewService(stats.Models{
		EmbeddingURL: cfg.EmbeddingURL,
		SearchLimit:  cfg.SearchLimit,
		Reranking:    cfg.EnableReranking,
	}, stats.Deps{
		Index:    index,
		Objects:  objects,
		Embedder: embedder,
		Synth:    synth,
		Ledger:   pipeline.Ledger(),
		Journal:  counter,
	})

	return &App{
		Config:   cfg,
		Index:    index,
		Objects:  objects,
		Embedder: embedder,
		Synth:    synth,
		Pipeline: pipeline,
		Search:   search,
		Loader:   source.NewLoader(nil, renderer),
		Jobs:     jobs,
		Stats:    statsSvc,
		Events:   events,
		deps:     deps,
		queryLog: queryLog,
	}, nil
}

// NewSynthesizer picks the configured provider. A provider without an API key
// is reported as unavailable instead of failing startup.
func NewSynthesizer(cfg *config.Config, codec imaging.Codec) retrieval.Synthesizer {
	switch strings.ToLower(cfg.LLMProvider) {
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return retrieval.Unavailable{Reason: "GEMINI_API_KEY not set"}
		}
		return gemini.NewSynthesizer(gemini.Config{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
			Codec:       codec,
		})
	default:
		if cfg.OpenAIAPIKey == "" {
			return retrieval.Unavailable{Reason: "OPENAI_API_KEY not set"}
		}
		return openai.NewSynthesizer(openai.Config{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
			Codec:       codec,
		})
	}
}

// Ready waits for the index, the bucket and the embedding service, creating
// the collection and bucket when missing. Any failure after the retries is fatal.
func (a *App) Ready(ctx context.Context) error {
	attempts := a.Config.BootstrapRetryAttempts
	delay := time.Duration(a.Config.BootstrapRetryDelaySeconds) * time.Second

	if err := WithRetry(ctx, "qdrant", attempts, delay, func(ctx context.Context) error {
		if err := a.Index.Health(ctx); err != nil {
			return err
		}
		_, err := a.Index.Ensure(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("vector index not ready: %w", err)
	}

	if err := WithRetry(ctx, "minio", attempts, delay, a.Objects.EnsureBucket); err != nil {
		return fmt.Errorf("object store not ready: %w", err)
	}

	if err := WithRetry(ctx, "embedding", attempts, delay, a.Embedder.Health); err != nil {
		return fmt.Errorf("embedding service not ready: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if c, ok := a.Synth.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close synthesizer", "error", err)
		}
	}
	if err := a.queryLog.Close(); err != nil {
		slog.Warn("failed to close query log", "error", err)
	}
	if a.deps != nil {
		a.deps.Close()
	}
}
