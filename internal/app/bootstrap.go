package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	gonsq "github.com/nsqio/go-nsq"
	"github.com/qdrant/go-client/qdrant"

	miniostore "pagelens/internal/adapter/minio"
	"pagelens/internal/adapter/nsq"
	"pagelens/internal/config"
	"pagelens/internal/vector"
)

// Dependencies are the connected clients the app is wired from. DB and
// Producer are nil when the journal or events are disabled.
type Dependencies struct {
	Qdrant   *qdrant.Client
	Minio    *minio.Client
	DB       *sql.DB
	Producer *gonsq.Producer
}

func (d *Dependencies) Close() {
	if d.Producer != nil {
		d.Producer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
	if d.Qdrant != nil {
		if err := d.Qdrant.Close(); err != nil {
			slog.Warn("failed to close qdrant client", "error", err)
		}
	}
}

// Bootstrap opens every client. The qdrant and minio clients connect lazily;
// Postgres is pinged and migrated when configured.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}

	qc, err := vector.NewClient(vector.ClientConfig{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantUseTLS,
	})
	if err != nil {
		return nil, err
	}
	deps.Qdrant = qc

	mc, err := miniostore.NewClient(minioConfig(cfg))
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Minio = mc

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	if cfg.JournalEnabled() {
		db, err := openDB(ctx, cfg, retryDelay)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.DB = db
	}

	if cfg.NSQDHost != "" {
		producer, err := nsq.NewProducer(cfg.NSQDHost)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		if err := producer.Ping(); err != nil {
			slog.WarnContext(ctx, "nsqd not reachable, events will be retried on publish", "nsqd", cfg.NSQDHost, "error", err)
		}
		deps.Producer = producer
	}

	return deps, nil
}

func openDB(ctx context.Context, cfg *config.Config, retryDelay time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = WithRetry(ctx, "postgres ping", cfg.BootstrapRetryAttempts, retryDelay, db.PingContext)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	return db, nil
}

// WithRetry calls op up to attempts times, sleeping delay between failures.
func WithRetry(ctx context.Context, name string, attempts int, delay time.Duration, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.WarnContext(ctx, "setup step failed, retrying", "step", name, "attempt", i+1, "max_attempts", attempts, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func minioConfig(cfg *config.Config) miniostore.Config {
	return miniostore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}
}
