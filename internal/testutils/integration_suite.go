package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nsqio/go-nsq"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"pagelens/internal/config"
)

const (
	MinioUser     = "minioadmin"
	MinioPassword = "minioadmin"
)

// IntegrationSuite starts the backing services in containers. Each service
// is started only when requested so tests pay for what they use.
type IntegrationSuite struct {
	T      *testing.T
	DB     *sql.DB
	DSN    string
	Qdrant *qdrant.Client
	Minio  *minio.Client
	NSQ    *nsq.Producer

	QdrantHost    string
	QdrantPort    int
	MinioEndpoint string
	NSQAddr       string

	dbHost     string
	dbPort     int
	containers []testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

// MigrationPath is the file URL of the repository's migrations directory.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

// Setup starts every service.
func (s *IntegrationSuite) Setup() {
	s.StartPostgres()
	s.StartQdrant()
	s.StartMinio()
	s.StartNSQ()
}

func (s *IntegrationSuite) StartPostgres() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pagelens_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.containers = append(s.containers, pgContainer)

	s.DSN, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.dbHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(s.T, err)
	s.dbPort = pgPort.Int()

	s.DB, err = sql.Open("postgres", s.DSN)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), s.DSN)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) StartQdrant() {
	ctx := context.Background()
	c := s.start(testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.16.2",
		ExposedPorts: []string{"6333/tcp", "6334/tcp"},
		WaitingFor:   wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStartupTimeout(60 * time.Second),
	})

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "6334")
	require.NoError(s.T, err)

	s.QdrantHost = host
	s.QdrantPort, err = strconv.Atoi(port.Port())
	require.NoError(s.T, err)

	s.Qdrant, err = qdrant.NewClient(&qdrant.Config{Host: s.QdrantHost, Port: s.QdrantPort, SkipCompatibilityCheck: true})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) StartMinio() {
	ctx := context.Background()
	c := s.start(testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinioUser,
			"MINIO_ROOT_PASSWORD": MinioPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	})

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(s.T, err)

	s.MinioEndpoint = fmt.Sprintf("%s:%s", host, port.Port())
	s.Minio, err = minio.New(s.MinioEndpoint, &minio.Options{
		Creds: credentials.NewStaticV4(MinioUser, MinioPassword, ""),
	})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) StartNSQ() {
	ctx := context.Background()
	c := s.start(testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	})

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	s.NSQAddr = fmt.Sprintf("%s:%s", host, port.Port())
	s.NSQ, err = nsq.NewProducer(s.NSQAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

// AppConfig returns a valid configuration pointing at the started services.
func (s *IntegrationSuite) AppConfig() *config.Config {
	cfg := &config.Config{
		QdrantHost:                   s.QdrantHost,
		QdrantPort:                   s.QdrantPort,
		CollectionName:               "pagelens_test",
		VectorSize:                   4,
		DistanceMetric:               "Cosine",
		BatchSize:                    2,
		UpsertRetryAttempts:          2,
		UpsertRetryDelayMs:           10,
		EmbeddingURL:                 "http://localhost:8000",
		EmbeddingTimeoutSeconds:      5,
		EmbeddingImagePrefixTokens:   -1,
		SearchLimit:                  3,
		Oversampling:                 2,
		ImageFormat:                  "JPEG",
		ImageQuality:                 85,
		MaxSaveImages:                3,
		MinioEndpoint:                s.MinioEndpoint,
		MinioAccessKey:               MinioUser,
		MinioSecretKey:               MinioPassword,
		MinioBucket:                  "pagelens-test",
		UploadQueueSize:              16,
		UploadRetryAttempts:          2,
		UploadRetryDelayMs:           10,
		UploadShutdownTimeoutSeconds: 10,
		UploadShutdownMode:           config.ShutdownBestEffort,
		LLMProvider:                  config.ProviderOpenAI,
		PageTextMaxChars:             200,
		NSQDHost:                     s.NSQAddr,
		MigrationPath:                MigrationPath(),
		BootstrapRetryAttempts:       5,
		BootstrapRetryDelaySeconds:   1,
	}
	if s.DB != nil {
		cfg.DBHost, cfg.DBPort = s.dbHost, s.dbPort
		cfg.DBUser, cfg.DBPass, cfg.DBName = "test", "test", "pagelens_test"
	}
	return cfg
}

func (s *IntegrationSuite) start(req testcontainers.ContainerRequest) testcontainers.Container {
	c, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, c)
	return c
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Qdrant != nil {
		s.Qdrant.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	for i := len(s.containers) - 1; i >= 0; i-- {
		s.containers[i].Terminate(ctx)
	}
}
