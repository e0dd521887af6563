package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pagelens/internal/app"
	"pagelens/internal/config"
)

func TestWithRetry_Success(t *testing.T) {
	calls := 0
	err := app.WithRetry(context.Background(), "step", 1, time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_Retries(t *testing.T) {
	calls := 0
	err := app.WithRetry(context.Background(), "step", 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_Fail(t *testing.T) {
	calls := 0
	err := app.WithRetry(context.Background(), "step", 3, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent error")
	})
	assert.EqualError(t, err, "permanent error")
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := app.WithRetry(ctx, "step", 10, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBootstrap_DBDown(t *testing.T) {
	cfg := &config.Config{
		QdrantHost:                 "localhost",
		QdrantPort:                 6334,
		MinioEndpoint:              "localhost:9000",
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg)

	assert.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBootstrap_OptionalServicesOff(t *testing.T) {
	cfg := &config.Config{
		QdrantHost:    "localhost",
		QdrantPort:    6334,
		MinioEndpoint: "localhost:9000",
	}
	deps, err := app.Bootstrap(context.Background(), cfg)
	assert.NoError(t, err)
	defer deps.Close()

	assert.NotNil(t, deps.Qdrant)
	assert.NotNil(t, deps.Minio)
	assert.Nil(t, deps.DB)
	assert.Nil(t, deps.Producer)
}
