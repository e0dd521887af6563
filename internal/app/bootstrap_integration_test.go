package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagelens/internal/app"
	"pagelens/internal/testutils"
)

func TestBootstrap_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	cfg := suite.AppConfig()

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()
	require.NotNil(t, deps.DB)

	var exists bool
	err = deps.DB.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'failed_uploads')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "failed_uploads table should exist")

	require.NotNil(t, deps.Producer)
	assert.NoError(t, deps.Producer.Ping())

	a, err := app.New(cfg, deps)
	require.NoError(t, err)
	require.NotNil(t, a.Jobs)

	ctx := context.Background()
	require.NoError(t, a.Index.Health(ctx))
	created, err := a.Index.Ensure(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, a.Objects.EnsureBucket(ctx))

	report := a.Stats.Collect(ctx)
	assert.Equal(t, "empty", report.Readiness)
	assert.True(t, report.JournalEnabled)
	assert.Zero(t, report.FailedUploads)
}
