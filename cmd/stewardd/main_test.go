package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/steward"
	"github.com/petrijr/steward/internal/config"
	"github.com/petrijr/steward/pkg/api"
)

func TestRun_CheckValidatesSampleDefinitions(t *testing.T) {
	t.Setenv("STEWARD_LOG_LEVEL", "error")
	err := run([]string{
		"--check",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"--definitions", "../../configs/definitions.yaml",
	})
	require.NoError(t, err)
}

func TestRun_RejectsBadConfig(t *testing.T) {
	t.Setenv("STEWARD_QUEUE_BACKEND", "carrier-pigeon")
	err := run([]string{"--check", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestOpenBackends_Memory(t *testing.T) {
	cfg, err := config.Parse(map[string]string{
		"STEWARD_STORE_DRIVER":  "memory",
		"STEWARD_QUEUE_BACKEND": "memory",
	})
	require.NoError(t, err)

	b, err := openBackends(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, b.store)
	require.NotNil(t, b.queue)
	b.Close()
}

func TestOpenBackends_SQLite(t *testing.T) {
	cfg, err := config.Parse(map[string]string{
		"STEWARD_STORE_DSN": "file:" + filepath.Join(t.TempDir(), "steward.db"),
	})
	require.NoError(t, err)

	b, err := openBackends(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	n, err := b.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetricsFunc_BasicOnly(t *testing.T) {
	bundle, err := steward.NewMemoryBundle(steward.BundleConfig{})
	require.NoError(t, err)
	bundle.Metrics.OnEventAccepted(context.Background(), &api.Event{})

	v, err := metricsFunc(bundle, nil)(context.Background())
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, m["basic"].(api.BasicMetricsSnapshot).EventsAccepted)
	assert.NotContains(t, m, "otel")
}
