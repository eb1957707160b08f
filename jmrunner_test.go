package jmrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfinfra/jmrunner/supervisor"
	"github.com/perfinfra/jmrunner/types"
)

const testCatalogYAML = `
plans:
  - id: KAFKA_OrderLoad_10K
    profile: load
    plan_file: plans/kafka_order_load_10k.jmx
  - id: KAFKA_OrderUpdate_1K
    profile: update
    plan_file: plans/kafka_order_update_1k.jmx
`

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalogYAML), 0644))

	return &Config{
		Log:              log.New(),
		ListenAddr:       "127.0.0.1:0",
		HealthzAddr:      "127.0.0.1:0",
		MetricsAddr:      "127.0.0.1:0",
		CatalogFile:      catalogPath,
		RunDir:           filepath.Join(dir, "runs"),
		PollInterval:     10 * time.Millisecond,
		TerminationGrace: 100 * time.Millisecond,
		Profiles: map[types.Profile]supervisor.EngineInstall{
			types.ProfileLoad:   {Bin: "/opt/jmeter-load/bin/jmeter", Home: "/opt/jmeter-load"},
			types.ProfileUpdate: {Bin: "/opt/jmeter-update/bin/jmeter", Home: "/opt/jmeter-update"},
		},
	}
}

func TestRunnerLifecycle(t *testing.T) {
	cfg := newTestConfig(t)
	runner, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	assert.False(t, runner.Stopped())

	require.NoError(t, runner.Stop(ctx))
	assert.True(t, runner.Stopped())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.WaitForShutdown(waitCtx))
}

func TestRunnerStopIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	runner, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	require.NoError(t, runner.Stop(ctx))
	require.NoError(t, runner.Stop(ctx))
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", func(error) {})
	require.Error(t, err)
}

func TestNewRejectsBadCatalog(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, "test", func(error) {})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}
