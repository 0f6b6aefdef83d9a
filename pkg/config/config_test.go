package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharmARohitt/Hypnos/pkg/config"
)

// TestLoad_Defaults verifies that Load returns sensible defaults
// when no file and no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Reconciler.Shards)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.API.JWTSecret)
}

// TestLoad_Precedence verifies that the file overrides defaults and the
// environment overrides the file.
func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypnos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
log_level: debug
storage:
  backend: sqlite
  log_dsn: "file:log.db"
  mirror_dsn: "file:mirror.db"
reconciler:
  shards: 8
  poll_interval: 250ms
telemetry:
  enabled: true
`), 0o600))

	t.Setenv("HYPNOS_RECONCILER_SHARDS", "2")
	t.Setenv("HYPNOS_JWT_SECRET", "s3cret")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 2, cfg.Reconciler.Shards)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconciler.PollInterval)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "hypnos", cfg.Telemetry.ServiceName, "unset keys keep defaults")
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)

	opts := cfg.ReconcilerOptions()
	assert.Equal(t, 2, opts.Shards)
	assert.Equal(t, int64(50), opts.Retry.BaseMs)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypnos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_adr: \":1\"\n"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendPostgres
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)

	cfg = config.Default()
	cfg.Storage.Backend = "etcd"
	cfg.Reconciler.Shards = 0
	cfg.LogLevel = "loud"
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)

	require.NoError(t, config.Default().Validate())
}

func TestLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "WARN"
	logger := cfg.Logger(os.Stderr)
	assert.False(t, logger.Enabled(t.Context(), -4))
	assert.True(t, logger.Enabled(t.Context(), 4))
}
