package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(nil, ""))

	cfg := m.Get()
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, "127.0.0.1", cfg.Server.Addr)
	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, 64, cfg.Engine.QueueCapacity)
	require.Equal(t, 4, cfg.Engine.MaxActivePerUser)
	require.Equal(t, 16, cfg.Engine.MaxActiveTotal)
	require.Equal(t, 3, cfg.Engine.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Engine.RetryBackoff)
	require.Equal(t, 2*time.Second, cfg.Engine.CancelCheckInterval)
	require.Equal(t, 30, cfg.Storage.Retention.MaxAgeDays)
	require.Equal(t, 500, cfg.Storage.Retention.MaxJobs)
	require.NotEmpty(t, cfg.Storage.WorkspaceRoot)
	require.NotEmpty(t, cfg.Backup.DatabaseDir)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GRADEWORKS_ENGINE_WORKERS", "9")
	t.Setenv("GRADEWORKS_LOG_LEVEL", "debug")

	m := NewManager()
	require.NoError(t, m.Load(nil, ""))

	cfg := m.Get()
	require.Equal(t, 9, cfg.Engine.Workers)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: warn
server:
  port: 9999
engine:
  workers: 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m := NewManager()
	require.NoError(t, m.Load(nil, path))

	cfg := m.Get()
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 7, cfg.Engine.Workers)
	// Untouched keys keep their defaults.
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	t.Setenv("GRADEWORKS_LOG_LEVEL", "error")

	m := NewManager()
	require.NoError(t, m.Load(nil, path))

	require.Equal(t, "error", m.Get().Log.Level)
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	t.Setenv("GRADEWORKS_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--log.level=debug", "--engine.workers=2"}))

	m := NewManager()
	require.NoError(t, m.Load(flags, ""))

	cfg := m.Get()
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 2, cfg.Engine.Workers)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(nil, filepath.Join(t.TempDir(), "absent.yaml")))
	require.Equal(t, "info", m.Get().Log.Level)
}

func TestGetValueAccessors(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(nil, ""))

	require.Equal(t, "info", m.GetString("log.level"))
	require.Equal(t, 4, m.GetInt("engine.workers"))
	require.Nil(t, m.GetValue("no.such.key"))
}

func TestSourcePriorityOrdering(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)

	sources := DefaultSources("some.yaml", flags)
	require.Len(t, sources, 4)

	byName := make(map[string]int, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s.Priority()
	}
	require.Less(t, byName["defaults"], byName["file(some.yaml)"])
	require.Less(t, byName["file(some.yaml)"], byName["env"])
	require.Less(t, byName["env"], byName["flags"])
}

func TestDefaultConfigAsMapCoversStructKeys(t *testing.T) {
	m := DefaultConfigAsMap()

	for _, key := range []string{
		"log.level",
		"server.port",
		"engine.workers",
		"engine.max_attempts",
		"storage.workspace_root",
		"storage.retention.max_age_days",
		"backup.database_dir",
	} {
		require.Contains(t, m, key)
	}
}

func TestConfigContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Workers = 11

	ctx := WithConfig(context.Background(), cfg)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, 11, got.Engine.Workers)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}
