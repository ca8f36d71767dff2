package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ngld/specrun/pkg/repos"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ".", cfg.Workdir)
	require.Equal(t, "copy", cfg.Cache.Link)
	require.True(t, cfg.Cache.Index)
	require.Equal(t, uint64(2), cfg.Retry.Attempts)
	require.Equal(t, 10*time.Second, cfg.Retry.MaxWait)
	require.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	require.Equal(t, repos.DefaultRoot(), cfg.CacheRoot())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specrun.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
workdir = "/srv/build"

[cache]
dir = "/var/cache/specrun"
link = "symlink"

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/build", cfg.Workdir)
	require.Equal(t, "/var/cache/specrun", cfg.CacheRoot())
	require.Equal(t, "symlink", cfg.Cache.Link)
	require.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("SPECRUN_CACHE_DIR", "/tmp/other-cache")
	t.Setenv("SPECRUN_LOG_LEVEL", "warn")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/other-cache", cfg.CacheRoot())
	require.Equal(t, zerolog.WarnLevel, cfg.LogLevel())
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "typo.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Log.Level = "chatty"
	require.Error(t, cfg.Validate())

	cfg.Log.Level = "info"
	cfg.Cache.Link = "hardlink"
	require.Error(t, cfg.Validate())

	cfg.Cache.Link = "copy"
	cfg.Retry.MaxWait = -time.Second
	require.Error(t, cfg.Validate())
}
