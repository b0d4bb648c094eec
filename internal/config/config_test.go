package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfig_DefaultsApply(t *testing.T) {
	path := writeConfig(t, `
app:
  service_name: agropulse-proxyd
storage:
  data_dir: /tmp/agropulse-test
`)

	var cfg Config
	require.NoError(t, cleanenv.ReadConfig(path, &cfg))

	require.Equal(t, "/tmp/agropulse-test", cfg.Storage.DataDir)
	require.Equal(t, 15*time.Second, cfg.Connectivity.ProbeInterval)
	require.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	require.Equal(t, uint16(8791), cfg.Bridge.Port)
	require.Equal(t, "info", cfg.Logger.Level)
	require.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout)
}

func TestReadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /tmp/from-yaml
`)

	t.Setenv("DATA_DIR", "/tmp/from-env")

	var cfg Config
	require.NoError(t, cleanenv.ReadConfig(path, &cfg))
	require.Equal(t, "/tmp/from-env", cfg.Storage.DataDir)
}

func TestReadConfig_CachePolicyLists(t *testing.T) {
	path := writeConfig(t, `
cache:
  dynamic_prefixes:
    - /api/
    - /trpc/
  static_assets:
    - https://app.example.com/app.js
`)

	var cfg Config
	require.NoError(t, cleanenv.ReadConfig(path, &cfg))
	require.Equal(t, []string{"/api/", "/trpc/"}, cfg.Cache.DynamicPrefixes)
	require.Len(t, cfg.Cache.StaticAssets, 1)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := LoadConfig()
	require.Error(t, err)
}
