package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "./coord-data", cfg.CoordDir)
	assert.Equal(t, 5*time.Minute, cfg.OptimizationInterval)
	assert.Equal(t, 8192, cfg.SpanQueueCapacity)
}

func TestLoadYamlOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coord_dir: /var/lib/coord\nsampling_ratio: 0.5\n"), 0o644))

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/coord", cfg.CoordDir)
	assert.Equal(t, 0.5, cfg.SamplingRatio)
}

func TestEnvOverridesYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coord_dir: /var/lib/coord\n"), 0o644))

	t.Setenv("COORD_DIR", "/env/coord")
	t.Setenv("AGENT_TTL", "1m")

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "/env/coord", cfg.CoordDir)
	assert.Equal(t, 1*time.Minute, cfg.AgentTTL)
}

func TestLoadMissingFilesFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/.env", "/nonexistent/coord.yaml")
	require.NoError(t, err)
	assert.Equal(t, Defaults().CoordDir, cfg.CoordDir)
}
