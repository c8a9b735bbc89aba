package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "missing file should not error")
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout.Std())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repogate.yaml")
	doc := `
root: /srv/repo
sandbox:
  timeout: 90s
  max_output_bytes: 2048
index:
  min_similarity: 0.5
limits:
  max_read_bytes: 4096
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo", cfg.Root)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.Timeout.Std())
	assert.Equal(t, int64(2048), cfg.Sandbox.MaxOutputBytes)
	assert.Equal(t, 0.5, cfg.Index.MinSimilarity)
	assert.Equal(t, int64(4096), cfg.Limits.MaxReadBytes)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultConfig().Limits.MaxWriteBytes, cfg.Limits.MaxWriteBytes)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  timeout: 45\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REPOGATE_ROOT", "/env/root")
	t.Setenv("GENAI_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/env/root", cfg.Root)
	assert.Equal(t, "sk-test", cfg.Embedding.GenAIAPIKey)
}

func TestDefaultAllowedCommandsExcludeShells(t *testing.T) {
	for _, shell := range []string{"sh", "bash", "zsh", "dash"} {
		assert.NotContains(t, DefaultConfig().Sandbox.AllowedCommands, shell)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxReadBytes = 0
	assert.Error(t, cfg.Validate(), "zero max_read_bytes accepted")

	cfg = DefaultConfig()
	cfg.Sandbox.AllowedCommands = nil
	assert.Error(t, cfg.Validate(), "empty allow-list accepted with sandbox enabled")

	cfg = DefaultConfig()
	cfg.Sandbox.Enabled = false
	cfg.Sandbox.AllowedCommands = nil
	assert.NoError(t, cfg.Validate(), "disabled sandbox should not require an allow-list")
}
