package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
	assert.True(t, cfg.Index.Enabled)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Stages)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
max_attempts: 0
lock_timeout: 2s
logging:
  level: debug
  format: json
stages:
  research:
    command: echo hi
    timeout: 30s
    fallback_command: echo cached
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output, "unset keys keep their defaults")
	require.Contains(t, cfg.Stages, "research")
	assert.Equal(t, 30*time.Second, cfg.Stages["research"].Timeout)
	assert.Equal(t, "echo cached", cfg.Stages["research"].FallbackCommand)
}

func TestFromYAMLRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown key", "max_attempt: 3\n"},
		{"negative attempts", "max_attempts: -1\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad base path", "server:\n  base_path: v0\n"},
		{"stage without command", "stages:\n  research:\n    timeout: 1s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, []string{filepath.Join(root, "stacks")}, cfg.StacksDirs())
	assert.Equal(t, filepath.Join(root, "index.db"), cfg.IndexPath())
}

func TestLoadResolvesRelativeRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("root: data\nstacks_dir: /opt/stacks\n"), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Root)
	assert.Equal(t, []string{"/opt/stacks"}, cfg.StacksDirs())
}
