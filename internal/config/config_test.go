package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		SourceDir:   t.TempDir(),
		TargetDir:   t.TempDir(),
		MaxVersions: 3,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := validConfig(t)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultWorkers, cfg.Workers)
		assert.Equal(t, TieBreakSource, cfg.ConflictTieBreak)
	})

	t.Run("missing source", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.SourceDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing target", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.TargetDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("same source and target", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.TargetDir = cfg.SourceDir
		assert.Error(t, cfg.Validate())
	})

	t.Run("source does not exist", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.SourceDir = filepath.Join(cfg.SourceDir, "missing")
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative max versions", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.MaxVersions = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad tie break", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ConflictTieBreak = "coin-flip"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad encryption key", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.EncryptionEnabled = true
		cfg.EncryptionKey = "not-hex"
		assert.Error(t, cfg.Validate())

		cfg.EncryptionKey = "abcd" // too short
		assert.Error(t, cfg.Validate())

		cfg.EncryptionKey = strings.Repeat("ab", 32)
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigSaveLoad(t *testing.T) {
	cfg := validConfig(t)
	cfg.Filters = []string{"**/*.txt", "-:**/*.tmp"}
	cfg.EncryptionKey = strings.Repeat("ab", 32)
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "sub", "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SourceDir, loaded.SourceDir)
	assert.Equal(t, cfg.TargetDir, loaded.TargetDir)
	assert.Equal(t, cfg.Filters, loaded.Filters)
	assert.Equal(t, path, loaded.Path)

	// Key must never round-trip through the config file.
	assert.Empty(t, loaded.EncryptionKey)
}

func TestStateDirInsideTarget(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(cfg.TargetDir, StateDirName), cfg.StateDir())
}
