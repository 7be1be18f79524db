// Package config holds the explicit configuration passed into the sync
// engine. There is no global state; the CLI builds one Config per run and
// hands it to the orchestrator.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsguardian/fsguardian/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".fsguardian", "config.json")
)

const (
	// DefaultMaxVersions bounds each path's version chain.
	DefaultMaxVersions = 5

	// DefaultWorkers bounds the scan/hash/transfer worker pool.
	DefaultWorkers = 8

	// StateDirName is the per-target directory holding the index db,
	// version objects, baseline and lock file.
	StateDirName = ".fsguardian"
)

// TieBreak decides the winner of a both-sides conflict when the
// modification times are equal.
type TieBreak string

const (
	TieBreakSource TieBreak = "source"
	TieBreakTarget TieBreak = "target"
)

type Config struct {
	SourceDir string `json:"source_dir"`
	TargetDir string `json:"target_dir"`

	// Bidirectional enables baseline reconciliation; otherwise changes
	// propagate source to target only.
	Bidirectional bool `json:"bidirectional"`

	// MaxVersions bounds each path's retained version chain. Zero
	// disables versioning entirely.
	MaxVersions int `json:"max_versions"`

	// Filters is an ordered pattern list. Unprefixed and "+:" patterns
	// include, "-:" patterns exclude; the last matching pattern wins.
	Filters []string `json:"filters,omitempty"`

	EncryptionEnabled bool   `json:"encryption_enabled"`
	EncryptionKey     string `json:"-"` // hex, never persisted

	VerifyIntegrity  bool     `json:"verify_integrity"`
	ConflictTieBreak TieBreak `json:"conflict_tie_break,omitempty"`

	Workers int `json:"workers,omitempty"`

	Path string `json:"-"`
}

func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return errors.New("source directory is required")
	}
	if c.TargetDir == "" {
		return errors.New("target directory is required")
	}

	src, err := utils.ResolvePath(c.SourceDir)
	if err != nil {
		return fmt.Errorf("resolve source dir: %w", err)
	}
	tgt, err := utils.ResolvePath(c.TargetDir)
	if err != nil {
		return fmt.Errorf("resolve target dir: %w", err)
	}
	if src == tgt {
		return errors.New("source and target directories must differ")
	}
	c.SourceDir = src
	c.TargetDir = tgt

	if !utils.DirExists(c.SourceDir) {
		return fmt.Errorf("source directory does not exist: %s", c.SourceDir)
	}

	if c.MaxVersions < 0 {
		return errors.New("max_versions cannot be negative")
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ConflictTieBreak == "" {
		c.ConflictTieBreak = TieBreakSource
	}
	if c.ConflictTieBreak != TieBreakSource && c.ConflictTieBreak != TieBreakTarget {
		return fmt.Errorf("invalid conflict_tie_break: %q", c.ConflictTieBreak)
	}

	if c.EncryptionEnabled && c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
	}

	return nil
}

// StateDir returns the state directory for this run, kept inside the
// target tree so versions travel with the data they guard.
func (c *Config) StateDir() string {
	return filepath.Join(c.TargetDir, StateDirName)
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
