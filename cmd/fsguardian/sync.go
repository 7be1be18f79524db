package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsguardian/fsguardian/internal/config"
	"github.com/fsguardian/fsguardian/internal/crypto"
	"github.com/fsguardian/fsguardian/internal/sync"
	"github.com/spf13/cobra"
)

// rerunDelay is the quiet period after a watch event before the next
// sync run starts.
const rerunDelay = 2 * time.Second

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the source tree into the target tree",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		showHeader()

		o, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}
		if err := o.Open(); err != nil {
			return err
		}
		defer o.Close()

		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			return watchLoop(cmd.Context(), o, cfg)
		}

		st, err := o.Run(cmd.Context())
		if err != nil {
			return err
		}
		reportStatus(st)
		if st.Phase == sync.PhaseFailed {
			return fmt.Errorf("sync failed: %v", st.LastError)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().SortFlags = false
	syncCmd.Flags().StringP("source", "s", "", "source directory")
	syncCmd.Flags().StringP("target", "t", "", "target directory")
	syncCmd.Flags().BoolP("bidirectional", "b", false, "reconcile changes in both directions")
	syncCmd.Flags().Bool("watch", false, "keep running and re-sync on changes")
	syncCmd.Flags().Int("max-versions", config.DefaultMaxVersions, "retained versions per path (0 disables)")
	syncCmd.Flags().StringSlice("filter", nil, "ordered filter patterns, -: excludes, +: includes, last match wins")
	syncCmd.Flags().Bool("encrypt", false, "encrypt target content at rest")
	syncCmd.Flags().Bool("verify", true, "verify written content by re-reading and fingerprinting")
	syncCmd.Flags().String("tie-break", string(config.TieBreakSource), "conflict winner on equal timestamps (source|target)")
	syncCmd.Flags().Int("workers", config.DefaultWorkers, "parallel scan/transfer workers")
}

// buildOrchestrator translates the validated config into engine options.
func buildOrchestrator(cfg *config.Config) (*sync.Orchestrator, error) {
	filter, err := sync.NewFilter(cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	var transform *crypto.Transform
	if cfg.EncryptionEnabled {
		key := cfg.EncryptionKey
		if key == "" {
			if key, err = loadOrCreateKey(cfg.StateDir()); err != nil {
				return nil, err
			}
		}
		if transform, err = crypto.NewTransform(key); err != nil {
			return nil, &sync.FatalError{Op: "load encryption key", Err: err}
		}
	}

	return sync.NewOrchestrator(sync.Options{
		SourceDir:     cfg.SourceDir,
		TargetDir:     cfg.TargetDir,
		StateDir:      cfg.StateDir(),
		Bidirectional: cfg.Bidirectional,
		MaxVersions:   cfg.MaxVersions,
		Filter:        filter,
		Transform:     transform,
		Verify:        cfg.VerifyIntegrity,
		TieBreak:      sync.Tree(cfg.ConflictTieBreak),
		Workers:       cfg.Workers,
	}, newProgressObserver())
}

// loadOrCreateKey reads the state-dir key file, generating one on first
// use. The file is the only place the key lives; it is never logged or
// persisted in config.
func loadOrCreateKey(stateDir string) (string, error) {
	keyPath := filepath.Join(stateDir, "key")
	if data, err := os.ReadFile(keyPath); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", &sync.FatalError{Op: "generate encryption key", Err: err}
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", &sync.FatalError{Op: "create state dir", Err: err}
	}
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		return "", &sync.FatalError{Op: "store encryption key", Err: err}
	}
	slog.Info("generated new encryption key", "path", keyPath)
	return key, nil
}

// watchLoop runs an initial sync, then re-runs after each debounced
// change burst. Watcher events also invalidate cached fingerprints so
// the next scan re-hashes exactly the touched paths.
func watchLoop(ctx context.Context, o *sync.Orchestrator, cfg *config.Config) error {
	if st, err := o.Run(ctx); err != nil {
		return err
	} else {
		reportStatus(st)
	}

	watchers := []*sync.Watcher{
		sync.NewWatcher(cfg.SourceDir, sync.TreeSource, sync.NewIgnoreList(cfg.SourceDir)),
	}
	if cfg.Bidirectional {
		watchers = append(watchers, sync.NewWatcher(cfg.TargetDir, sync.TreeTarget, sync.NewIgnoreList(cfg.TargetDir)))
	}
	for _, w := range watchers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Stop()
	}

	events := make(chan sync.ChangeEvent, 64)
	for _, w := range watchers {
		w := w
		go func() {
			for ce := range w.Events() {
				events <- ce
			}
		}()
	}

	// One timer, reset on every event: sync runs after the burst goes
	// quiet, not once per event.
	rerun := time.NewTimer(rerunDelay)
	if !rerun.Stop() {
		<-rerun.C
	}

	slog.Info("watching for changes", "source", cfg.SourceDir, "bidirectional", cfg.Bidirectional)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ce := <-events:
			o.Invalidate(ce.Tree, ce.RelPath)
			rerun.Reset(rerunDelay)
		case <-rerun.C:
			st, err := o.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("sync run failed", "error", err)
				continue
			}
			reportStatus(st)
		}
	}
}

func reportStatus(st sync.Status) {
	switch st.Phase {
	case sync.PhaseCompleted:
		slog.Info("done",
			"files", st.FilesDone,
			"bytes", humanize.Bytes(uint64(st.BytesDone)),
			"failed", len(st.FailedOps),
			"conflicts", len(st.Conflicts),
		)
	case sync.PhaseCancelled:
		slog.Warn("cancelled", "files", st.FilesDone)
	}
	for _, c := range st.Conflicts {
		slog.Warn("conflict", "path", c.Path, "state", c.State.String(), "resolution", c.Detail)
	}
	for _, f := range st.FailedOps {
		slog.Error("failed op", "op", string(f.Op.Kind), "path", f.Op.Path, "error", f.Err)
	}
}
