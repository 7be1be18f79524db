package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/fsguardian/fsguardian/internal/config"
	"github.com/fsguardian/fsguardian/internal/utils"
	"github.com/fsguardian/fsguardian/internal/version"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	defaultLogFile = filepath.Join(home, ".fsguardian", "logs", "fsguardian.log")
)

var rootCmd = &cobra.Command{
	Use:     "fsguardian",
	Short:   "FSGuardian keeps two directory trees in sync with versioned history",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.AddCommand(syncCmd, versionsCmd, restoreCmd)
}

func main() {
	logDir := filepath.Dir(defaultLogFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(defaultLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewFanoutHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, FSGUARDIAN_* environment variables
// and command flags, last one wins.
func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".fsguardian"))
		viper.AddConfigPath(filepath.Join(home, ".config/fsguardian"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("source_dir", cmd.Flags().Lookup("source"))
	viper.BindPFlag("target_dir", cmd.Flags().Lookup("target"))
	viper.BindPFlag("bidirectional", cmd.Flags().Lookup("bidirectional"))
	viper.BindPFlag("max_versions", cmd.Flags().Lookup("max-versions"))
	viper.BindPFlag("filters", cmd.Flags().Lookup("filter"))
	viper.BindPFlag("encryption_enabled", cmd.Flags().Lookup("encrypt"))
	viper.BindPFlag("verify_integrity", cmd.Flags().Lookup("verify"))
	viper.BindPFlag("conflict_tie_break", cmd.Flags().Lookup("tie-break"))
	viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))

	viper.SetEnvPrefix("FSGUARDIAN")
	viper.AutomaticEnv()

	viper.SetDefault("max_versions", config.DefaultMaxVersions)
	viper.SetDefault("workers", config.DefaultWorkers)
	viper.SetDefault("verify_integrity", true)

	return nil
}

func configFromViper() *config.Config {
	return &config.Config{
		Path:              viper.ConfigFileUsed(),
		SourceDir:         viper.GetString("source_dir"),
		TargetDir:         viper.GetString("target_dir"),
		Bidirectional:     viper.GetBool("bidirectional"),
		MaxVersions:       viper.GetInt("max_versions"),
		Filters:           viper.GetStringSlice("filters"),
		EncryptionEnabled: viper.GetBool("encryption_enabled"),
		EncryptionKey:     viper.GetString("encryption_key"),
		VerifyIntegrity:   viper.GetBool("verify_integrity"),
		ConflictTieBreak:  config.TieBreak(viper.GetString("conflict_tie_break")),
		Workers:           viper.GetInt("workers"),
	}
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("FSGuardian %s\n", version.Short())
}
