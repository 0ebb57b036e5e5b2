package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/backsyncd/backsync/internal/config"
	"github.com/backsyncd/backsync/internal/remote"
	"github.com/backsyncd/backsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "backsync",
	Short: "Back-office synchronization between the master-data API and the legacy system",
	Long: `backsync keeps a local SQLite cache of master data and moves records in
both directions:

  import   pull entire collections from the master-data API into the cache
  sync     push staged local changes (creates, updates, deletes) to the legacy system
  serve    run the job API with WebSocket progress streams

Configuration is read from backsync.yaml (or --config) and BACKSYNC_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: ./backsync.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the shared logger. With log.file configured, output goes
// to both stderr and a size-rotated file.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}

func openStore(cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// remoteClient builds the master-data API client (import source).
func remoteClient(cfg *config.Config, logger *log.Logger) (*remote.Client, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Token:     cfg.Remote.Token,
		PageSize:  cfg.Remote.PageSize,
		PageDelay: time.Duration(cfg.Remote.PageDelayMs) * time.Millisecond,
		Logger:    logger,
	}), nil
}

// legacyClient builds the legacy system client (sync target).
func legacyClient(cfg *config.Config, logger *log.Logger) (*remote.Client, error) {
	if err := cfg.ValidateLegacy(); err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Config{
		BaseURL: cfg.Legacy.BaseURL,
		Token:   cfg.Legacy.Token,
		Logger:  logger,
	}), nil
}
