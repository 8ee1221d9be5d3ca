package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/listsyncd/listsyncd/internal/config"
	"github.com/listsyncd/listsyncd/internal/fetch"
	"github.com/listsyncd/listsyncd/internal/sync"
	"github.com/listsyncd/listsyncd/internal/webhook"
)

// Set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	dryRun     bool
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "listsyncd",
	Short: "Mirror files from remote HTTP directory listings",
	Long: `listsyncd watches an HTTP directory listing (autoindex) on a remote
server, detects new and changed files and downloads them into a local
mirror directory.

It can run as a one-shot sync (for cron or systemd timers) or as a
long-running service with an interval scheduler and a signed webhook
trigger.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync against the configured listing",
	RunE:  runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a service with scheduled syncs and a webhook trigger",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("listsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (default ~/.config/listsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be fetched without downloading")
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run summary as JSON on stdout")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := setupSignalHandler()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	client := fetch.NewClient(cfg, logger)
	engine := sync.NewEngine(cfg, client, logger, dryRun)

	summary, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	if jsonOutput {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		fmt.Println(string(out))
	}

	if summary.HasFailures() {
		return fmt.Errorf("sync finished with %d failed files", len(summary.Failed))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := setupSignalHandler()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is disabled in the configuration (set serve.enabled: true)")
	}

	client := fetch.NewClient(cfg, logger)
	server, err := webhook.NewServer(cfg, client, logger)
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so a --json summary owns stdout.
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		path = fmt.Sprintf("%s/.config/listsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"url", cfg.Source.URL,
		"patterns", cfg.Source.Patterns,
		"download_dir", cfg.Paths.DownloadDir,
		"state_dir", cfg.Paths.StateDir)
	return cfg, nil
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	return ctx
}
