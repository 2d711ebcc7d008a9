package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/dylanl321/hasyncd/internal/config"
	"github.com/dylanl321/hasyncd/internal/daemon"
	"github.com/dylanl321/hasyncd/internal/git"
	"github.com/dylanl321/hasyncd/internal/supervisor"
	"github.com/dylanl321/hasyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hasyncd",
	Short: "Synchronize a live configuration directory from a Git repository",
	Long: `hasyncd keeps a running application's configuration directory in sync with a
Git repository, without ever letting the repository touch the application's
private runtime state.

Each cycle clones or updates a staged copy of the repository, backs up the
live directory, deploys the changed files, and validates the result through
the application's own check command. A failed validation rolls everything
back to the pre-sync state.

It can run as a oneshot sync (via cron or a systemd timer) or as a
long-running daemon that also responds to GitHub push webhooks.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from repository to live directory",
	Long: `Sync fetches the configured Git repository, deploys changed files to the
live configuration directory, and validates the result.

The live directory is backed up before any file changes, protected runtime
paths are never written or deleted, and a failed validation restores the
backup and reverts the staged repository.`,
	RunE: runSync,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuously, syncing on an interval and on webhooks",
	Long: `Daemon performs an initial sync, then repeats it on the configured interval.

With serve.enabled set, it also listens for GitHub push webhooks and syncs
when the configured repository is updated. Concurrent triggers collapse into
at most one queued re-run.`,
	RunE: runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hasyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/hasyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := buildEngine(cfg, logger, dryRun)
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("sync finished",
		"outcome", string(result.Outcome),
		"reason", result.Reason)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := buildEngine(cfg, logger, false)
	return daemon.New(cfg, engine, logger).Run(ctx)
}

func buildEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) *sync.Engine {
	gitClient := git.NewShellClient(cfg.StagingDir(), cfg.Repo, cfg.Auth, logger)
	sup := supervisor.NewShellClient(cfg.Paths.LiveDir,
		cfg.Supervisor.ValidateCommand, cfg.Supervisor.RestartCommand)
	return sync.NewEngine(cfg, gitClient, sup, logger, dryRun)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(xdg.ConfigHome, "hasyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"branch", cfg.Repo.Branch,
		"live_dir", cfg.Paths.LiveDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
