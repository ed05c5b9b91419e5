// Command govmon runs the agent governance monitor: a stdio tool server
// that tracks per-agent thermodynamic state, pauses agents that drift
// into incoherence, and brokers their dialectic recovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"govmon/internal/config"
	"govmon/internal/logging"
	"govmon/internal/server"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// Exit codes, BSD sysexits where they fit.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
	exitNoPerm      = 77
)

var version = "1.0.0"

var (
	configPath string
	dataDir    string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "govmon",
	Short: "Thermodynamic governance monitor for coding agents",
	Long: `govmon keeps a population of autonomous coding agents honest: every
agent update is integrated into a small dynamical system (attention
energy, integration, entropy, void), classified into proceed/pause
decisions, and persisted. Paused agents recover through a structured
dialectic review with a peer reviewer.

The server speaks newline-delimited JSON tool calls on stdin/stdout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Initialize(logging.Options{
			Dir:        filepath.Join(cfg.DataDir, "logs"),
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		defer srv.Close()

		if err := srv.WatchThresholds(); err != nil {
			logger.Warn("threshold hot-reload unavailable", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("govmon serving",
			zap.String("version", version),
			zap.String("data_dir", cfg.DataDir))
		err = srv.Serve(ctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown signal received")
			return nil
		}
		return err
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool surface as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		defer srv.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(srv.ListTools())
	},
}

var cleanupLocksCmd = &cobra.Command{
	Use:   "cleanup-locks",
	Short: "Remove lock files left behind by dead processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		locks := storage.NewLockManager(
			store.LocksDir(),
			config.Duration(cfg.Locks.PollInterval, 0),
			config.Duration(cfg.Locks.Deadline, 0),
			config.Duration(cfg.Locks.StaleAge, 0),
		)
		removed, err := locks.ReapStale()
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Println(name)
		}
		logger.Info("stale locks removed", zap.Int("count", len(removed)))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the govmon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("govmon %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "govmon.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, toolsCmd, cleanupLocksCmd, versionCmd)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var terr *types.ToolError
	if errors.As(err, &terr) {
		switch terr.Code {
		case types.CodeValidation:
			return exitUsage
		case types.CodeLockTimeout:
			return exitUnavailable
		}
		return exitInternal
	}
	if errors.Is(err, os.ErrPermission) {
		return exitNoPerm
	}
	if errors.Is(err, os.ErrNotExist) {
		return exitUnavailable
	}
	return exitInternal
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "govmon: %v\n", err)
	}
	os.Exit(exitCode(err))
}
