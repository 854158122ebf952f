package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
)

// Version is stamped by the release build (-ldflags "-X main.Version=...").
var Version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagDryRun   bool

	cfgStore *config.Store
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "hvsync",
	Short:         "Bidirectional issue sync between Huly, Vibe, and beads repos",
	Long: `hvsync mirrors issues between a Huly tracker, a Vibe kanban board,
and per-repository beads databases, keeping all three converged.

Huly is the source of truth for titles and project structure. Status and
priority flow in both directions under last-writer-wins, with the exception
that an issue closed in a repo stays closed everywhere.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagLogLevel != "" {
			cfg.LogLevel = flagLogLevel
		}
		if flagDryRun {
			cfg.DryRun = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cfgStore = config.NewStore(cfg)

		logger, err = buildLogger(cfg.LogLevel, cfg.LogFile)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to hvsync.yaml (default: environment only)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Log planned writes without applying them")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

// buildLogger constructs the process logger. With a log file configured,
// output goes through lumberjack rotation; otherwise a console encoder
// writes to stderr.
func buildLogger(level, file string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	if file != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, lvl)
		return zap.New(core, zap.AddCaller()), nil
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core), nil
}
