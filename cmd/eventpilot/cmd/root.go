package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/config"
)

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "eventpilot",
	Short: "EventPilot CRM segmentation gateway and client",
	Long: `eventpilot serves the CRM segment gateway (saved segments, filter
configuration, prompt-to-segment generation) and drives the segmentation
engine from the command line the way the CRM page does.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		l, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l

		v := viper.New()
		if f := cmd.Flags().Lookup("db-url"); f != nil && f.Changed {
			if err := v.BindPFlag("server.db_url", f); err != nil {
				return err
			}
		}
		c, err := config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	var zc zap.Config
	switch strings.ToLower(format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected json or console)", format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	// stdout carries command output
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
