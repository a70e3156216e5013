package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/config"
)

var (
	cfg       config.Config
	logger    zerolog.Logger
	logOutput io.Writer

	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "transferd",
	Short: "Data transfer service",
	Long: `transferd moves tables from relational sources (SQL Server, PostgreSQL,
MySQL, Oracle) into analytical destinations (Snowflake, S3). It runs batched
full loads with resumable offsets, tails change feeds with at-least-once
delivery, and exposes an HTTP API plus a terminal dashboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		// Flags win over config file and environment.
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Path to config file (default: ~/.transferd/config.yaml)")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}
