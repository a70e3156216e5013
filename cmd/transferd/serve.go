package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/executor"
	"github.com/transferd/transferd/internal/lifecycle"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/server"
	"github.com/transferd/transferd/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer service",
	Long: `Serve starts the transferd daemon: the HTTP API, the WebSocket
progress feed, and the task engine. Task and connector definitions are
persisted in the metadata database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open metadata database: %w", err)
		}
		defer pool.Close()

		st := store.NewPostgres(pool)
		if err := st.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap metadata schema: %w", err)
		}

		collector := progress.NewCollector(logger)
		defer collector.Close()

		// Tee logs into the collector so the API and TUI can show them.
		logger = zerolog.New(zerolog.MultiLevelWriter(logOutput, progress.NewLogWriter(collector))).
			With().Timestamp().Logger().Level(logger.GetLevel())

		exec := executor.New(st, collector, logger)
		if cfg.Engine.PollIntervalSec > 0 {
			exec.PollInterval = time.Duration(cfg.Engine.PollIntervalSec) * time.Second
		}

		ctl := lifecycle.New(st, exec, logger)
		defer ctl.Shutdown()

		srv := server.New(st, collector, ctl, cfg, logger)
		logger.Info().Str("addr", cfg.ListenAddr()).Msg("transferd starting")
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}
