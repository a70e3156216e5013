package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/tui"
)

var tuiAPIAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch terminal dashboard",
	Long: `TUI starts a terminal dashboard for monitoring a running transferd
instance. It connects to the API endpoint of a running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := progress.NewCollector(logger)
		defer collector.Close()

		// Poll the remote API and mirror it into the local collector.
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go pollRemote(ctx, tuiAPIAddr, collector)

		return tui.Run(collector)
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAPIAddr, "api-addr", "http://localhost:8080", "Address of transferd API")
	rootCmd.AddCommand(tuiCmd)
}

func pollRemote(ctx context.Context, addr string, collector *progress.Collector) {
	client := newAPIClient(addr)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := client.status()
			if err != nil {
				collector.RecordError("", err)
				continue
			}
			collector.SetRemote(snap)
		}
	}
}
