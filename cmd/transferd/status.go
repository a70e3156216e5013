package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transfer progress",
	Long:  `Status reports active tasks, per-table progress and throughput from a running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(statusAPIAddr)
		snap, err := client.status()
		if err != nil {
			return err
		}

		fmt.Printf("Tasks:       %d\n", len(snap.Tasks))
		fmt.Printf("Throughput:  %.0f rows/s, %.0f bytes/s\n", snap.RowsPerSec, snap.BytesPerSec)
		fmt.Printf("Total:       %d rows, %d bytes\n", snap.TotalRows, snap.TotalBytes)
		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:      %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		for _, task := range snap.Tasks {
			fmt.Printf("\nTask %s  %s  %.1f%%\n", task.TaskID, task.Status, task.Percent)
			for _, t := range task.Tables {
				cursor := ""
				if t.Cursor != "" {
					cursor = "  cursor " + t.Cursor
				}
				fmt.Printf("  %-36s %-10s %5.1f%%  (%d/%d rows)%s\n",
					t.Name, t.Status, t.Percent, t.ProcessedRows, t.TotalRows, cursor)
			}
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api-addr", "http://localhost:8080", "Address of transferd API")
	rootCmd.AddCommand(statusCmd)
}
