package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var taskAPIAddr string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage transfer tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(taskAPIAddr)
		tasks, err := client.tasks()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks defined.")
			return nil
		}
		fmt.Printf("%-36s  %-24s  %-18s  %-12s  %s\n", "ID", "NAME", "MODE", "STATUS", "TABLES")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-24s  %-18s  %-12s  %d\n",
				t.ID, t.Name, t.Mode, t.Status, len(t.SourceTables))
		}
		return nil
	},
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(taskAPIAddr)
			if err := client.control(args[0], action); err != nil {
				return err
			}
			fmt.Printf("Task %s: %s requested.\n", args[0], action)
			return nil
		},
	}
}

func init() {
	taskCmd.PersistentFlags().StringVar(&taskAPIAddr, "api-addr", "http://localhost:8080", "Address of transferd API")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(controlCmd("start", "Start a task"))
	taskCmd.AddCommand(controlCmd("stop", "Stop a running task"))
	taskCmd.AddCommand(controlCmd("pause", "Pause a running task"))
	taskCmd.AddCommand(controlCmd("resume", "Resume a paused task"))
	rootCmd.AddCommand(taskCmd)
}
