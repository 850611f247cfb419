package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maycast-recorder",
	Short: "Multi-device recording coordinator and guest agent",
	Long:  `HTTP + WebSocket recording coordination. Commands: coordinator, guest, resume, migrate, seed.`,
	RunE:  runCoordinator, // default: run the coordinator (same as "maycast-recorder coordinator")
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
