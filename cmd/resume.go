package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/henteko/maycast-recorder-sub000/internal/config"
	"github.com/henteko/maycast-recorder-sub000/internal/guest"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Upload recordings left behind by an interrupted session",
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&guestCoordinator, "coordinator", "", "coordinator base URL (default: COORDINATOR_URL)")
	resumeCmd.Flags().StringVar(&guestDataDir, "data-dir", "", "local chunk store directory (default: GUEST_DATA_DIR)")
	resumeCmd.Flags().BoolVar(&guestPresigned, "presigned", false, "upload chunks through presigned URLs")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := newCLILogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return guest.Resume(ctx, guestConfig(cfg), log)
}
