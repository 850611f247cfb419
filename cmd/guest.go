package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/capture"
	"github.com/henteko/maycast-recorder-sub000/internal/config"
	"github.com/henteko/maycast-recorder-sub000/internal/guest"
	"github.com/henteko/maycast-recorder-sub000/internal/upload"
)

var (
	guestRoomID      string
	guestID          string
	guestDisplayName string
	guestCoordinator string
	guestDataDir     string
	guestProfilePath string
	guestPresigned   bool
)

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Join a room as a recording guest",
	RunE:  runGuest,
}

func init() {
	guestCmd.Flags().StringVar(&guestRoomID, "room", "", "room ID to join (required)")
	guestCmd.Flags().StringVar(&guestID, "guest-id", "", "stable guest identity (default: generated)")
	guestCmd.Flags().StringVar(&guestDisplayName, "name", "", "display name shown to other guests")
	guestCmd.Flags().StringVar(&guestCoordinator, "coordinator", "", "coordinator base URL (default: COORDINATOR_URL)")
	guestCmd.Flags().StringVar(&guestDataDir, "data-dir", "", "local chunk store directory (default: GUEST_DATA_DIR)")
	guestCmd.Flags().StringVar(&guestProfilePath, "profile", "", "capture profile YAML (default: built-in)")
	guestCmd.Flags().BoolVar(&guestPresigned, "presigned", false, "upload chunks through presigned URLs")
	_ = guestCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(guestCmd)
}

func runGuest(cmd *cobra.Command, args []string) error {
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

	profile := capture.DefaultProfile()
	if guestProfilePath != "" {
		profile, err = capture.LoadProfile(guestProfilePath)
		if err != nil {
			return err
		}
	}

	agentCfg := guestConfig(cfg)
	agentCfg.RoomID = guestRoomID
	agentCfg.Profile = profile
	agent, err := guest.New(agentCfg, nil, log)
	if err != nil {
		return err
	}
	log.Info("guest: joining room",
		zap.String("room_id", guestRoomID),
		zap.String("guest_id", agent.GuestID()),
		zap.String("recording_id", agent.RecordingID()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return agent.Run(ctx)
}

// guestConfig folds env config and CLI flags into an agent config. Flags
// win when set.
func guestConfig(cfg *config.Config) guest.Config {
	out := guest.Config{
		CoordinatorURL: cfg.CoordinatorURL,
		GuestID:        guestID,
		Name:           cfg.GuestName,
		DataDir:        cfg.GuestDataDir,
		ProbeCount:     cfg.GuestProbeCount,
		ProbeInterval:  cfg.GuestProbeInterval(),
		FallbackDelay:  cfg.GuestFallback(),
		SnapshotPoll:   cfg.GuestSnapshotPoll(),
		Presigned:      guestPresigned,
		Upload: upload.Config{
			Workers:        cfg.UploadWorkers,
			Attempts:       cfg.UploadMaxAttempts,
			AttemptTimeout: cfg.UploadTimeout(),
		},
	}
	if guestCoordinator != "" {
		out.CoordinatorURL = guestCoordinator
	}
	if guestDisplayName != "" {
		out.Name = guestDisplayName
	}
	if guestDataDir != "" {
		out.DataDir = guestDataDir
	}
	return out
}

func newCLILogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.AppEnv == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
