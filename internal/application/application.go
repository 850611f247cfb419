package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/henteko/maycast-recorder-sub000/internal/config"
	"github.com/henteko/maycast-recorder-sub000/internal/database"
	"github.com/henteko/maycast-recorder-sub000/internal/handler"
	"github.com/henteko/maycast-recorder-sub000/internal/router"
	"github.com/henteko/maycast-recorder-sub000/internal/service"
	"github.com/henteko/maycast-recorder-sub000/internal/storage"
)

// API is the coordinator HTTP + WebSocket application.
type API struct {
	cfg    *config.Config
	srv    *http.Server
	db     *gorm.DB
	hub    *service.RoomHub
	logger *zap.Logger
}

// NewAPI creates the coordinator: validates config, runs migrations, opens
// the registry DB and blob store, builds the router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}

	blobs, err := storage.NewFileStore(cfg.StorageRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	signer, err := storage.NewPresigner([]byte(cfg.PresignKey), storage.DefaultPresignTTL)
	if err != nil {
		return nil, fmt.Errorf("presigner: %w", err)
	}

	hub := service.NewRoomHub(cfg.WSMaxMessageSize, logger)
	hub.SetReadLimit(cfg.WSMaxMessageSize)
	roomSvc := service.NewRoomService(db, cfg, hub, blobs, logger)

	roomHandler := handler.NewRoomHandler(roomSvc, cfg.WSBaseURL)
	uploadHandler := handler.NewUploadHandler(roomSvc, blobs, signer, logger)
	roomWS := handler.NewRoomWSHandler(hub, roomSvc, logger)
	health := handler.NewHealthHandler()

	r := router.New(roomHandler, uploadHandler, roomWS, health)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Chunk PUT bodies can be large on slow links; the read budget
		// matches the client's per-attempt upload timeout.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &API{cfg: cfg, srv: srv, db: db, hub: hub, logger: logger}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	addr := a.srv.Addr
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", addr)
	log.Printf("  Health:        %s/health", base)
	log.Printf("  Ready:         %s/ready", base)
	log.Printf("  Rooms:         %s/api/v1/rooms", base)
	log.Printf("  Recordings:    %s/api/v1/recordings", base)
	log.Printf("  WebSocket:     ws://%s:%s/ws/rooms/:room_id/guests/:guest_id", host, a.cfg.HTTPPort)

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.srv.Shutdown(shutdownCtx)
	_ = a.logger.Sync()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
