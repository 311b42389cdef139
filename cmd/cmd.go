package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pairsync/internal/config"
	"pairsync/internal/events"
	"pairsync/internal/handlers"
	"pairsync/internal/hashing"
	"pairsync/internal/localstore"
	"pairsync/internal/middleware"
	"pairsync/internal/models"
	"pairsync/internal/notify"
	"pairsync/internal/pairing"
	"pairsync/internal/remote"
	"pairsync/internal/syncer"
)

func Run() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open device-local store
	local, err := localstore.Open(appCtx, cfg.Local.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local store")
	}
	defer local.Close()
	log.Info().Str("path", cfg.Local.DBPath).Msg("Local store opened")

	// Connect to the remote document store
	db, err := pgxpool.New(appCtx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to remote document store")
	}
	defer db.Close()
	if err := db.Ping(appCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping remote document store")
	}
	log.Info().Msg("Remote document store connection established")

	docs := remote.NewPostgresDocuments(db)

	// Connect to the blob store
	blobs, err := remote.NewS3Blobs(appCtx, cfg.AWS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create blob store")
	}

	// Core services
	bus := events.NewBus()
	tokens := middleware.NewTokens(cfg.JWT.Secret)
	hasher := hashing.New()
	pairingService := pairing.NewService(docs, local, bus)

	manager := syncer.NewManager(func(room *models.Room) (*syncer.Coordinator, error) {
		selfID := room.PrimaryUserID
		if room.LinkedUserID != nil {
			// the coordinator runs on whichever device started it; the
			// notifier needs to know which side this one is
			if paired, err := local.IdentityByID(appCtx, *room.LinkedUserID); err == nil && paired != nil {
				selfID = paired.ID
			}
		}
		notifier, err := notify.NewAPNs(cfg.APNs, docs, room.ID, selfID)
		if err != nil {
			return nil, err
		}
		coord := syncer.New(room.ID, local, docs, blobs, hasher, bus, cfg.Sync, cfg.Local.MediaDir, coalesceNotifier(notifier))
		return coord, nil
	})
	defer manager.StopAll()

	// Resume sync workers for rooms paired in an earlier run
	resumeRooms(appCtx, local, pairingService, manager)

	// Initialize handlers
	identityHandler := handlers.NewIdentityHandler(local, tokens, pairingService, docs)
	roomHandler := handlers.NewRoomHandler(appCtx, pairingService, local, manager)
	recordHandler := handlers.NewRecordHandler(local, manager, bus)
	streamHandler := handlers.NewStreamHandler(bus, tokens)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/identities", identityHandler.CreateIdentity)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(tokens))
			r.Patch("/identities/push-token", identityHandler.UpdatePushToken)
			r.Post("/rooms", roomHandler.CreateRoom)
			r.Post("/rooms/claim", roomHandler.ClaimRoom)
			r.Post("/records", recordHandler.Capture)
			r.Get("/records", recordHandler.List)
			r.Get("/records/{id}/state", recordHandler.State)
			r.Patch("/records/{id}", recordHandler.UpdateMeta)
			r.Post("/records/{id}/retry", recordHandler.Retry)
			r.Post("/sync/trigger", recordHandler.TriggerSync)
		})
	})

	// WebSocket event stream
	r.Get("/ws", streamHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting companion API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop sync workers first; in-flight transfers finish or fail at the
	// next record boundary
	appCancel()
	manager.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Engine exited")
}

// resumeRooms restarts sync workers for identities that paired in an
// earlier run. A remote outage at boot is not fatal: the worker starts on
// the next successful pairing lookup via the API instead.
func resumeRooms(ctx context.Context, local *localstore.Store, pairingService *pairing.Service, manager *syncer.Manager) {
	idents, err := local.IdentitiesWithRoom(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list paired identities")
		return
	}
	for _, ident := range idents {
		room, err := pairingService.RoomByCode(ctx, *ident.RoomCode)
		if err != nil {
			log.Error().Err(err).Str("code", *ident.RoomCode).Msg("Failed to resolve paired room")
			continue
		}
		if _, err := manager.Start(ctx, room); err != nil {
			log.Error().Err(err).Str("room_id", room.ID).Msg("Failed to resume sync worker")
		}
	}
}

// coalesceNotifier keeps a typed-nil *notify.APNs from sneaking into the
// coordinator's interface field.
func coalesceNotifier(n *notify.APNs) syncer.PartnerNotifier {
	if n == nil {
		return nil
	}
	return n
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
