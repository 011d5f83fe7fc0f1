package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ebudiman/visionary_nvr/internal/config"
	authhandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/auth"
	camerashandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/cameras"
	discoveryhandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/discovery"
	recordinghandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/recordings"
	settingshandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/settings"
	streamshandler "github.com/ebudiman/visionary_nvr/internal/http-server/handlers/streams"
	authmiddleware "github.com/ebudiman/visionary_nvr/internal/http-server/middleware/auth"
	"github.com/ebudiman/visionary_nvr/internal/http-server/middleware/logger"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	authservice "github.com/ebudiman/visionary_nvr/internal/services/auth"
	camerasservice "github.com/ebudiman/visionary_nvr/internal/services/cameras"
	discoveryservice "github.com/ebudiman/visionary_nvr/internal/services/discovery"
	"github.com/ebudiman/visionary_nvr/internal/services/onvif"
	"github.com/ebudiman/visionary_nvr/internal/services/preview"
	"github.com/ebudiman/visionary_nvr/internal/services/reclaimer"
	"github.com/ebudiman/visionary_nvr/internal/services/recorder"
	"github.com/ebudiman/visionary_nvr/internal/storage/postgres"
	authstorage "github.com/ebudiman/visionary_nvr/internal/storage/postgres/auth"
	camerastorage "github.com/ebudiman/visionary_nvr/internal/storage/postgres/cameras"
	settingstorage "github.com/ebudiman/visionary_nvr/internal/storage/postgres/settings"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("starting application", slog.Any("config", cfg))

	cfg.DB.Password = os.Getenv("POSTGRES_PASSWORD")
	if cfg.DB.Password == "" {
		panic("POSTGRES_PASSWORD is required")
	}

	storage, err := postgres.New(cfg.DB)
	if err != nil {
		panic(err)
	}

	authStorage := authstorage.New(storage)
	cameraStorage := camerastorage.New(storage)
	settingStorage := settingstorage.New(storage)

	authService := authservice.New(log, authStorage, authStorage, cfg.TokenTTL, cfg.Secret)
	if err := authService.CreateInitialAdmin(); err != nil {
		log.Error("failed to bootstrap admin account", sl.Err(err))
	}

	storageReclaimer := reclaimer.New(log, settingStorage, cfg.Recorder.RecordingsPath, cfg.Recorder.MaxStorageGB)

	recordingService := recorder.New(log, cameraStorage, cameraStorage, storageReclaimer, cfg.Recorder)

	var (
		sink      preview.OutputSink
		manifests streamshandler.ManifestProvider
		viewers   streamshandler.ViewerRegistry
	)

	switch cfg.Preview.Sink {
	case "hls":
		publisher := preview.NewPublisher(log, cfg.Preview.HLSPath)
		sink = publisher
		manifests = publisher
	default:
		hub := preview.NewHub(log)
		sink = hub
		viewers = hub
	}

	previewManager := preview.NewManager(log, sink, cfg.Preview)

	cameraService := camerasservice.New(log, cfg.Recorder.RecordingsPath, cameraStorage, recordingService, previewManager)

	discoveryService := discoveryservice.New(log, onvif.New(log))

	authHandler := authhandler.New(log, authService)
	cameraHandler := camerashandler.New(log, cameraService)
	recordingHandler := recordinghandler.New(log, recordingService)
	streamHandler := streamshandler.New(log, previewManager, cameraService, manifests, viewers)
	discoveryHandler := discoveryhandler.New(log, discoveryService, cameraService)
	settingHandler := settingshandler.New(log, settingStorage)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(logger.New(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)

	router.Post("/api/auth/login", authHandler.Login)

	router.Group(func(r chi.Router) {
		r.Use(authmiddleware.JWTAuth(cfg.Secret))

		r.Post("/api/stream/start", streamHandler.Start)
		r.Post("/api/stream/stop", streamHandler.Stop)
		r.Post("/api/stream/preview", streamHandler.StartPreview)
		r.Delete("/api/stream/preview", streamHandler.StopPreview)
		r.Get("/api/stream/{streamKey}/playlist", streamHandler.Playlist)

		r.Post("/api/recordings/start", recordingHandler.Start)
		r.Post("/api/recordings/stop", recordingHandler.Stop)
		r.Get("/api/recorder/status", recordingHandler.Status)
		r.Get("/api/recorder/sessions", recordingHandler.Sessions)

		r.Get("/api/cameras", cameraHandler.List)

		r.Group(func(r chi.Router) {
			r.Use(authmiddleware.AdminRequired)

			r.Post("/api/auth/register", authHandler.RegisterNewUser)
			r.Post("/api/cameras", cameraHandler.Save)
			r.Put("/api/cameras/{cameraID}", cameraHandler.Update)
			r.Delete("/api/cameras/{cameraID}", cameraHandler.Delete)
			r.Post("/api/discovery/scan", discoveryHandler.Scan)
			r.Post("/api/discovery/adopt", discoveryHandler.Adopt)
			r.Get("/api/settings/{key}", settingHandler.Get)
			r.Put("/api/settings/{key}", settingHandler.Set)
		})
	})

	// Browsers cannot set Authorization headers on websocket upgrades.
	router.Get("/ws/stream/{streamKey}", streamHandler.Watch)

	if err := recordingService.StartAll(); err != nil {
		log.Error("failed to start continuous recordings", sl.Err(err))
	}

	sweep := time.NewTicker(cfg.Recorder.SweepInterval)
	defer sweep.Stop()
	go storageReclaimer.Run(sweep.C)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", sl.Err(err))
		}
	}()

	log.Info("server started", slog.String("address", cfg.HTTPServer.Address))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shut down server", sl.Err(err))
	}

	previewManager.Shutdown()
	recordingService.StopAll()

	log.Info("stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
