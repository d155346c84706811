package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/bindrap/notesWebApp/api/handlers"
	"github.com/bindrap/notesWebApp/api/routes"
	"github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/app"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

const minFreeDisk = 256 << 20

func main() {
	configPath := flag.String("config", os.Getenv("NOTEBOT_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding(cfg.Log.Encoding),
		logger.WithOutputPaths(cfg.Log.OutputPaths),
		logger.WithRotation(cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays),
		logger.WithInitialFields(map[string]interface{}{"service": "notebot"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to build service", logger.Error(err))
	}
	if err := a.Start(context.Background()); err != nil {
		log.Fatal("Failed to start service", logger.Error(err))
	}

	h := handlers.NewHandlers(a.Scheduler,
		handlers.Limits{MaxBatchSize: cfg.Limits.MaxBatchSize, MaxFiles: cfg.Limits.MaxFiles},
		handlers.Probes{Models: a.Gateway, Disk: a.Store, MinFreeBytes: minFreeDisk},
		log,
	)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	routes.SetupRoutes(r, h, cfg.Server.AllowOrigins, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("Service shutdown incomplete", logger.Error(err))
	}
}
