package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/api"
	"github.com/blobvault/blobvault/internal/blob"
	"github.com/blobvault/blobvault/internal/identity"
	"github.com/blobvault/blobvault/internal/scheduler"
	"github.com/blobvault/blobvault/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()
	setupLogging(cfg.Logging)

	log.Info().Msg("starting blobvault daemon")

	resolver, err := loadResolver(cfg.Storage.PackagesFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.PackagesFile).Msg("failed to load installed packages")
	}

	registry, err := blob.NewRegistry(blob.Config{
		RootDir:       cfg.Storage.RootPath,
		SessionExpiry: cfg.Storage.SessionExpiry,
	}, resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob registry")
	}
	if err := registry.Load(); err != nil {
		log.Fatal().Err(err).Msg("failed to load blob indices")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.New(cfg.Storage.MaintenanceInterval, registry).Start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(cfg, registry).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	cancel()
	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("final index flush failed")
	}
	log.Info().Msg("stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

// packageEntry is one row of the installed-packages document.
type packageEntry struct {
	UserID     int32  `json:"user_id"`
	UID        int32  `json:"uid"`
	Name       string `json:"name"`
	InstantApp bool   `json:"instant_app,omitempty"`
	Isolated   bool   `json:"isolated,omitempty"`
}

// loadResolver seeds the identity resolver from the packages document. A
// missing document yields an empty resolver: every call will then fail
// authorization until packages are provisioned, which is the safe default.
func loadResolver(path string) (*identity.StaticResolver, error) {
	resolver := identity.NewStaticResolver()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("packages file missing; starting with no installed packages")
			return resolver, nil
		}
		return nil, fmt.Errorf("reading packages file: %w", err)
	}

	var entries []packageEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing packages file: %w", err)
	}
	for _, e := range entries {
		resolver.Register(e.UserID, identity.Package{UID: e.UID, Name: e.Name, InstantApp: e.InstantApp})
		if e.Isolated {
			resolver.MarkIsolated(e.UID)
		}
	}
	log.Info().Int("packages", len(entries)).Msg("installed packages loaded")
	return resolver, nil
}
