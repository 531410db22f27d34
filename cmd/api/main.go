package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/app"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/http/handlers"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/http/httpapi"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}

	router := httpapi.NewRouter(handlers.NewApp(container.Service, container.Comfy, &logger), httpapi.Options{
		CORSOrigins:      cfg.CORSAllowedOrigins,
		SubmitsPerMinute: cfg.SubmitRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr()).Str("comfyui", cfg.ComfyUIURL).Msg("API listening")
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	// Packages stop first so open event streams and waiting requests end
	// before the server drains connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+cfg.HTTPIdleTimeout+5*time.Second)
	defer cancel()

	if err := container.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("packages did not stop in time")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
	if ctx.Err() == nil {
		os.Exit(1)
	}
}
