package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/adapters/engine"
	router "github.com/dkeye/stage/internal/adapters/http"
	"github.com/dkeye/stage/internal/adapters/rtc"
	"github.com/dkeye/stage/internal/app/orch"
	"github.com/dkeye/stage/internal/config"
	"github.com/dkeye/stage/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var media core.MediaEngine
	switch cfg.Engine.Mode {
	case "relay":
		client := engine.NewClient(cfg.Engine.URL, cfg.Engine.Timeout)
		// An unreachable engine at startup is the one fatal condition;
		// everything after this is recoverable per-request.
		if err := client.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("url", cfg.Engine.URL).Msg("media engine unreachable")
		}
		media = client
	default:
		media = rtc.NewEngine(ctx, rtc.DefaultConfig(cfg.Engine.StunURLs))
	}

	o := orch.New(media)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("engine", cfg.Engine.Mode).Msg("Stage server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
