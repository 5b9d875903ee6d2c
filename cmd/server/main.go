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

	router "github.com/harborchat/harbor/internal/adapters/http"
	wssignal "github.com/harborchat/harbor/internal/adapters/signal"
	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/presence"
	"github.com/harborchat/harbor/internal/voice"
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
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	tracker := presence.NewTracker(presence.Config{
		GracePeriod:  cfg.Presence.GracePeriod,
		IdleTimeout:  cfg.Presence.IdleTimeout,
		AgentTimeout: cfg.Presence.AgentTimeout,
	})
	rooms := voice.NewRegistry()
	limiter := wssignal.NewJoinRateLimiter(cfg.Signal.JoinLimit, cfg.Signal.JoinInterval)
	ctl := wssignal.NewController(tracker, rooms, cfg.ICE, limiter, cfg.ReadLimit)

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Harbor server started")
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
