package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "accounting-reports/internal/adapters/web"
	"accounting-reports/internal/app"
	"accounting-reports/internal/bootstrap"
	"accounting-reports/internal/config"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}
	defer rt.Close()

	if cfg.Carryover.Schedule != "" {
		scheduler, err := app.NewCarryoverScheduler(rt.Service, cfg.Carryover.Schedule, cfg.Carryover.ReportCodes, cfg.Carryover.DateFilter, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("carryover scheduler")
		}
		go scheduler.Start(ctx)
	}

	handler := webAdapter.NewHandler(rt.Service, logger, webAdapter.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Server.JWTSecret,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server")
	}
	logger.Info().Msg("server stopped")
}
