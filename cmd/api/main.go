package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/awields/conveyor/internal/api"
	"github.com/awields/conveyor/internal/config"
	"github.com/awields/conveyor/internal/engine"
	"github.com/awields/conveyor/internal/logging"
	"github.com/awields/conveyor/internal/ratelimit"
	"github.com/awields/conveyor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := store.New(client, log)
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis unreachable")
	}

	eng := engine.New(st, nil, nil, log, engine.Options{
		StatsWindow:   cfg.StatsWindow,
		HealthMaxWait: cfg.HealthMaxWait,
	})
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(eng, limiter, log)

	httpServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api exited")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}
