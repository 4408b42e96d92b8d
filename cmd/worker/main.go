package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/awields/conveyor/internal/archive"
	"github.com/awields/conveyor/internal/config"
	"github.com/awields/conveyor/internal/engine"
	"github.com/awields/conveyor/internal/logging"
	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/telemetry"
	"github.com/awields/conveyor/internal/worker"
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

	var sink worker.Archiver
	if cfg.ArchiveDSN != "" {
		arc, err := archive.New(ctx, cfg.ArchiveDSN, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect archive")
		}
		defer arc.Close()
		if err := arc.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("archive migrations")
		}
		sink = arc
	}

	handlers := worker.NewRegistry()
	handlers.Register("simulate", simulateHandler)

	eng := engine.New(st, sink, handlers, log, engine.Options{
		StatsWindow:     cfg.StatsWindow,
		HealthMaxWait:   cfg.HealthMaxWait,
		StallSweepFloor: cfg.StallSweepFloor,
		Pool: worker.PoolOptions{
			PollMin:        cfg.PollIntervalMin,
			PollMax:        cfg.PollIntervalMax,
			HeartbeatEvery: cfg.HeartbeatInterval,
		},
	})
	if err := eng.StartWorkers(ctx); err != nil {
		log.Fatal().Err(err).Msg("start workers")
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		eng.StopWorkers(shutdownCtx)
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker exited")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}

// simulateHandler exercises the pipeline end to end: sleeps for
// payload.duration_ms and fails when payload.should_fail is true.
func simulateHandler(ctx context.Context, job models.Job) error {
	if d, ok := job.Payload["duration_ms"].(float64); ok && d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail, ok := job.Payload["should_fail"].(bool); ok && fail {
		return fmt.Errorf("simulated failure for job %s", job.ID)
	}
	return nil
}
