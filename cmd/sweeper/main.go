package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callkit/internal/core/services"
	"callkit/internal/infrastructure/monitoring"
	sigredis "callkit/internal/infrastructure/signaling/redis"
	"callkit/pkg/config"
	"callkit/pkg/distributed"
	"callkit/pkg/logger"
	"callkit/pkg/retry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("CALLKIT_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format).Sugar()
	defer log.Sync()

	client, err := sigredis.NewClient(
		cfg.Signaling.RedisAddress,
		cfg.Signaling.RedisPassword,
		cfg.Signaling.RedisDB,
		cfg.Signaling.RedisPoolSize,
		log,
	)
	if err != nil {
		log.Fatalw("failed to connect signaling store", "error", err)
	}
	defer client.Close()

	store := sigredis.NewSignalStore(client, log, retry.DefaultConfig(), cfg.Call.CandidatesPerSecond)
	collector := monitoring.NewCollector()

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			http.Handle("/metrics", promhttp.Handler())
			log.Infow("serving metrics", "address", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	sweeper := services.NewSweeper(
		store,
		collector,
		log,
		cfg.Call.RingTimeout,
		cfg.Call.Retention,
		cfg.Call.SweepInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("sweeper started",
		"ring_timeout", cfg.Call.RingTimeout,
		"retention", cfg.Call.Retention,
		"interval", cfg.Call.SweepInterval,
	)

	// Replicas coordinate through a leader lock per pass; the sweep itself
	// is idempotent, the lock just avoids redundant full scans.
	lock := distributed.NewLock(client, "callkit:sweep:leader", cfg.Call.SweepInterval)
	ticker := time.NewTicker(cfg.Call.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper shut down")
			return
		case <-ticker.C:
			held, err := lock.TryAcquire(ctx)
			if err != nil {
				log.Warnw("failed to acquire sweep lock", "error", err)
				continue
			}
			if !held {
				continue
			}
			sweeper.SweepOnce(ctx)
			if err := lock.Release(ctx); err != nil {
				log.Warnw("failed to release sweep lock", "error", err)
			}
		}
	}
}
