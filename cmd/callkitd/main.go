package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"callkit/internal/core/domain"
	"callkit/internal/core/services"
	"callkit/internal/infrastructure/media"
	"callkit/internal/infrastructure/monitoring"
	sigredis "callkit/internal/infrastructure/signaling/redis"
	"callkit/internal/infrastructure/uistream"
	"callkit/pkg/config"
	"callkit/pkg/logger"
	"callkit/pkg/retry"
	"callkit/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// callkitd runs the per-client call coordinator: it owns the single current
// call, watches the signaling store and pushes CallUIState to every attached
// UI surface over websocket.
func main() {
	configPath := os.Getenv("CALLKIT_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	userID := domain.UserID(os.Getenv("CALLKIT_USER_ID"))
	if userID == "" {
		fmt.Fprintln(os.Stderr, "CALLKIT_USER_ID must be set")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format).Sugar()
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callkitd",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

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

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	engineFactory := media.NewFactory(media.Config{ICEServers: iceServers}, media.StaticTrackSource{}, log)

	collector := monitoring.NewCollector()

	coordinator, err := services.Init(userID, store, engineFactory, collector, log, cfg.Call.RingTimeout)
	if err != nil {
		log.Fatalw("failed to construct coordinator", "error", err)
	}
	defer coordinator.Close()

	uiServer := uistream.NewServer(coordinator, log)
	uiServer.SetPingInterval(cfg.UIStream.PingInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", uiServer.HandleWebSocket)
	mux.HandleFunc("/health", uiServer.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{Addr: cfg.UIStream.Address, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infow("serving ui stream", "address", cfg.UIStream.Address, "user", userID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ui stream server failed", "error", err)
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Warnw("ui stream shutdown failed", "error", err)
	}
	log.Info("callkitd shut down")
}
