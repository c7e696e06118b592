package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fmair/internal/config"
	"fmair/internal/device"
	"fmair/internal/logging"
	"fmair/internal/metrics"
	"fmair/internal/queue"
	"fmair/internal/sampler"
	"fmair/internal/state"
	"fmair/internal/store"
	"fmair/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "client-main").Logger()

	metrics.Register()

	deviceID, err := device.Identity(cfg.Device.IdentityFile)
	if err != nil {
		return err
	}
	logger.Info().Str("device_id", deviceID).Msg("device identity loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueLogger := baseLogger.With().Str("component", "queue").Logger()
	q, err := queue.Open(cfg.Queue.Path, &queueLogger)
	if err != nil {
		// Running without durable storage would silently lose readings.
		return err
	}
	defer q.Close()

	recovered, err := q.RecoverOnStartup(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info().Int64("entries", recovered).Msg("queue recovery complete")
	}

	storeLogger := baseLogger.With().Str("component", "store").Logger()
	remote, err := store.New(cfg.MySQL, &storeLogger)
	if err != nil {
		return err
	}
	defer remote.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.MySQL.ConnectTimeout())
	if err := remote.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("remote store unreachable at startup, delivery will retry")
	} else if err := remote.EnsureSchema(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("could not ensure remote schema")
	}
	cancel()

	snapshot := state.Load(cfg.Sync.StatePath)
	if snap := snapshot.Snapshot(); snap.TotalDelivered > 0 {
		logger.Info().
			Int64("last_acked_sequence", snap.LastAckedSequence).
			Int64("total_delivered", snap.TotalDelivered).
			Msg("delivery progress restored")
	}

	compactor := queue.NewCompactor(q, cfg.Queue.CompactInterval(), cfg.Queue.Retention(), &queueLogger)
	go compactor.Start(ctx)

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	if cfg.Sampling.FeedPath != "" {
		source := sampler.NewFileSource(cfg.Sampling.FeedPath)
		defer source.Close()
		samplerLogger := baseLogger.With().Str("component", "sampler").Logger()
		samp := sampler.New(source, q, cfg.Sampling.Interval(), &samplerLogger)
		go samp.Run(ctx)
	} else {
		logger.Warn().Msg("no sensor feed configured, draining existing backlog only")
	}

	engineLogger := baseLogger.With().Str("component", "syncer").Logger()
	engine := syncer.New(q, remote, snapshot, syncer.Options{
		DeviceID:      deviceID,
		BatchMaxCount: cfg.Sync.BatchMaxCount,
		BatchMaxBytes: cfg.Sync.BatchMaxBytes,
		IdleInterval:  cfg.Sync.IdleInterval(),
		WriteTimeout:  cfg.Sync.WriteTimeout(),
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Retry: syncer.RetryPolicy{
			InitialDelay:  cfg.Sync.InitialDelay(),
			MaxDelay:      cfg.Sync.MaxDelay(),
			BackoffFactor: cfg.Sync.BackoffFactor,
		},
		WriteRPS:   cfg.Sync.WriteRPS,
		WriteBurst: cfg.Sync.WriteBurst,
		StatusPoll: cfg.Sync.StatusPoll(),
		StatusGate: cfg.Sync.StatusGateEnabled,
	}, &engineLogger)

	return engine.Run(ctx)
}

func serveMetrics(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", port).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics endpoint error")
	}
}
