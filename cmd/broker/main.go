// Command broker runs the document sync broker as a standalone process: it
// wires config, logging, storage, pub/sub, the broker supervisor, the
// WebSocket transport, and the /metrics and /healthz endpoints together,
// then waits for SIGINT/SIGTERM to drain and shut down. It follows the
// teacher's cmd/single/main.go shape (flag overrides, env-driven config,
// automaxprocs, signal-driven graceful shutdown) rather than cmd/multi's
// sharded load-balancer variant, since this module runs one broker per
// process and scales out via additional nodes sharing pub/sub instead of
// additional shards inside one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/docsyncbroker/broker"
	"github.com/adred-codev/docsyncbroker/config"
	"github.com/adred-codev/docsyncbroker/internal/platform"
	"github.com/adred-codev/docsyncbroker/message"
	"github.com/adred-codev/docsyncbroker/metrics"
	"github.com/adred-codev/docsyncbroker/pubsub"
	"github.com/adred-codev/docsyncbroker/storage"
	"github.com/adred-codev/docsyncbroker/storage/memstore"
	"github.com/adred-codev/docsyncbroker/transport/ws"
	"golang.org/x/time/rate"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides BROKER_LOG_LEVEL)")
	flag.Parse()

	startLogger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "bootstrap").Logger()

	cfg, err := config.Load(&startLogger)
	if err != nil {
		startLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	maxProcs := runtime.GOMAXPROCS(0)
	logger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := platform.NewMonitor(logger)
	go monitor.Run(ctx, cfg.MetricsInterval)
	collector := metrics.NewCollector(monitor)
	go sampleForever(ctx, collector, cfg.MetricsInterval)

	ps, err := buildPubSub(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct pub/sub backend")
	}

	store := memstore.New()
	getStorage := func(_ context.Context, _, _ string, _ message.Context) (storage.DocumentStorage, error) {
		return store, nil
	}

	b := broker.New(broker.Config{
		GetStorage:           getStorage,
		PubSub:               ps,
		NodeID:               cfg.NodeID,
		SizeWarningThreshold: cfg.SizeWarningBytes,
		SizeLimit:            cfg.SizeLimitBytes,
		CleanupDelay:         cfg.CleanupDelay,
		DedupeTTL:            cfg.DedupeTTL,
		IngressRate:          rate.Limit(cfg.IngressRate),
		IngressBurst:         cfg.IngressBurst,
		Logger:               logger,
	})
	metrics.Wire(b.Events())

	logger.Info().Str("node_id", b.NodeID()).Msg("broker supervisor started")

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler(b, logger))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", healthz)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening for websocket clients")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("broker listener failed")
		}
	}()

	if cfg.MetricsAddr != cfg.Addr {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("listening for metrics/health")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if cfg.MetricsAddr != cfg.Addr {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err := b.Dispose(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("broker dispose failed")
	}

	logger.Info().Msg("broker shut down cleanly")
}

func buildPubSub(cfg *config.Config, logger zerolog.Logger) (pubsub.PubSub, error) {
	switch config.PubSubBackend(cfg.PubSubBackend) {
	case config.PubSubNATS:
		return pubsub.NewNATS(pubsub.NATSConfig{URL: cfg.NATSURL}, logger)
	case config.PubSubKafka:
		return pubsub.NewKafka(pubsub.KafkaConfig{
			Brokers:       cfg.KafkaBrokerList(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger)
	default:
		return pubsub.NewInMemory(cfg.InMemoryBufferLen, logger), nil
	}
}

func sampleForever(ctx context.Context, c *metrics.Collector, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
