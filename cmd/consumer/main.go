package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch_consumer",
		Name:      "messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch_consumer",
		Name:      "messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	mirrorUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch_consumer",
		Name:      "mirror_updates_total",
		Help:      "Total successful driver mirror updates",
	})
	mirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch_consumer",
		Name:      "mirror_errors_total",
		Help:      "Total driver mirror updates that exhausted their retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, mirrorUpdates, mirrorErrors)
}

// DriverUpserter is the slice of the redis driver mirror the consumer needs.
type DriverUpserter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel, cfg.LogFormat), "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.LocationTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		if err := updateWithRetry(ctx, mirror, d, cfg.Attempts, cfg.RetryDelay); err != nil {
			mirrorErrors.Inc()
			logger.Error("driver mirror update failed", "driver_id", d.ID, "error", err)
			continue
		}
		mirrorUpdates.Inc()
	}
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// decodeLocation parses one driver ping and rejects pings that would corrupt
// the mirror.
func decodeLocation(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return models.Driver{}, err
	}
	if err := models.ValidateID("driver", d.ID); err != nil {
		return models.Driver{}, err
	}
	if err := models.ValidateCoord(d.Loc); err != nil {
		return models.Driver{}, err
	}
	return d, nil
}

// updateWithRetry doubles the delay after each failed attempt.
func updateWithRetry(ctx context.Context, m DriverUpserter, d models.Driver, attempts int, delay time.Duration) error {
	var errs []error
	for i := 0; i < attempts; i++ {
		err := m.Upsert(ctx, d)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
