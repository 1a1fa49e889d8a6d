package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directions"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pooling"
	"github.com/example/ride-dispatch/internal/seed"
	"github.com/example/ride-dispatch/internal/storage"
)

// routingProvider answers both full-route directions and per-edge traffic.
type routingProvider interface {
	directions.Provider
	graph.TrafficProvider
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metric, err := geo.MetricByName(cfg.Metric)
	if err != nil {
		return err
	}
	provider, traffic, err := buildProviders(cfg, metric)
	if err != nil {
		return err
	}
	data := seed.LoadOrDefault(cfg.SeedPath, logging.Component(logger, "seed"))

	var (
		stores    storage.Tee
		sinks     []lifecycle.EventSink
		fares     lifecycle.FareHolder
		mirror    *geo.RedisGeo
		locations httpapi.LocationPublisher
		closers   []func() error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		stores = append(stores, pg)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		mirror = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		rs := storage.NewRedisStore(rc, cfg.RedisEndedTTL)
		if n, err := rs.EndOrphans(ctx, time.Now()); err != nil {
			logger.Warn("could not close rides from a previous run", "error", err)
		} else if n > 0 {
			logger.Info("closed rides left active by a previous run", "rides", n)
		}
		stores = append(stores, rs)
	}
	if len(stores) == 0 {
		stores = append(stores, storage.NewMemoryStore())
	}
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewRideEventProducer(cfg.KafkaBrokers, cfg.RideEventTopic)
		pings := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		closers = append(closers, events.Close, pings.Close)
		sinks = append(sinks, events)
		locations = pings
	}
	if cfg.StripeKey != "" {
		fares = payments.NewStripeClient(cfg.StripeKey, cfg.Currency)
	}

	ws := notify.NewWSRegistry()
	hub := &notify.Hub{WS: ws, Logger: logging.Component(logger, "notify")}
	if cfg.WebhookURL != "" {
		hub.Webhook = notify.NewWebhook(cfg.WebhookURL)
	}
	sinks = append(sinks, hub)

	deps := engine.Deps{
		Config: engine.Config{
			Pool: pooling.Config{
				MaxWait:        cfg.PoolWait,
				Radius:         cfg.PoolRadius,
				Slack:          cfg.PoolSlack,
				MinutesPerUnit: cfg.MinutesPerUnit,
			},
			SweepInterval:   cfg.SweepInterval,
			TrafficInterval: cfg.TrafficInterval,
			TrafficTimeout:  cfg.ProviderTimeout,
		},
		Graph:     data.Graph,
		Matcher:   matcher.New(metric, cfg.DefaultSpeedKph, cfg.UnitsPerKm),
		Estimator: pooling.DirectionsEstimator{Provider: provider, Timeout: cfg.ProviderTimeout},
		Metric:    metric,
		Traffic:   traffic,
		Rides: lifecycle.Deps{
			Router: &lifecycle.Router{
				Graph:      data.Graph,
				Nodes:      geo.NewNodeIndex(data.Graph.Nodes(), metric),
				Directions: provider,
				Timeout:    cfg.ProviderTimeout,
				Name:       cfg.DirectionsProvider,
			},
			Policy:          cfg.Pricing(),
			Sinks:           sinks,
			Fares:           fares,
			RefreshInterval: cfg.RefreshInterval,
		},
		Store:  stores,
		Logger: logger,
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	eng := engine.New(deps)
	defer eng.Close()

	if err := loadRoster(ctx, eng, data, mirror, logger); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, ws, locations, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "directions", cfg.DirectionsProvider, "drivers", len(eng.Drivers()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-engineDone
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stop()
	<-engineDone
	return nil
}

func buildProviders(cfg config.ServerConfig, metric geo.Metric) (directions.Provider, graph.TrafficProvider, error) {
	var p routingProvider
	switch cfg.DirectionsProvider {
	case "google":
		g, err := directions.NewGoogleMaps(cfg.GoogleMapsKey, cfg.GoogleMapsRegion)
		if err != nil {
			return nil, nil, err
		}
		p = g
	case "osrm":
		p = directions.NewOSRMClient(cfg.OSRMEndpoint)
	default:
		// Offline mode: straight-line estimates and a fixed traffic table.
		return directions.Estimator{SpeedKph: cfg.DefaultSpeedKph, Metric: metric}, directions.DemoMultipliers(), nil
	}
	return p, directions.CachedTraffic{Next: p, Cache: directions.NewCache(cfg.TrafficCacheTTL)}, nil
}

// loadRoster registers seeded riders and drivers, then overlays whatever the
// redis mirror remembers from a previous run or from the location consumer.
func loadRoster(ctx context.Context, eng *engine.Engine, data seed.Dataset, mirror *geo.RedisGeo, logger *slog.Logger) error {
	for _, u := range data.Users {
		if err := eng.AddUser(u); err != nil {
			return err
		}
	}
	for _, d := range data.Drivers {
		if _, err := eng.UpsertDriver(ctx, d); err != nil {
			return err
		}
	}
	if mirror == nil {
		return nil
	}
	drivers, err := mirror.Load(ctx)
	if err != nil {
		logger.Warn("driver mirror unavailable, using seed roster", "error", err)
		return nil
	}
	for _, d := range drivers {
		if _, err := eng.UpsertDriver(ctx, d); err != nil {
			logger.Warn("skipping mirrored driver", "driver_id", d.ID, "error", err)
		}
	}
	logger.Info("roster restored from redis", "drivers", len(drivers))
	return nil
}
