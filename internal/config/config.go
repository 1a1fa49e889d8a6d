package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	RedisEndedTTL  time.Duration
	KafkaBrokers   []string
	LocationTopic  string
	RideEventTopic string
	PGDSN          string
	StripeKey      string
	Currency       string
	WebhookURL     string

	SeedPath string
	Metric   string

	DirectionsProvider string
	GoogleMapsKey      string
	GoogleMapsRegion   string
	OSRMEndpoint       string
	ProviderTimeout    time.Duration
	TrafficInterval    time.Duration
	TrafficCacheTTL    time.Duration

	DefaultSpeedKph float64
	UnitsPerKm      float64

	PoolWait       time.Duration
	PoolRadius     float64
	PoolSlack      float64
	MinutesPerUnit float64
	SweepInterval  time.Duration

	RefreshInterval time.Duration

	BaseFare       float64
	PerKm          float64
	PerMinute      float64
	HighDemand     int
	LowDemand      int
	SurgeFactor    float64
	DiscountFactor float64

	LogLevel      string
	LogFormat     string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		RedisEndedTTL:      24 * time.Hour,
		LocationTopic:      "driver-locations",
		RideEventTopic:     "ride-events",
		Currency:           "inr",
		Metric:             "haversine",
		DirectionsProvider: "estimator",
		GoogleMapsRegion:   "in",
		ProviderTimeout:    3 * time.Second,
		TrafficInterval:    time.Minute,
		TrafficCacheTTL:    30 * time.Second,
		DefaultSpeedKph:    30,
		UnitsPerKm:         1,
		PoolWait:           5 * time.Minute,
		PoolRadius:         2,
		PoolSlack:          0.2,
		MinutesPerUnit:     2,
		RefreshInterval:    30 * time.Second,
		BaseFare:           50,
		PerKm:              10,
		PerMinute:          2,
		HighDemand:         10,
		LowDemand:          2,
		SurgeFactor:        1.5,
		DiscountFactor:     0.8,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RedisEndedTTL, "REDIS_ENDED_RIDE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.RideEventTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "FARE_CURRENCY")
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	cfg.SeedPath = strings.TrimSpace(os.Getenv("SEED_PATH"))
	if v := os.Getenv("DISTANCE_METRIC"); v != "" {
		cfg.Metric = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("DIRECTIONS_PROVIDER"); v != "" {
		cfg.DirectionsProvider = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.GoogleMapsRegion, "GOOGLE_MAPS_REGION")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ProviderTimeout, "PROVIDER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TrafficInterval, "TRAFFIC_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TrafficCacheTTL, "TRAFFIC_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedKph, "MATCHER_DEFAULT_SPEED_KPH", &errs)
	setFloatFromEnv(&cfg.UnitsPerKm, "MATCHER_UNITS_PER_KM", &errs)

	setDurationFromEnv(&cfg.PoolWait, "POOL_WAIT", &errs)
	setFloatFromEnv(&cfg.PoolRadius, "POOL_RADIUS", &errs)
	setFloatFromEnv(&cfg.PoolSlack, "POOL_SLACK", &errs)
	setFloatFromEnv(&cfg.MinutesPerUnit, "POOL_MINUTES_PER_UNIT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "POOL_SWEEP_INTERVAL", &errs)

	setDurationFromEnv(&cfg.RefreshInterval, "REFRESH_INTERVAL", &errs)

	setFloatFromEnv(&cfg.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.PerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.PerMinute, "FARE_PER_MINUTE", &errs)
	setIntFromEnv(&cfg.HighDemand, "FARE_HIGH_DEMAND", &errs)
	setIntFromEnv(&cfg.LowDemand, "FARE_LOW_DEMAND", &errs)
	setFloatFromEnv(&cfg.SurgeFactor, "FARE_SURGE_FACTOR", &errs)
	setFloatFromEnv(&cfg.DiscountFactor, "FARE_DISCOUNT_FACTOR", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.DirectionsProvider {
	case "estimator":
	case "google":
		if c.GoogleMapsKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required for DIRECTIONS_PROVIDER=google"))
		}
	case "osrm":
		if c.OSRMEndpoint == "" {
			errs = append(errs, fmt.Errorf("OSRM_ENDPOINT is required for DIRECTIONS_PROVIDER=osrm"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIRECTIONS_PROVIDER must be estimator, google or osrm, got %q", c.DirectionsProvider))
	}
	if c.Metric != "haversine" && c.Metric != "planar" {
		errs = append(errs, fmt.Errorf("DISTANCE_METRIC must be haversine or planar, got %q", c.Metric))
	}
	if c.PoolRadius < 0 || c.PoolSlack < 0 || c.MinutesPerUnit <= 0 {
		errs = append(errs, fmt.Errorf("POOL_RADIUS and POOL_SLACK must be >= 0 and POOL_MINUTES_PER_UNIT > 0"))
	}
	if c.DefaultSpeedKph <= 0 || c.UnitsPerKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_KPH and MATCHER_UNITS_PER_KM must be > 0"))
	}
	if c.RefreshInterval < 0 || c.TrafficInterval < 0 || c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("intervals must not be negative"))
	}
	if err := c.Pricing().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fare settings: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errs
}

// Pricing returns the fare policy described by the FARE_* settings.
func (c ServerConfig) Pricing() pricing.Policy {
	return pricing.Policy{
		BaseFare:       c.BaseFare,
		PerKm:          c.PerKm,
		PerMinute:      c.PerMinute,
		HighDemand:     c.HighDemand,
		LowDemand:      c.LowDemand,
		SurgeFactor:    c.SurgeFactor,
		DiscountFactor: c.DiscountFactor,
	}
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	LocationTopic string
	GroupID       string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
	LogFormat     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		LocationTopic: "driver-locations",
		GroupID:       "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		Attempts:      3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
		LogFormat:     "json",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
