package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	DefaultSpeedMps float64
	MatcherTopN     int

	LogLevel      string
	RunMigrations bool

	// Dispatch / proximity / surge tunables (spec.md §6).
	OfferTTL          time.Duration
	MaxMatchAttempts  int
	DefaultRadiusKm   float64
	PresenceTTL       time.Duration
	SurgeCacheTTL     time.Duration
	DemandCounterTTL  time.Duration
	IdempotencyTTL    time.Duration
	RideLockTTL       time.Duration
	RideRequestTTL    time.Duration
	SurgeMin          float64
	SurgeMax          float64
	SurgeSmoothing    float64
	FareBase          float64
	FarePerKm         float64
	FarePerMinute     float64
	DispatchHardCap   time.Duration
	UpstreamCallTimeout time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		DefaultSpeedMps: 10,
		MatcherTopN:     8,
		LogLevel:        "info",

		OfferTTL:            15 * time.Second,
		MaxMatchAttempts:    5,
		DefaultRadiusKm:     5,
		PresenceTTL:         30 * time.Second,
		SurgeCacheTTL:       60 * time.Second,
		DemandCounterTTL:    300 * time.Second,
		IdempotencyTTL:      86400 * time.Second,
		RideLockTTL:         5 * time.Second,
		RideRequestTTL:      5 * time.Minute,
		SurgeMin:            1.0,
		SurgeMax:            3.0,
		SurgeSmoothing:      0.5,
		FareBase:            2.5,
		FarePerKm:           1.2,
		FarePerMinute:       0.25,
		DispatchHardCap:     2 * time.Second,
		UpstreamCallTimeout: 3 * time.Second,
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setIntFromEnv(&cfg.MaxMatchAttempts, "MAX_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.DefaultRadiusKm, "DEFAULT_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setDurationFromEnv(&cfg.SurgeCacheTTL, "SURGE_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.DemandCounterTTL, "DEMAND_COUNTER_TTL", &errs)
	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setFloatFromEnv(&cfg.SurgeMin, "SURGE_MIN", &errs)
	setFloatFromEnv(&cfg.SurgeMax, "SURGE_MAX", &errs)
	setFloatFromEnv(&cfg.SurgeSmoothing, "SURGE_SMOOTHING", &errs)
	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FarePerMinute, "FARE_PER_MINUTE", &errs)
	setDurationFromEnv(&cfg.DispatchHardCap, "DISPATCH_HARD_CAP", &errs)
	setDurationFromEnv(&cfg.UpstreamCallTimeout, "UPSTREAM_CALL_TIMEOUT", &errs)

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MaxMatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be > 0"))
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
