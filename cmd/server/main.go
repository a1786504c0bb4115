package main

import (
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/config"
	"github.com/ridecore/dispatch/internal/dispatch"
	"github.com/ridecore/dispatch/internal/eta"
	"github.com/ridecore/dispatch/internal/eventbus"
	"github.com/ridecore/dispatch/internal/geo"
	httpapi "github.com/ridecore/dispatch/internal/http"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/kv"
	"github.com/ridecore/dispatch/internal/logging"
	"github.com/ridecore/dispatch/internal/payments"
	"github.com/ridecore/dispatch/internal/storage"
	"github.com/ridecore/dispatch/internal/surge"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var geoIndex geo.Index
	var kvStore kv.Store
	if redisClient != nil {
		geoIndex = geo.NewRedisIndex(redisClient, cfg.PresenceTTL)
		kvStore = kv.NewRedisStore(redisClient)
	} else {
		logger.Warn("REDIS_ADDR not set, running with in-memory geo index and kv store")
		geoIndex = geo.NewMemoryIndex(cfg.PresenceTTL)
		kvStore = kv.NewMemoryStore()
	}

	var eventPublisher eventbus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		eventPublisher = eventbus.NewKafkaPublisher(cfg.KafkaBrokers)
	} else {
		logger.Warn("KAFKA_BROKERS not set, events will only be logged")
		eventPublisher = &eventbus.LoggingPublisher{Logger: logger}
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres connect error: %v", err)
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, running with in-memory ride/offer storage")
		store = storage.NewMemoryStore()
	}

	surgeEngine := surge.New(geoIndex, kvStore, eventPublisher, cfg.SurgeMin, cfg.SurgeMax, cfg.SurgeSmoothing, cfg.SurgeCacheTTL, cfg.DemandCounterTTL)
	idempotencyStore := idempotency.New(kvStore, cfg.IdempotencyTTL)

	var paymentHolder dispatch.PaymentHolder
	if os.Getenv("STRIPE_API_KEY") != "" {
		paymentHolder = payments.NewStripeClient()
	}

	var etaClient eta.Client
	var etaCache *eta.Cache
	if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		etaClient = eta.NewOSRMClient(endpoint)
		etaCache = eta.NewCache(5 * time.Minute)
	}

	wsNotifier := dispatch.NewWSNotifier(logger)
	var notifier dispatch.OfferNotifier = wsNotifier
	if fcmEndpoint := os.Getenv("FCM_ENDPOINT"); fcmEndpoint != "" {
		notifier = &dispatch.FallbackNotifier{WS: wsNotifier, FCM: dispatch.NewFCMNotifier(fcmEndpoint, os.Getenv("FCM_KEY"))}
	}

	engine := &dispatch.Engine{
		Store:            store,
		Geo:              geoIndex,
		KV:               kvStore,
		Surge:            surgeEngine,
		Idempotency:      idempotencyStore,
		Events:           eventPublisher,
		Notifier:         notifier,
		ETAClient:        etaClient,
		ETACache:         etaCache,
		Payments:         paymentHolder,
		Logger:           logger,
		OfferTTL:         cfg.OfferTTL,
		MaxMatchAttempts: cfg.MaxMatchAttempts,
		DefaultRadiusKm:  cfg.DefaultRadiusKm,
		RideLockTTL:      cfg.RideLockTTL,
		RideRequestTTL:   cfg.RideRequestTTL,
		FareBase:         cfg.FareBase,
		FarePerKm:        cfg.FarePerKm,
		FarePerMinute:    cfg.FarePerMinute,
		DispatchHardCap:  cfg.DispatchHardCap,
	}

	srv := httpapi.NewServer(engine, geoIndex, surgeEngine, wsNotifier, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_create_tables.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_tables.sql")
}
