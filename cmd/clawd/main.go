package main

import (
	"context"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ferdiboxman/402claw-sub000/internal/accounts"
	"github.com/ferdiboxman/402claw-sub000/internal/analytics"
	"github.com/ferdiboxman/402claw-sub000/internal/directory"
	"github.com/ferdiboxman/402claw-sub000/internal/dispatcher"
	"github.com/ferdiboxman/402claw-sub000/internal/ledger"
	"github.com/ferdiboxman/402claw-sub000/internal/payments"
	"github.com/ferdiboxman/402claw-sub000/internal/ratelimit"
	"github.com/ferdiboxman/402claw-sub000/internal/registry"
	"github.com/ferdiboxman/402claw-sub000/internal/usage"
	"github.com/ferdiboxman/402claw-sub000/pkg/config"
	"github.com/ferdiboxman/402claw-sub000/pkg/database"
	"github.com/ferdiboxman/402claw-sub000/pkg/kafka"
	"github.com/ferdiboxman/402claw-sub000/pkg/logging"
	"github.com/ferdiboxman/402claw-sub000/pkg/monitoring"
	pkgredis "github.com/ferdiboxman/402claw-sub000/pkg/redis"
	"github.com/ferdiboxman/402claw-sub000/pkg/server"
	"github.com/ferdiboxman/402claw-sub000/pkg/version"
)

const serviceName = "clawd"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	ctx := context.Background()

	// Registry backend: file for single-instance, postgres for shared
	var store registry.Store
	var pgConn database.PostgresConn
	switch backend := config.GetEnv("REGISTRY_BACKEND", "file"); backend {
	case "postgres":
		dbCfg := database.DefaultConfig()
		dbCfg.URL = config.RequireEnv("DATABASE_URL")
		pgConn = database.MustConnect(dbCfg, logger)
		pgStore, err := registry.NewPostgresStore(ctx, pgConn)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize postgres registry")
		}
		store = pgStore
	case "file":
		fileStore, err := registry.NewFileStore(config.GetEnv("REGISTRY_DIR", "./data"))
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize file registry")
		}
		store = fileStore
	default:
		logger.Fatalf("unknown REGISTRY_BACKEND %q", backend)
	}
	reg := registry.New(store)

	// Tenant directory: registry document first, seed file as fallback
	dir := directory.New(config.GetEnv("ROUTE_PATH_PREFIX", "api"), logger)
	if data, err := reg.LoadDirectoryDocument(ctx); err == nil {
		if err := dir.LoadJSON(data); err != nil {
			logger.WithError(err).Fatal("Failed to load tenant directory from registry")
		}
	} else if seedFile := config.GetEnv("TENANT_DIRECTORY_FILE", ""); seedFile != "" {
		data, err := os.ReadFile(seedFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read tenant directory seed file")
		}
		if err := dir.LoadJSON(data); err != nil {
			logger.WithError(err).Fatal("Failed to load tenant directory seed")
		}
	} else {
		logger.Warn("Starting with an empty tenant directory")
	}

	// Counter store: shared redis when configured, else in-process
	var counterStore ratelimit.CounterStore
	var redisClient *goredis.Client
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		client, err := pkgredis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to redis")
		}
		redisClient = client
		counterStore = ratelimit.NewRedisStore(client, serviceName)
		logger.Info("Rate limiting backed by redis")
	} else {
		memStore := ratelimit.NewMemoryStore()
		counterStore = memStore
		go func() {
			for range time.Tick(time.Minute) {
				memStore.Sweep()
			}
		}()
		logger.Info("Rate limiting backed by in-process counters")
	}
	enforcer := ratelimit.NewEnforcer(counterStore, logger)

	// Payment verifier: facilitator chain in production, local fallback only
	// when explicitly enabled
	var verifier payments.PaymentVerifier
	if raw := config.GetEnv("FACILITATOR_URLS", ""); raw != "" {
		chain, err := payments.NewFacilitatorChain(payments.FacilitatorConfig{
			URLs:           strings.Split(raw, ","),
			APIKey:         config.GetEnv("FACILITATOR_API_KEY", ""),
			AttemptTimeout: config.GetEnvDuration("FACILITATOR_TIMEOUT", 10*time.Second),
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure facilitator chain")
		}
		verifier = chain
	} else if config.GetEnvBool("PAYMENT_LOCAL_FALLBACK", false) {
		verifier = payments.NewLocalVerifier(logger)
		logger.Warn("No facilitator configured, using local payment verification")
	} else {
		logger.Warn("No payment verifier configured, paid tenants will reject all payments")
	}

	// Usage sinks are optional and best-effort
	var sinks []usage.Sink
	var kafkaProducer *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), serviceName, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka producer")
		}
		kafkaProducer = producer
		defer producer.Close()
		sinks = append(sinks, usage.NewKafkaSink(producer, config.GetEnv("KAFKA_USAGE_TOPIC", "usage_events")))
	}
	if addr := config.GetEnv("CLICKHOUSE_ADDR", ""); addr != "" {
		chCfg := database.DefaultClickHouseConfig()
		chCfg.Addr = strings.Split(addr, ",")
		chCfg.Database = config.GetEnv("CLICKHOUSE_DATABASE", "default")
		chCfg.Username = config.GetEnv("CLICKHOUSE_USERNAME", "default")
		chCfg.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
		conn := database.MustConnectClickHouseNative(chCfg, logger)
		sinks = append(sinks, usage.NewClickHouseSink(conn, config.GetEnv("CLICKHOUSE_USAGE_TABLE", "usage_events"), logger))
	}

	pipeline := usage.NewPipeline(config.GetEnvInt("USAGE_MAX_EVENTS", usage.DefaultMaxEvents), logger, sinks...)
	engine := analytics.NewEngine(pipeline)

	// Ledger persists through the registry and restores prior state at boot
	led := ledger.New(registry.NewLedgerPersister(reg), logger)
	if state, err := reg.LoadPlatformState(ctx); err == nil {
		led.LoadState(ledger.State{Entries: state.Ledger, Withdrawals: state.Withdrawals})
	} else {
		logger.WithError(err).Fatal("Failed to load platform state")
	}

	// Withdrawal settlement batch
	settleEvery := config.GetEnvDuration("WITHDRAWAL_SETTLE_INTERVAL", 5*time.Minute)
	go func() {
		for range time.Tick(settleEvery) {
			if _, _, err := led.ProcessPendingWithdrawals(context.Background()); err != nil {
				logger.WithError(err).Error("Withdrawal settlement batch failed")
			}
		}
	}()

	metrics := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	health := monitoring.NewHealthChecker(serviceName, version.Version)
	if pgConn != nil {
		health.AddCheck("postgres", monitoring.DatabaseHealthCheck(pgConn))
	}
	if redisClient != nil {
		health.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	if kafkaProducer != nil {
		health.AddCheck("kafka", monitoring.KafkaHealthCheck(kafkaProducer.GetClient()))
	}

	// Accounts share the platform document with the ledger persister; both
	// write through the registry's single update point
	accountsSvc := accounts.NewService(reg, logger)

	d := dispatcher.New(dispatcher.Config{
		Directory: dir,
		Enforcer:  enforcer,
		Verifier:  verifier,
		Keys:      accountsSvc,
		Pipeline:  pipeline,
		Ledger:    led,
		Forwarder: dispatcher.NewHTTPForwarder(config.GetEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)),
		Metrics:   dispatcher.NewMetrics(metrics),
		Logger:    logger,
	})

	router := server.SetupRouter(logger, serviceName)
	router.Use(metrics.MetricsMiddleware())
	router.GET("/metrics", metrics.Handler())
	router.GET("/healthz", health.Handler())

	dispatcher.RegisterRoutes(router, d, engine, pipeline, dispatcher.PlatformConfig{
		ServiceName:  serviceName,
		Token:        config.GetEnv("PLATFORM_TOKEN", ""),
		JWTSecret:    []byte(config.GetEnv("PLATFORM_JWT_SECRET", "")),
		PublicEvents: config.GetEnvBool("PLATFORM_EVENTS_PUBLIC", false),
		DefaultTopN:  config.GetEnvInt("ANALYTICS_TOP_N", 10),
	})

	if err := server.Start(server.DefaultConfig(serviceName, "8402"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}
