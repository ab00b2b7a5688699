package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/utafrali/checkoutflow/internal/address"
	"github.com/utafrali/checkoutflow/internal/cart"
	"github.com/utafrali/checkoutflow/internal/config"
	"github.com/utafrali/checkoutflow/internal/event"
	"github.com/utafrali/checkoutflow/internal/flow"
	handler "github.com/utafrali/checkoutflow/internal/handler/http"
	"github.com/utafrali/checkoutflow/internal/ledger"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	"github.com/utafrali/checkoutflow/internal/payment/gateway/httpgateway"
	"github.com/utafrali/checkoutflow/internal/payment/gateway/mock"
	"github.com/utafrali/checkoutflow/internal/pricing"
	"github.com/utafrali/checkoutflow/internal/repository/postgres"
	redisrepo "github.com/utafrali/checkoutflow/internal/repository/redis"
	"github.com/utafrali/checkoutflow/internal/service"
	"github.com/utafrali/checkoutflow/internal/shipping"
	"github.com/utafrali/checkoutflow/migrations"
	"github.com/utafrali/checkoutflow/pkg/database"
	"github.com/utafrali/checkoutflow/pkg/health"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
	pkgkafka "github.com/utafrali/checkoutflow/pkg/kafka"
	"github.com/utafrali/checkoutflow/pkg/middleware"
	"github.com/utafrali/checkoutflow/pkg/tracing"
)

const serviceName = "checkout"

// App wires together all dependencies and runs the checkout service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *goredis.Client
	producer       *pkgkafka.Producer
	checkout       *service.CheckoutService
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
	sweeper        sync.WaitGroup
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, serviceName)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Redis for the submission guard.
	redisClient, err := database.NewRedisClient(ctx, database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)))

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Downstream clients. Cart reads may be retried; payment calls are not
	// retried by the transport because the orchestrator owns charge retries.
	cbCfg := func(name string) httpclient.CircuitBreakerConfig {
		cb := httpclient.DefaultCircuitBreakerConfig(name)
		cb.MaxRequests = cfg.CBMaxRequests
		cb.Interval = time.Duration(cfg.CBInterval) * time.Second
		cb.Timeout = time.Duration(cfg.CBTimeout) * time.Second
		cb.FailureRatio = cfg.CBFailureRatio
		cb.MinRequests = cfg.CBMinRequests
		return cb
	}

	cartHTTP := httpclient.DefaultConfig()
	cartHTTP.Timeout = 5 * time.Second
	cartHTTP.MaxRetries = 2
	cartHTTP.RetryWaitMin = 200 * time.Millisecond
	cartHTTP.RetryWaitMax = 2 * time.Second
	cartClient := httpclient.NewCircuitBreakerClient(httpclient.New(cartHTTP), cbCfg("checkout-cart"), logger).
		WithFallback(cart.CircuitOpenFallback)

	gw, err := newGateway(cfg, cbCfg("checkout-payment"), logger)
	if err != nil {
		_ = redisClient.Close()
		pool.Close()
		return nil, err
	}
	logger.Info("payment gateway initialized",
		slog.String("gateway", gw.Name()),
		slog.Bool("idempotency", gw.SupportsIdempotency()),
	)

	// Build the dependency graph.
	discounts := postgres.NewDiscountRepository(pool)
	giftCards := postgres.NewGiftCardRepository(pool)
	validator := address.NewValidator(address.DefaultRules())
	registry := payment.NewRegistry(gw)

	checkoutService := service.NewCheckoutService(service.Dependencies{
		Sessions:  postgres.NewSessionRepository(pool),
		Orders:    postgres.NewOrderRepository(pool),
		Guard:     redisrepo.NewSubmissionGuard(redisClient),
		Carts:     cart.NewHTTPProvider(cartClient, cfg.CartServiceURL, logger),
		Shipping:  shipping.NewTableProvider(cfg.ShippingRates, cfg.FreeShippingThreshold),
		Addresses: validator,
		Ledger:    ledger.New(discounts, giftCards, cfg.GiftCardHoldTTL(), logger),
		Calc:      pricing.NewCalculator(pricing.NewTaxTable(cfg.TaxRatesBps, cfg.DefaultTaxRateBps)),
		Machine:   flow.NewMachine(validator, registry, flow.WithTransitionObserver(service.ObserveTransition)),
		Payments:  registry,
		Events:    event.NewProducer(producer, logger),
	}, service.Options{
		SessionTTL:        cfg.SessionTTL(),
		ChargeTimeout:     cfg.ChargeTimeout(),
		MaxChargeAttempts: cfg.PaymentMaxChargeAttempts,
		RetryInterval:     time.Duration(cfg.PaymentRetryIntervalMs) * time.Millisecond,
		LockTTL:           cfg.SubmissionLockTTL(),
		SweepBatchSize:    cfg.ExpirySweepBatchSize,
		StrictConsistency: cfg.Strict(),
	}, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.CORSAllowedOrigins
	router := handler.NewRouter(checkoutService, healthHandler, handler.RouterConfig{
		ServiceName: serviceName,
		CORS:        corsCfg,
		RateLimit: middleware.RateLimitConfig{
			RPS:       cfg.RateLimitRPS,
			Burst:     cfg.RateLimitBurst,
			KeyHeader: "X-User-ID",
		},
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.ChargeTimeout()*time.Duration(cfg.PaymentMaxChargeAttempts) + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		checkout:       checkoutService,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// newGateway selects the payment gateway backend.
func newGateway(cfg *config.Config, cb httpclient.CircuitBreakerConfig, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.PaymentGateway {
	case config.GatewayMock:
		return mock.New(mock.WithIdempotency(cfg.PaymentIdempotencySupported)), nil
	case config.GatewayHTTP:
		payHTTP := httpclient.DefaultConfig()
		payHTTP.Timeout = cfg.ChargeTimeout()
		payHTTP.MaxRetries = 0
		client := httpclient.NewCircuitBreakerClient(httpclient.New(payHTTP), cb, logger)
		return httpgateway.New(client, cfg.PaymentServiceURL, cfg.PaymentIdempotencySupported, logger), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", cfg.PaymentGateway)
	}
}

// Run starts the HTTP server and the expiry sweeper and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	a.sweeper.Add(1)
	go func() {
		defer a.sweeper.Done()
		a.runExpirySweep(sweepCtx)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		stopSweep()
		a.sweeper.Wait()
		return err
	}

	stopSweep()
	return a.Shutdown()
}

// runExpirySweep periodically expires stale sessions, settles stuck
// submissions and releases lapsed gift card holds.
func (a *App) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ExpirySweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.checkout.ExpireStaleSessions(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("expiry sweep error", slog.String("error", err.Error()))
			}
		}
	}
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests, including submissions)
// 2. Expiry sweeper
// 3. Tracer (flush pending spans from drained requests)
// 4. Kafka producer
// 5. Redis client
// 6. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Wait for a sweep in progress to finish.
	a.sweeper.Wait()

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producer.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close Redis client.
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 6. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
