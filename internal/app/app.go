package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib" //для goose миграций
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	httpapi "github.com/shestoi/fulfillment/internal/api/http"
	"github.com/shestoi/fulfillment/internal/client/mpesa"
	"github.com/shestoi/fulfillment/internal/config"
	eventkafka "github.com/shestoi/fulfillment/internal/event/kafka"
	"github.com/shestoi/fulfillment/internal/repository"
	"github.com/shestoi/fulfillment/internal/repository/cache"
	mongorepo "github.com/shestoi/fulfillment/internal/repository/mongo"
	"github.com/shestoi/fulfillment/internal/repository/postgres"
	"github.com/shestoi/fulfillment/internal/service"
	"github.com/shestoi/fulfillment/pkg/logging"
	"github.com/shestoi/fulfillment/pkg/observability"
	"github.com/shestoi/fulfillment/pkg/shutdown"
)

// App содержит все зависимости для запуска и корректного shutdown Fulfillment Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	dispatcher  *eventkafka.OutboxDispatcher
	expiry      *service.AttemptExpiryWorker
	shutdownMgr *shutdown.Manager
	readiness   func() bool
	workersCtx  context.Context
	stopWorkers context.CancelFunc
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости Fulfillment Service
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	// Создаём logger
	logger, err := logging.New(logging.Config{
		ServiceName: "fulfillment",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building Fulfillment service", zap.String("http_addr", cfg.HTTPAddr))

	// OpenTelemetry: traces + metrics, noop если выключено
	otelShutdown, err := observability.Init(context.Background(), observability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "fulfillment",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return nil, err
	}

	// Подключаемся к PostgreSQL
	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connection established")

	// Применяем миграции
	logger.Info("Applying database migrations")
	db, err := goose.OpenDBWithDriver("pgx", cfg.PostgresDSN)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer db.Close()

	wd, err := os.Getwd()
	if err != nil {
		pool.Close()
		return nil, err
	}
	migrationsDir := filepath.Join(wd, "migrations")

	if err := goose.Up(db, migrationsDir); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Database migrations applied successfully")

	// Подключаемся к MongoDB
	logger.Info("Connecting to MongoDB")
	mongoCtx, cancelMongo := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelMongo()

	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := mongoClient.Ping(mongoCtx, nil); err != nil {
		mongoClient.Disconnect(mongoCtx)
		pool.Close()
		return nil, err
	}
	logger.Info("MongoDB connection established")

	// Функция readiness для health check
	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return false
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			return false
		}
		return true
	}
	readiness() // Первая проверка
	logger.Info("Readiness check enabled")

	// Репозитории
	orderRepo := postgres.NewRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	shopRepo := postgres.NewShopRepository(pool)

	var inventoryRepo repository.InventoryRepository = mongorepo.NewInventoryRepository(mongoClient, cfg.MongoDatabase)

	// Redis read-through кэш остатков (опционально)
	var redisClient *redis.Client
	if cfg.CacheEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			// Кэш не критичен: идём напрямую в Mongo
			logger.Warn("Redis unavailable, stock cache disabled", zap.Error(err))
			redisClient.Close()
			redisClient = nil
		} else {
			inventoryRepo = cache.NewInventoryRepository(inventoryRepo, redisClient, cfg.CacheTTL, logger)
			logger.Info("Stock cache enabled", zap.String("redis_addr", cfg.RedisAddr))
		}
	}

	// Клиент платёжного шлюза
	gateway := mpesa.NewClient(
		cfg.GatewayBaseURL,
		cfg.GatewayShortCode,
		cfg.GatewayPasskey,
		cfg.GatewayCallbackURL,
		logger,
	)

	// Service слой
	fulfillmentService := service.NewFulfillmentService(
		logger,
		orderRepo,
		shopRepo,
		inventoryRepo,
		paymentRepo,
		gateway,
		orderRepo,
		service.Options{
			SellerShareBasisPoints: cfg.SellerShareBasisPoints,
		},
	)

	reconciler := service.NewReconciler(logger, paymentRepo, orderRepo, fulfillmentService, cfg.MatchWindow)

	// Фоновые воркеры: expiry попыток оплаты и outbox dispatcher
	expiry := service.NewAttemptExpiryWorker(logger, paymentRepo, cfg.AttemptTTL, cfg.ExpiryInterval)
	dispatcher := eventkafka.NewOutboxDispatcher(
		logger,
		orderRepo,
		cfg.Kafka.Brokers,
		cfg.OutboxBatch,
		cfg.OutboxInterval,
		cfg.OutboxRetries,
		cfg.OutboxBackoff,
	)

	// HTTP слой
	handler := httpapi.NewHandler(logger, fulfillmentService, reconciler)
	router := httpapi.NewRouter(handler, readiness, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())

	// Создаём shutdown manager
	// Функции выполняются в порядке, обратном регистрации:
	// сначала HTTP и воркеры, затем соединения
	shutdownMgr := shutdown.New(cfg.ShutdownTimeout, logger)
	shutdownMgr.Add("observability", otelShutdown)
	shutdownMgr.Add("postgres_pool", shutdown.ClosePool(pool))
	shutdownMgr.Add("mongo_client", shutdown.DisconnectMongo(mongoClient))
	if redisClient != nil {
		shutdownMgr.Add("redis_client", shutdown.CloseCloser(redisClient))
	}
	shutdownMgr.Add("outbox_dispatcher", shutdown.CloseCloser(dispatcher))
	shutdownMgr.Add("background_workers", func(ctx context.Context) error {
		stopWorkers()
		return nil
	})
	shutdownMgr.Add("http_server", shutdown.ShutdownHTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		dispatcher:  dispatcher,
		expiry:      expiry,
		shutdownMgr: shutdownMgr,
		readiness:   readiness,
		workersCtx:  workersCtx,
		stopWorkers: stopWorkers,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer logging.Sync(a.logger)

	a.logger.Info("Starting Fulfillment service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.dispatcher.Start(a.workersCtx); err != nil {
			a.logger.Error("Outbox dispatcher error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.expiry.Start(a.workersCtx); err != nil {
			a.logger.Error("Expiry worker error", zap.Error(err))
		}
	}()

	// Ожидаем сигнал и выполняем shutdown
	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("Fulfillment service stopped")
	return nil
}
