// Точка входа Migration Manager — сервис сверки и применения миграций переводов.
// Загружает конфигурацию, применяет миграции схемы, подключается к PostgreSQL
// и хранилищу снимков, создаёт сервисный слой, запускает фоновые задачи
// (очередь применения, периодическая сверка, reaper, topologymetrics)
// и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/upengage/transmigrate/internal/api/handlers"
	"github.com/upengage/transmigrate/internal/api/middleware"
	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/config"
	"github.com/upengage/transmigrate/internal/database"
	"github.com/upengage/transmigrate/internal/repository"
	"github.com/upengage/transmigrate/internal/server"
	"github.com/upengage/transmigrate/internal/service"
)

const readinessTimeout = 3 * time.Second

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Migration Manager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	if os.Getenv("TM_DEPHEALTH_GROUP") == "" {
		logger.Warn("TM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Хранилище снимков
	store, err := blobstore.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища снимков", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Repositories
	migrationRepo := repository.NewMigrationRepository(pool)
	translationRepo := repository.NewTranslationRepository(pool)
	transactor := repository.NewTransactor(pool)

	// 7. Services
	applySvc := service.NewApplyService(migrationRepo, translationRepo, transactor, store, logger)
	dispatcher := service.NewDispatcher(applySvc, cfg.QueueName, cfg.Workers, cfg.QueueSize, logger)
	reconcileSvc := service.NewReconcileService(migrationRepo, store, dispatcher, service.ReconcileConfig{
		Interval:    cfg.ReconcileInterval,
		MinInterval: cfg.ReconcileMinInterval,
		AutoProcess: cfg.ReconcileAutoProcess,
	}, logger)
	querySvc := service.NewQueryService(migrationRepo, store, applySvc, dispatcher, logger)
	reaper := service.NewReaper(migrationRepo, cfg.StuckTimeout, cfg.ReaperInterval, logger)

	// 8. JWT middleware и readiness checkers
	var (
		jwtAuth     *middleware.JWTAuth
		jwksChecker handlers.ReadinessChecker
	)
	if cfg.JWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTConfig{
			JWKSURL:         cfg.JWKSURL,
			CACertPath:      cfg.JWKSCACertPath,
			Issuer:          cfg.JWTIssuer,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		checker, err := middleware.NewJWKSReadinessChecker(cfg.JWKSURL, cfg.JWKSCACertPath, readinessTimeout)
		if err != nil {
			logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
			os.Exit(1)
		}
		jwksChecker = checker
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("TM_JWKS_URL не задан, API доступно без аутентификации")
	}

	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		blobstore.NewReadinessChecker(store, readinessTimeout),
		jwksChecker,
	)

	// 9. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		querySvc,
		applySvc,
		reconcileSvc,
		reaper,
		dispatcher,
		logger,
	)

	// 10. Запуск фоновых задач
	dispatcher.Start(ctx)
	reconcileSvc.Start(ctx)
	reaper.Start(ctx)

	// 10.1 topologymetrics — мониторинг зависимостей (PostgreSQL + S3 endpoint)
	s3Endpoint := ""
	if cfg.BlobBackend == config.BlobBackendS3 {
		s3Endpoint = cfg.S3Endpoint
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "translation-migrations",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseURL(),
		S3Endpoint:    s3Endpoint,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	}

	// 11. HTTP-сервер (блокируется до сигнала завершения)
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	runErr := srv.Run(ctx)

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	reconcileSvc.Stop()
	reaper.Stop()
	dispatcher.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Migration Manager остановлен")
}
