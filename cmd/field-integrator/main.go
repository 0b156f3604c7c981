// Точка входа Field Integrator — сервис синхронизации полей Airtable → Loops.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиенты внешних API и сервисный слой, запускает фоновые задачи
// (сверка источников, планировщик опросов, обработчик outbox, очистка,
// topologymetrics), HTTP-сервер с health, метриками и admin API и выполняет
// graceful shutdown.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/airtable"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/handlers"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/middleware"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/openapi"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/broker"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/config"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/database"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/extraction"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ignore"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/loops"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ratelimit"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/server"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// Повторы временных ошибок внутри одного вызова внешнего API.
// Длительные сбои обрабатываются планировщиком и outbox.
const (
	clientMaxRetries = 3
	clientBackoffMax = 30 * time.Second
)

func main() {
	// 0. Необязательный .env для локального запуска
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Ошибка чтения .env", slog.String("error", err.Error()))
	}

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Field Integrator запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("FI_DEPHEALTH_GROUP") == "" {
		logger.Warn("FI_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Rate limiter внешних API
	store, closeStore, err := ratelimit.NewStore(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("Ошибка создания хранилища rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	limiter, err := ratelimit.NewLimiter(store, ratelimit.RulesFromConfig(cfg), logger)
	if err != nil {
		logger.Error("Ошибка создания rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Клиенты внешних API
	airtableClient := airtable.New(airtable.Options{
		BaseURL:    cfg.AirtableAPIURL,
		Token:      cfg.AirtableToken,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: clientMaxRetries,
		Backoff:    remote.Backoff{Base: time.Second, Max: clientBackoffMax},
		Limiter:    limiter,
	}, logger)

	loopsClient := loops.New(loops.Options{
		BaseURL:    cfg.LoopsAPIURL,
		APIKey:     cfg.LoopsAPIKey,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: clientMaxRetries,
		Backoff:    remote.Backoff{Base: time.Second, Max: clientBackoffMax},
		Limiter:    limiter,
	}, logger)

	// Без FI_EXTRACTION_API_URL Special-поля пропускаются
	var extractor service.Extractor
	if cfg.ExtractionEnabled() {
		extractor = extraction.New(extraction.Options{
			BaseURL:    cfg.ExtractionAPIURL,
			APIKey:     cfg.ExtractionAPIKey,
			Model:      cfg.ExtractionModel,
			CacheSize:  cfg.ExtractionCacheSize,
			CacheTTL:   cfg.ExtractionCacheTTL,
			Timeout:    cfg.RequestTimeout,
			MaxRetries: clientMaxRetries,
			Backoff:    remote.Backoff{Base: time.Second, Max: clientBackoffMax},
		}, logger)
		logger.Info("Извлечение Special-полей включено", slog.String("model", cfg.ExtractionModel))
	} else {
		logger.Warn("FI_EXTRACTION_API_URL не задан, Special-поля не синхронизируются")
	}

	// 6.1 Поток аудита в MQTT (опционально)
	var publisher service.AuditPublisher
	var mqttPublisher *broker.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqttPublisher, err = broker.NewPublisher(broker.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err != nil {
			logger.Warn("MQTT недоступен, поток аудита отключён", slog.String("error", err.Error()))
		} else {
			publisher = mqttPublisher
		}
	}

	// 7. Repositories
	repos := repository.NewRepositories(pool)
	tx := repository.NewTxRunner(pool)
	locker := repository.NewAdvisoryLocker(pool, logger)

	// 8. Services
	ignoreOpts := ignore.Options{
		MatchTimeout:     cfg.IgnoreMatchTimeout,
		MaxPatternLength: cfg.IgnoreMaxPatternLength,
	}
	defaults := service.SourceDefaults{
		PollIntervalSeconds: int(cfg.DefaultPollInterval / time.Second),
		PollJitterFraction:  cfg.PollJitter,
	}

	catalog := service.NewListCatalog(repos.MailingLists, locker, loopsClient, logger)
	sourcesSvc := service.NewSourceService(repos, tx, logger)
	ignoresSvc := service.NewIgnoreService(repos, tx, ignoreOpts, logger)
	envelopesSvc := service.NewEnvelopeService(repos.Envelopes, repos.Audit, logger)

	// 9. Фоновые сервисы
	discoverySvc := service.NewDiscoveryService(
		[]service.SourceAdapter{airtableClient},
		repos.Ignores, tx,
		ignoreOpts, defaults,
		cfg.DiscoveryInterval,
		logger,
	)

	poller := service.NewPoller(
		airtableClient, tx,
		service.NewOutboxBuilder(cfg.FieldTag, logger),
		extractor,
		service.PollerConfig{
			Tag:          cfg.FieldTag,
			SafetyMargin: cfg.PollSafetyMargin,
		},
		logger,
	)
	scheduler := service.NewScheduler(repos.Sources, poller, service.SchedulerConfig{
		Interval:    cfg.SchedulerInterval,
		BatchSize:   cfg.SchedulerBatchSize,
		Concurrency: cfg.PollConcurrency,
		MaxBackoff:  cfg.MaxPollBackoff,
	}, logger)

	dispatcher := service.NewDispatcher(
		repos, tx, locker,
		loopsClient, catalog, publisher,
		service.DispatcherConfig{
			Interval:         cfg.DispatchInterval,
			BatchSize:        cfg.DispatchBatchSize,
			ClaimLease:       cfg.DispatchClaimLease,
			RetryBase:        cfg.DispatchRetryBase,
			RetryMax:         cfg.DispatchRetryMax,
			BaselineTTL:      cfg.DestinationBaselineTTL,
			DefaultListID:    cfg.DefaultMailingListID,
			InitialUserGroup: cfg.InitialUserGroup,
			InitialSource:    cfg.InitialSource,
			WorkerID:         workerID(),
		},
		logger,
	)

	pruner := service.NewPrunerService(
		repos.FieldBaselines, repos.DestinationBaselines,
		cfg.BaselineRetention, cfg.PruneInterval,
		logger,
	)

	// 10. Readiness checkers и HTTP routes
	pgChecker := database.NewReadinessChecker(pool)
	routes := server.Routes{}

	if cfg.AdminAPIEnabled() {
		jwtAuth, err := middleware.NewJWTAuth(ctx, middleware.AuthOptions{
			JWKSURL:         cfg.JWTJWKSURL,
			Issuer:          cfg.JWTIssuer,
			OperatorRoles:   cfg.OperatorRoles,
			ViewerRoles:     cfg.ViewerRoles,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
			HTTPTimeout:     cfg.RequestTimeout,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}

		doc, err := openapi.Load()
		if err != nil {
			logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
			os.Exit(1)
		}
		validator, err := middleware.RequestValidator(doc, logger)
		if err != nil {
			logger.Error("Ошибка создания валидатора запросов", slog.String("error", err.Error()))
			os.Exit(1)
		}

		routes.Auth = jwtAuth
		routes.Validator = validator
		routes.API = handlers.NewAPIHandler(handlers.Services{
			Sources:    sourcesSvc,
			Reconciler: discoverySvc,
			Ignores:    ignoresSvc,
			Envelopes:  envelopesSvc,
			Catalog:    catalog,
			Pruner:     pruner,
		}, logger)
		routes.Health = handlers.NewHealthHandler(pgChecker,
			middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.RequestTimeout))

		logger.Info("Admin API включён",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		routes.Health = handlers.NewHealthHandler(pgChecker, nil)
		logger.Info("Admin API отключён (FI_JWT_JWKS_URL не задан)")
	}

	// 11. Запуск фоновых задач
	discoverySvc.Start(ctx)
	scheduler.Start(ctx)
	dispatcher.Start(ctx)
	pruner.Start(ctx)

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Airtable + Loops)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"field-integrator",
		cfg.DephealthGroup,
		service.DephealthDeps{
			DB:          pgDB,
			PostgresURL: database.MigrationURL(cfg),
			AirtableURL: cfg.AirtableAPIURL,
			LoopsURL:    cfg.LoopsAPIURL,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
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
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, routes)
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	cancel()

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	discoverySvc.Stop()
	scheduler.Stop()
	dispatcher.Stop()
	pruner.Stop()
	if mqttPublisher != nil {
		mqttPublisher.Close()
	}

	if runErr != nil {
		os.Exit(1)
	}
	logger.Info("Field Integrator остановлен")
}

// workerID — идентификатор экземпляра в захватах конвертов:
// имя хоста (под в Kubernetes) и случайный суффикс.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "field-integrator"
	}
	return strings.ToLower(host) + "-" + uuid.NewString()[:8]
}
