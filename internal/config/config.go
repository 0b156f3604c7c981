// Пакет config — загрузка и валидация конфигурации Field Integrator
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища token bucket.
const (
	RateLimitMemory   = "memory"
	RateLimitPostgres = "postgres"
	RateLimitRedis    = "redis"
)

// Config содержит все параметры конфигурации Field Integrator.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Источник (Airtable) ---

	// Базовый URL Airtable API
	AirtableAPIURL string
	// Personal access token Airtable
	AirtableToken string
	// Тег полей, подлежащих синхронизации ("<Tag> - ")
	FieldTag string

	// --- Получатель (Loops) ---

	LoopsAPIURL string
	LoopsAPIKey string
	// Список рассылки по умолчанию для новых контактов
	DefaultMailingListID string
	// Начальные системные поля нового контакта
	InitialUserGroup string
	InitialSource    string

	// --- Извлечение структурированных полей ---

	// URL OpenAI-совместимого API; пустое значение отключает Special-поля
	ExtractionAPIURL string
	ExtractionAPIKey string
	ExtractionModel  string
	// Размер и TTL LRU-кеша результатов извлечения
	ExtractionCacheSize int
	ExtractionCacheTTL  time.Duration

	// --- Rate limiting ---

	// Хранилище token bucket: memory, postgres, redis
	RateLimitBackend string
	// URL Redis (обязателен для backend=redis)
	RedisURL string
	// Глобальный лимит запросов к Airtable в секунду
	AirtableGlobalRPS float64
	// Лимит запросов к одной базе Airtable в секунду
	AirtablePerBaseRPS float64
	// Лимит запросов к Loops в секунду
	LoopsRPS float64

	// --- Планировщик опросов ---

	SchedulerInterval   time.Duration
	SchedulerBatchSize  int
	PollConcurrency     int
	DefaultPollInterval time.Duration
	// Доля случайного разброса интервала опроса (0..1)
	PollJitter float64
	// Запас при инкрементальном опросе на задержку распространения записей
	PollSafetyMargin time.Duration
	// Верхняя граница экспоненциальной задержки после ошибок опроса
	MaxPollBackoff time.Duration
	// Интервал сверки реестра источников
	DiscoveryInterval time.Duration

	// --- Отправка ---

	DispatchInterval  time.Duration
	DispatchBatchSize int
	// Через сколько захват конверта считается брошенным
	DispatchClaimLease time.Duration
	// Экспоненциальная задержка повторной отправки при временных ошибках
	DispatchRetryBase time.Duration
	DispatchRetryMax  time.Duration

	// --- Очистка ---

	// Срок хранения baseline полей источника без проверок
	BaselineRetention time.Duration
	// TTL baseline полей получателя
	DestinationBaselineTTL time.Duration
	PruneInterval          time.Duration

	// --- Ignore-паттерны ---

	IgnoreMatchTimeout     time.Duration
	IgnoreMaxPatternLength int

	// --- MQTT (поток аудита, опционально) ---

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	// --- JWT (admin API) ---

	// URL JWKS endpoint; пустое значение отключает admin API
	JWTJWKSURL string
	JWTIssuer  string
	// Роли realm (или группы), дающие полный доступ к admin API (через запятую)
	OperatorRoles []string
	// Роли realm (или группы), дающие доступ только на чтение (через запятую)
	ViewerRoles []string
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Таймауты ---

	// Таймаут исходящих HTTP-запросов
	RequestTimeout time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FI_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("FI_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FI_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FI_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FI_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FI_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FI_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FI_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	// --- Airtable ---

	cfg.AirtableAPIURL = strings.TrimRight(getEnvDefault("FI_AIRTABLE_API_URL", "https://api.airtable.com"), "/")
	if err := validateURL(cfg.AirtableAPIURL); err != nil {
		return nil, fmt.Errorf("FI_AIRTABLE_API_URL: %w", err)
	}
	cfg.AirtableToken, err = getEnvRequired("FI_AIRTABLE_TOKEN")
	if err != nil {
		return nil, err
	}
	cfg.FieldTag = strings.TrimSpace(getEnvDefault("FI_FIELD_TAG", "Loops"))

	// --- Loops ---

	cfg.LoopsAPIURL = strings.TrimRight(getEnvDefault("FI_LOOPS_API_URL", "https://app.loops.so"), "/")
	if err := validateURL(cfg.LoopsAPIURL); err != nil {
		return nil, fmt.Errorf("FI_LOOPS_API_URL: %w", err)
	}
	cfg.LoopsAPIKey, err = getEnvRequired("FI_LOOPS_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg.DefaultMailingListID = getEnvDefault("FI_DEFAULT_MAILING_LIST_ID", "")
	cfg.InitialUserGroup = getEnvDefault("FI_INITIAL_USER_GROUP", "Hack Clubber")
	cfg.InitialSource = getEnvDefault("FI_INITIAL_SOURCE", "Airtable field integrator")

	// --- Извлечение ---

	cfg.ExtractionAPIURL = strings.TrimRight(getEnvDefault("FI_EXTRACTION_API_URL", ""), "/")
	if cfg.ExtractionAPIURL != "" {
		if err := validateURL(cfg.ExtractionAPIURL); err != nil {
			return nil, fmt.Errorf("FI_EXTRACTION_API_URL: %w", err)
		}
	}
	cfg.ExtractionAPIKey = getEnvDefault("FI_EXTRACTION_API_KEY", "")
	cfg.ExtractionModel = getEnvDefault("FI_EXTRACTION_MODEL", "gpt-4o-mini")
	cfg.ExtractionCacheSize, err = getEnvInt("FI_EXTRACTION_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("FI_EXTRACTION_CACHE_SIZE: %w", err)
	}
	if cfg.ExtractionCacheSize < 1 {
		return nil, fmt.Errorf("FI_EXTRACTION_CACHE_SIZE: значение %d должно быть положительным", cfg.ExtractionCacheSize)
	}
	cfg.ExtractionCacheTTL, err = getEnvDuration("FI_EXTRACTION_CACHE_TTL", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FI_EXTRACTION_CACHE_TTL: %w", err)
	}

	// --- Rate limiting ---

	if err := loadRateLimits(cfg); err != nil {
		return nil, err
	}

	// --- Планировщик и отправка ---

	if err := loadScheduling(cfg); err != nil {
		return nil, err
	}

	// --- Очистка ---

	cfg.BaselineRetention, err = getEnvDuration("FI_BASELINE_RETENTION", 2160*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FI_BASELINE_RETENTION: %w", err)
	}
	cfg.DestinationBaselineTTL, err = getEnvDuration("FI_DESTINATION_BASELINE_TTL", 2160*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FI_DESTINATION_BASELINE_TTL: %w", err)
	}
	cfg.PruneInterval, err = getEnvDuration("FI_PRUNE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FI_PRUNE_INTERVAL: %w", err)
	}

	// --- Ignore-паттерны ---

	cfg.IgnoreMatchTimeout, err = getEnvDuration("FI_IGNORE_MATCH_TIMEOUT", 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("FI_IGNORE_MATCH_TIMEOUT: %w", err)
	}
	cfg.IgnoreMaxPatternLength, err = getEnvInt("FI_IGNORE_MAX_PATTERN_LENGTH", 500)
	if err != nil {
		return nil, fmt.Errorf("FI_IGNORE_MAX_PATTERN_LENGTH: %w", err)
	}
	if cfg.IgnoreMaxPatternLength < 3 {
		return nil, fmt.Errorf("FI_IGNORE_MAX_PATTERN_LENGTH: значение %d слишком мало", cfg.IgnoreMaxPatternLength)
	}

	// --- MQTT ---

	cfg.MQTTBrokerURL = getEnvDefault("FI_MQTT_BROKER_URL", "")
	cfg.MQTTClientID = getEnvDefault("FI_MQTT_CLIENT_ID", "field-integrator")
	cfg.MQTTTopicPrefix = strings.Trim(getEnvDefault("FI_MQTT_TOPIC_PREFIX", "field-integrator"), "/")

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("FI_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("FI_JWT_ISSUER", "")
	cfg.OperatorRoles = parseCSV(getEnvDefault("FI_OPERATOR_ROLES", "field-integrator-admin"))
	cfg.ViewerRoles = parseCSV(getEnvDefault("FI_VIEWER_ROLES", "field-integrator-viewer"))
	if cfg.AdminAPIEnabled() && len(cfg.OperatorRoles) == 0 {
		return nil, fmt.Errorf("FI_OPERATOR_ROLES: при заданном FI_JWT_JWKS_URL нужна хотя бы одна роль")
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("FI_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FI_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("FI_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FI_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FI_DEPHEALTH_GROUP", "field-integrator")
	cfg.DephealthCheckInterval, err = getEnvDuration("FI_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FI_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Таймауты ---

	cfg.RequestTimeout, err = getEnvDuration("FI_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FI_REQUEST_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("FI_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FI_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

func loadDatabase(cfg *Config) error {
	var err error

	if cfg.DBHost, err = getEnvRequired("FI_DB_HOST"); err != nil {
		return err
	}
	if cfg.DBPort, err = getEnvInt("FI_DB_PORT", 5432); err != nil {
		return fmt.Errorf("FI_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("FI_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("FI_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("FI_DB_PASSWORD"); err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("FI_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("FI_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

func loadRateLimits(cfg *Config) error {
	var err error

	cfg.RateLimitBackend = getEnvDefault("FI_RATE_LIMIT_BACKEND", RateLimitPostgres)
	switch cfg.RateLimitBackend {
	case RateLimitMemory, RateLimitPostgres:
	case RateLimitRedis:
		cfg.RedisURL, err = getEnvRequired("FI_REDIS_URL")
		if err != nil {
			return fmt.Errorf("FI_RATE_LIMIT_BACKEND=redis: %w", err)
		}
	default:
		return fmt.Errorf("FI_RATE_LIMIT_BACKEND: недопустимое значение %q, допустимые: memory, postgres, redis", cfg.RateLimitBackend)
	}

	if cfg.AirtableGlobalRPS, err = getEnvPositiveFloat("FI_AIRTABLE_GLOBAL_RPS", 45); err != nil {
		return err
	}
	if cfg.AirtablePerBaseRPS, err = getEnvPositiveFloat("FI_AIRTABLE_PER_BASE_RPS", 5); err != nil {
		return err
	}
	if cfg.LoopsRPS, err = getEnvPositiveFloat("FI_LOOPS_RPS", 10); err != nil {
		return err
	}
	return nil
}

func loadScheduling(cfg *Config) error {
	var err error

	if cfg.SchedulerInterval, err = getEnvDuration("FI_SCHEDULER_INTERVAL", 5*time.Second); err != nil {
		return fmt.Errorf("FI_SCHEDULER_INTERVAL: %w", err)
	}
	if cfg.SchedulerBatchSize, err = getEnvIntRange("FI_SCHEDULER_BATCH_SIZE", 10, 1, 1000); err != nil {
		return err
	}
	if cfg.PollConcurrency, err = getEnvIntRange("FI_POLL_CONCURRENCY", 4, 1, 64); err != nil {
		return err
	}
	if cfg.DefaultPollInterval, err = getEnvDuration("FI_DEFAULT_POLL_INTERVAL", 30*time.Second); err != nil {
		return fmt.Errorf("FI_DEFAULT_POLL_INTERVAL: %w", err)
	}
	if cfg.DefaultPollInterval < time.Second {
		return fmt.Errorf("FI_DEFAULT_POLL_INTERVAL: значение %s меньше 1s", cfg.DefaultPollInterval)
	}

	cfg.PollJitter, err = getEnvFloat("FI_POLL_JITTER", 0.1)
	if err != nil {
		return fmt.Errorf("FI_POLL_JITTER: %w", err)
	}
	if cfg.PollJitter < 0 || cfg.PollJitter >= 1 {
		return fmt.Errorf("FI_POLL_JITTER: значение %g вне диапазона [0, 1)", cfg.PollJitter)
	}

	if cfg.PollSafetyMargin, err = getEnvDuration("FI_POLL_SAFETY_MARGIN", 5*time.Minute); err != nil {
		return fmt.Errorf("FI_POLL_SAFETY_MARGIN: %w", err)
	}
	if cfg.MaxPollBackoff, err = getEnvDuration("FI_MAX_POLL_BACKOFF", time.Hour); err != nil {
		return fmt.Errorf("FI_MAX_POLL_BACKOFF: %w", err)
	}
	if cfg.DiscoveryInterval, err = getEnvDuration("FI_DISCOVERY_INTERVAL", 10*time.Minute); err != nil {
		return fmt.Errorf("FI_DISCOVERY_INTERVAL: %w", err)
	}

	if cfg.DispatchInterval, err = getEnvDuration("FI_DISPATCH_INTERVAL", 2*time.Second); err != nil {
		return fmt.Errorf("FI_DISPATCH_INTERVAL: %w", err)
	}
	if cfg.DispatchBatchSize, err = getEnvIntRange("FI_DISPATCH_BATCH_SIZE", 100, 1, 10000); err != nil {
		return err
	}
	if cfg.DispatchClaimLease, err = getEnvDuration("FI_DISPATCH_CLAIM_LEASE", 5*time.Minute); err != nil {
		return fmt.Errorf("FI_DISPATCH_CLAIM_LEASE: %w", err)
	}
	if cfg.DispatchRetryBase, err = getEnvDuration("FI_DISPATCH_RETRY_BASE", 30*time.Second); err != nil {
		return fmt.Errorf("FI_DISPATCH_RETRY_BASE: %w", err)
	}
	if cfg.DispatchRetryMax, err = getEnvDuration("FI_DISPATCH_RETRY_MAX", time.Hour); err != nil {
		return fmt.Errorf("FI_DISPATCH_RETRY_MAX: %w", err)
	}
	if cfg.DispatchRetryMax < cfg.DispatchRetryBase {
		return fmt.Errorf("FI_DISPATCH_RETRY_MAX: значение %s меньше FI_DISPATCH_RETRY_BASE (%s)", cfg.DispatchRetryMax, cfg.DispatchRetryBase)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// ExtractionEnabled сообщает, настроен ли сервис извлечения (Special-поля).
func (c *Config) ExtractionEnabled() bool {
	return c.ExtractionAPIURL != ""
}

// AdminAPIEnabled сообщает, включён ли admin API.
func (c *Config) AdminAPIEnabled() bool {
	return c.JWTJWKSURL != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvIntRange — getEnvInt с проверкой диапазона [lo, hi]; ошибка уже содержит имя переменной.
func getEnvIntRange(key string, defaultVal, lo, hi int) (int, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s: значение %d вне допустимого диапазона %d-%d", key, n, lo, hi)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

func getEnvPositiveFloat(key string, defaultVal float64) (float64, error) {
	f, err := getEnvFloat(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%s: значение %g должно быть положительным", key, f)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("отрицательная длительность: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
// parseCSV разбирает список через запятую, пропуская пустые элементы.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("некорректный URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("некорректный URL %q: ожидается схема http или https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("некорректный URL %q: не указан хост", raw)
	}
	return nil
}
