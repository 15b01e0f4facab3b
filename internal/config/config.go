// Пакет config — загрузка и валидация конфигурации Migration Manager
// из переменных окружения (префикс TM_).
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые backend-ы хранилища снимков переводов.
const (
	BlobBackendS3 = "s3"
	BlobBackendFS = "fs"
)

// Config содержит все параметры конфигурации Migration Manager.
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
	// Максимум соединений пула (0 — по числу воркеров очереди)
	DBMaxConns int
	// Сколько ждать доступности PostgreSQL при старте
	DBConnectTimeout time.Duration

	// --- Хранилище снимков (blob store) ---

	// Backend: s3 или fs
	BlobBackend string
	// Корневой каталог для backend fs
	BlobFSDir string
	// Имя S3-бакета
	S3Bucket string
	// Регион S3
	S3Region string
	// Кастомный endpoint (MinIO и т.п.), опционально
	S3Endpoint string
	// Path-style адресация (обязательна для MinIO)
	S3UsePathStyle bool
	// Статические ключи доступа (если пусто — default credential chain)
	S3AccessKeyID     string
	S3SecretAccessKey string

	// --- Очередь применения миграций ---

	// Имя очереди, записывается в metadata (dispatched_to_queue)
	QueueName string
	// Количество воркеров диспетчера
	Workers int
	// Ёмкость буфера очереди
	QueueSize int

	// --- Сверка (reconcile) ---

	// Интервал периодической сверки (0 — отключена)
	ReconcileInterval time.Duration
	// Минимальный интервал между сверками одного интерфейса (без force)
	ReconcileMinInterval time.Duration
	// Ставить ли найденные миграции в очередь после периодической сверки
	ReconcileAutoProcess bool

	// --- Reaper зависших миграций ---

	// Через сколько processing-запись считается зависшей
	StuckTimeout time.Duration
	// Интервал проверки зависших записей
	ReaperInterval time.Duration

	// --- JWT (опционально) ---

	// URL JWKS endpoint; пусто — аутентификация отключена
	JWKSURL string
	// Ожидаемый issuer токенов (пусто — не проверяется)
	JWTIssuer string
	// Путь к CA-сертификату для TLS к JWKS
	JWKSCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- Мониторинг ---

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа в метриках dephealth
	DephealthGroup string

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:gocyclo,cyclop // линейная последовательность проверок
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("TM_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("TM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("TM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("TM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("TM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("TM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("TM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("TM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("TM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("TM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("TM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("TM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("TM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("TM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	cfg.DBMaxConns, err = getEnvInt("TM_DB_MAX_CONNS", 0)
	if err != nil || cfg.DBMaxConns < 0 {
		return nil, fmt.Errorf("TM_DB_MAX_CONNS: ожидается неотрицательное целое, получено %q", os.Getenv("TM_DB_MAX_CONNS"))
	}
	cfg.DBConnectTimeout, err = getEnvDuration("TM_DB_CONNECT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_DB_CONNECT_TIMEOUT: %w", err)
	}

	// --- Blob store ---

	cfg.BlobBackend = getEnvDefault("TM_BLOB_BACKEND", BlobBackendS3)
	switch cfg.BlobBackend {
	case BlobBackendS3:
		if cfg.S3Bucket, err = getEnvRequired("TM_S3_BUCKET"); err != nil {
			return nil, err
		}
		cfg.S3Region = getEnvDefault("TM_S3_REGION", "eu-west-3")
		cfg.S3Endpoint = strings.TrimRight(getEnvDefault("TM_S3_ENDPOINT", ""), "/")
		cfg.S3UsePathStyle, err = getEnvBool("TM_S3_USE_PATH_STYLE", false)
		if err != nil {
			return nil, fmt.Errorf("TM_S3_USE_PATH_STYLE: %w", err)
		}
		cfg.S3AccessKeyID = getEnvDefault("TM_S3_ACCESS_KEY_ID", "")
		cfg.S3SecretAccessKey = getEnvDefault("TM_S3_SECRET_ACCESS_KEY", "")
		if (cfg.S3AccessKeyID == "") != (cfg.S3SecretAccessKey == "") {
			return nil, fmt.Errorf("TM_S3_ACCESS_KEY_ID и TM_S3_SECRET_ACCESS_KEY задаются только вместе")
		}
	case BlobBackendFS:
		if cfg.BlobFSDir, err = getEnvRequired("TM_BLOB_FS_DIR"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("TM_BLOB_BACKEND: недопустимое значение %q, допустимые: s3, fs", cfg.BlobBackend)
	}

	// --- Очередь ---

	cfg.QueueName = getEnvDefault("TM_QUEUE_NAME", "translations")
	cfg.Workers, err = getEnvInt("TM_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("TM_WORKERS: %w", err)
	}
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("TM_WORKERS: значение %d вне допустимого диапазона 1-64", cfg.Workers)
	}
	cfg.QueueSize, err = getEnvInt("TM_QUEUE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("TM_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("TM_QUEUE_SIZE: значение %d должно быть положительным", cfg.QueueSize)
	}

	// --- Сверка ---

	cfg.ReconcileInterval, err = getEnvDuration("TM_RECONCILE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("TM_RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileMinInterval, err = getEnvDuration("TM_RECONCILE_MIN_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_RECONCILE_MIN_INTERVAL: %w", err)
	}
	cfg.ReconcileAutoProcess, err = getEnvBool("TM_RECONCILE_AUTO_PROCESS", false)
	if err != nil {
		return nil, fmt.Errorf("TM_RECONCILE_AUTO_PROCESS: %w", err)
	}

	// --- Reaper ---

	cfg.StuckTimeout, err = getEnvDuration("TM_STUCK_TIMEOUT", 45*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_STUCK_TIMEOUT: %w", err)
	}
	if cfg.StuckTimeout < time.Minute {
		return nil, fmt.Errorf("TM_STUCK_TIMEOUT: значение %s меньше минимального 1m", cfg.StuckTimeout)
	}
	cfg.ReaperInterval, err = getEnvDuration("TM_REAPER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_REAPER_INTERVAL: %w", err)
	}

	// --- JWT ---

	cfg.JWKSURL = getEnvDefault("TM_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("TM_JWT_ISSUER", "")
	cfg.JWKSCACertPath = getEnvDefault("TM_JWKS_CA_CERT", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("TM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("TM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("TM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_JWT_LEEWAY: %w", err)
	}

	// --- Мониторинг ---

	cfg.DephealthCheckInterval, err = getEnvDuration("TM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("TM_DEPHEALTH_GROUP", "upengage")

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("TM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	logger := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// NewLogger создаёт логгер с уровнем и форматом из конфигурации, пишущий в w.
// CLI пишет журнал в stderr, чтобы не смешивать его с выводом команд.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
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

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
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
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
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
