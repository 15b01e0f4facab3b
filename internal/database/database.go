// Пакет database — пул PostgreSQL для журнала миграций и таблиц переводов,
// встроенные миграции схемы (golang-migrate) и readiness-проверка.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/upengage/transmigrate/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Соединения сверх воркеров очереди: параллельная сверка интерфейсов,
// HTTP-запросы, reaper и topologymetrics.
const reservedConns = 6

const (
	pingRetryInitial = 500 * time.Millisecond
	pingRetryMax     = 5 * time.Second
)

// PoolConfig строит конфигурацию pgxpool. Применение держит одно соединение
// на транзакцию, поэтому размер пула считается от числа воркеров.
func PoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	maxConns := cfg.DBMaxConns
	if maxConns == 0 {
		maxConns = cfg.Workers + reservedConns
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "translation-migrations"
	return poolCfg, nil
}

// Connect создаёт пул и ждёт доступности PostgreSQL не дольше
// cfg.DBConnectTimeout, повторяя ping с растущей паузой.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := waitReady(ctx, pool, cfg.DBConnectTimeout, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

func waitReady(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := pingRetryInitial
	for attempt := 1; ; attempt++ {
		err := pool.Ping(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("PostgreSQL недоступен, повтор",
			slog.Int("attempt", attempt),
			slog.String("retry_in", delay.String()),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay = min(delay*2, pingRetryMax)
	}
}

// MigrateURL — URL golang-migrate для драйвера pgx5 (логин и пароль экранируются).
func MigrateURL(cfg *config.Config) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {cfg.DBSSLMode}}.Encode(),
	}
	return u.String()
}

// Migrate применяет встроенные миграции схемы. Схема в состоянии dirty
// (прерванная миграция) — ошибка: её нужно исправить вручную.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, MigrateURL(cfg))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("ошибка чтения версии схемы: %w", err)
	}
	if dirty {
		return fmt.Errorf("схема БД в состоянии dirty (версия %d), требуется ручное исправление", before)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("Схема БД актуальна", slog.Uint64("version", uint64(before)))
		return nil
	case err != nil:
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	after, _, _ := m.Version()
	logger.Info("Миграции схемы применены",
		slog.Uint64("from_version", uint64(before)),
		slog.Uint64("to_version", uint64(after)),
	)
	return nil
}

// ReadinessChecker — готовность PostgreSQL для /health/ready.
type ReadinessChecker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool, timeout: 3 * time.Second}
}

// CheckReady читает журнал миграций: так проверяются и соединение, и схема.
// Пул, занятый целиком, — degraded: применения ждут соединения.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var n int
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM translation_migrations WHERE status = 'processing'`).Scan(&n); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}

	stat := c.pool.Stat()
	return poolStatus(stat.AcquiredConns(), stat.MaxConns(), n)
}

func poolStatus(acquired, maxConns int32, processing int) (string, string) {
	msg := fmt.Sprintf("соединений занято %d из %d, в обработке %d", acquired, maxConns, processing)
	if maxConns > 0 && acquired >= maxConns {
		return "degraded", msg
	}
	return "ok", msg
}
