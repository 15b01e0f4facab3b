// reaper.go — принудительный перевод зависших processing-записей в failed.
//
// Запись, которая находится в processing дольше StuckTimeout (по updated_at),
// переводится в failed с error_kind = stuck_timeout и может быть повторена
// через RetryFailed.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/repository"
)

var reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "translation_migrations_reaped_total",
	Help: "Зависшие миграции, переведённые в failed",
})

// Reaper — фоновая проверка зависших миграций.
type Reaper struct {
	migrations repository.MigrationRepository
	timeout    time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper создаёт Reaper: записи старше timeout проверяются каждые interval.
func NewReaper(migrations repository.MigrationRepository, timeout, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		migrations: migrations,
		timeout:    timeout,
		interval:   interval,
		logger:     logger.With(slog.String("component", "reaper")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает периодическую проверку.
func (r *Reaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("Проверка зависших миграций отключена")
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		r.logger.Info("Проверка зависших миграций запущена",
			slog.String("interval", r.interval.String()),
			slog.String("timeout", r.timeout.String()),
		)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Проверка зависших миграций остановлена")
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("Ошибка проверки зависших миграций", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunOnce переводит зависшие записи в failed и возвращает их идентификаторы.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	now := r.now()
	cutoff := now.Add(-r.timeout)
	ids, err := r.migrations.FailStuck(ctx, cutoff, model.Metadata{
		model.MetaError:     fmt.Sprintf("обработка не завершилась за %s", r.timeout),
		model.MetaErrorKind: KindStuckTimeout,
		model.MetaFailedAt:  now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, &PersistenceIOError{Op: "перевод зависших в failed", Err: err}
	}
	if len(ids) > 0 {
		reapedTotal.Add(float64(len(ids)))
		r.logger.Warn("Зависшие миграции переведены в failed",
			slog.Int("count", len(ids)),
			slog.Any("ids", ids),
			slog.Time("cutoff", cutoff),
		)
	}
	return ids, nil
}
