// dispatcher.go — асинхронная очередь применения миграций.
//
// Enqueue синхронно выполняет Begin (pending → processing), затем ставит
// задачу в буферизованную очередь. К моменту возврата запись уже в processing.
// Переполненная или остановленная очередь переводит запись в failed
// (error_kind = dispatch_failed).
//
// Prometheus-метрики:
//   - translation_apply_queue_depth — задач в очереди
//   - translation_apply_jobs_total — задачи по результату (enqueued, rejected, completed, failed)
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/upengage/transmigrate/internal/domain/model"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "translation_apply_queue_depth",
		Help: "Задач применения в очереди",
	}, []string{"queue"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translation_apply_jobs_total",
		Help: "Задачи применения по результату",
	}, []string{"queue", "result"})
)

// Job — задача применения одной записи.
type Job struct {
	MigrationID string
	Options     model.ApplyOptions
}

// Dispatcher — именованная очередь применения с пулом воркеров.
type Dispatcher struct {
	apply   *ApplyService
	queue   string
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	jobs   chan Job
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher создаёт очередь queue на size задач с workers воркерами.
func NewDispatcher(apply *ApplyService, queue string, workers, size int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		apply:   apply,
		queue:   queue,
		workers: workers,
		jobs:    make(chan Job, size),
		logger:  logger.With(slog.String("component", "dispatcher"), slog.String("queue", queue)),
	}
}

// Queue возвращает имя очереди.
func (d *Dispatcher) Queue() string { return d.queue }

// Start запускает воркеры. Задачи выполняются в контексте, не зависящем
// от отмены ctx: остановка идёт через Stop с дренажом очереди.
func (d *Dispatcher) Start(ctx context.Context) {
	var workCtx context.Context
	workCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(n int) {
			defer d.wg.Done()
			d.work(workCtx, n)
		}(i)
	}
	d.logger.Info("Очередь применения запущена",
		slog.Int("workers", d.workers),
		slog.Int("size", cap(d.jobs)),
	)
}

// Stop перестаёт принимать задачи, дожидается выполнения поставленных
// и останавливает воркеры.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	d.logger.Info("Очередь применения остановлена")
}

// Enqueue переводит запись в processing и ставит задачу в очередь.
func (d *Dispatcher) Enqueue(ctx context.Context, id string, opts model.ApplyOptions) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrDispatcherStopped
	}

	if _, err := d.apply.Begin(ctx, id, opts, d.queue); err != nil {
		return err
	}

	if err := d.push(Job{MigrationID: id, Options: opts}); err != nil {
		jobsTotal.WithLabelValues(d.queue, "rejected").Inc()
		if failErr := d.apply.Fail(ctx, id, KindDispatchFailed, err); failErr != nil {
			d.logger.Error("Не удалось перевести отклонённую задачу в failed",
				slog.String("migration_id", id),
				slog.String("error", failErr.Error()),
			)
		}
		d.logger.Warn("Задача отклонена очередью",
			slog.String("migration_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}

	jobsTotal.WithLabelValues(d.queue, "enqueued").Inc()
	d.logger.Info("Задача поставлена в очередь", slog.String("migration_id", id))
	return nil
}

// push — неблокирующая отправка в очередь.
func (d *Dispatcher) push(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherStopped
	}
	select {
	case d.jobs <- job:
		queueDepth.WithLabelValues(d.queue).Set(float64(len(d.jobs)))
		return nil
	default:
		return fmt.Errorf("%w: %s (%d)", ErrQueueFull, d.queue, cap(d.jobs))
	}
}

func (d *Dispatcher) work(ctx context.Context, n int) {
	log := d.logger.With(slog.Int("worker", n))
	for job := range d.jobs {
		queueDepth.WithLabelValues(d.queue).Set(float64(len(d.jobs)))
		if _, err := d.apply.Process(ctx, job.MigrationID, job.Options); err != nil {
			jobsTotal.WithLabelValues(d.queue, "failed").Inc()
			log.Warn("Задача применения завершилась ошибкой",
				slog.String("migration_id", job.MigrationID),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobsTotal.WithLabelValues(d.queue, "completed").Inc()
	}
}

// InlineEnqueuer выполняет применение синхронно в вызывающей горутине.
// Используется CLI, где фоновой очереди нет.
type InlineEnqueuer struct {
	Apply *ApplyService
}

// Enqueue применяет запись немедленно.
func (e InlineEnqueuer) Enqueue(ctx context.Context, id string, opts model.ApplyOptions) error {
	_, err := e.Apply.Apply(ctx, id, opts)
	return err
}
