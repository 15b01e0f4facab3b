// reconcile.go — сверка журнала миграций с объектным хранилищем.
//
// Для каждого запрошенного интерфейса:
//  1. Листинг migrations/{interface}/ (без manifest.json)
//  2. Для каждого файла — проверка записи (filename, interface)
//  3. Новый файл: скачивание, checksum, версия, запись pending
//  4. Существующие записи не изменяются
//
// Интерфейсы обрабатываются параллельно; ошибка листинга или отдельного
// файла попадает в InterfaceResult.Errors и не прерывает остальных.
//
// Prometheus-метрики:
//   - translation_reconcile_duration_seconds — длительность сверки интерфейса
//   - translation_reconcile_files_total — файлы по результату (found, synced, failed)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/repository"
	"github.com/upengage/transmigrate/internal/translation"
)

var (
	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "translation_reconcile_duration_seconds",
		Help:    "Длительность сверки интерфейса с хранилищем",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"interface"})

	reconcileFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translation_reconcile_files_total",
		Help: "Файлы, обработанные при сверке",
	}, []string{"interface", "result"}) // result: found, synced, failed
)

// Источники запуска сверки (metadata.trigger).
const (
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
	TriggerCLI       = "cli"
)

// maxReconcileConcurrency — интерфейсов одновременно.
const maxReconcileConcurrency = 3

// ReconcileRequest — параметры прогона сверки.
type ReconcileRequest struct {
	// Interfaces — интерфейсы; пусто — все
	Interfaces []model.Interface
	// Force — игнорировать ограничение частоты
	Force bool
	// AutoProcess — поставить pending-записи в очередь применения
	AutoProcess bool
	// Trigger — источник запуска
	Trigger string
}

// Enqueuer — постановка записи на применение.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, opts model.ApplyOptions) error
}

// ReconcileService — сверка журнала с хранилищем.
type ReconcileService struct {
	migrations  repository.MigrationRepository
	store       blobstore.Store
	enqueuer    Enqueuer
	recent      *expirable.LRU[model.Interface, time.Time]
	interval    time.Duration
	autoProcess bool
	logger      *slog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// ReconcileConfig — настройки сверки.
type ReconcileConfig struct {
	// Interval — период фонового запуска (0 — отключён)
	Interval time.Duration
	// MinInterval — минимальный промежуток между сверками интерфейса (0 — без ограничения).
	// Ограничение приблизительное: метка ставится после листинга, и два параллельных
	// запуска для одного интерфейса могут пройти проверку оба. Дубликатов записей это
	// не даёт, их отсекает уникальность (filename, interface_origin).
	MinInterval time.Duration
	// AutoProcess — фоновая сверка ставит pending-записи в очередь
	AutoProcess bool
}

// NewReconcileService создаёт сервис сверки. enqueuer может быть nil,
// тогда AutoProcess недоступен.
func NewReconcileService(
	migrations repository.MigrationRepository,
	store blobstore.Store,
	enqueuer Enqueuer,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *ReconcileService {
	s := &ReconcileService{
		migrations:  migrations,
		store:       store,
		enqueuer:    enqueuer,
		interval:    cfg.Interval,
		autoProcess: cfg.AutoProcess,
		logger:      logger.With(slog.String("component", "reconcile")),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if cfg.MinInterval > 0 {
		s.recent = expirable.NewLRU[model.Interface, time.Time](len(model.AllInterfaces()), nil, cfg.MinInterval)
	}
	return s
}

// Start запускает периодическую сверку всех интерфейсов.
// При Interval == 0 фоновая сверка не запускается.
func (s *ReconcileService) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Периодическая сверка отключена")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая сверка запущена",
			slog.String("interval", s.interval.String()),
			slog.Bool("auto_process", s.autoProcess),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая сверка остановлена")
				return
			case <-ticker.C:
				if _, err := s.Reconcile(ctx, ReconcileRequest{
					AutoProcess: s.autoProcess,
					Trigger:     TriggerScheduler,
				}); err != nil {
					s.logger.Error("Ошибка периодической сверки", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ReconcileService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Reconcile выполняет один прогон сверки. Ошибка возвращается только при
// некорректном запросе; сбои интерфейсов и файлов — в результате.
func (s *ReconcileService) Reconcile(ctx context.Context, req ReconcileRequest) (*model.ReconcileResult, error) {
	ifaces, err := normalizeInterfaces(req.Interfaces)
	if err != nil {
		return nil, err
	}
	if req.AutoProcess && s.enqueuer == nil {
		return nil, fmt.Errorf("%w: автоприменение недоступно без очереди", ErrValidation)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	result := &model.ReconcileResult{
		RunID:      uuid.NewString(),
		StartedAt:  s.now(),
		Interfaces: make([]model.InterfaceResult, len(ifaces)),
	}

	log := s.logger.With(slog.String("run_id", result.RunID))
	log.Info("Сверка запущена",
		slog.Any("interfaces", ifaces),
		slog.Bool("force", req.Force),
		slog.Bool("auto_process", req.AutoProcess),
		slog.String("trigger", req.Trigger),
	)

	var g errgroup.Group
	g.SetLimit(maxReconcileConcurrency)
	for i, iface := range ifaces {
		g.Go(func() error {
			result.Interfaces[i] = s.reconcileInterface(ctx, log, result.RunID, iface, req)
			return nil
		})
	}
	_ = g.Wait()

	result.CompletedAt = s.now()
	log.Info("Сверка завершена",
		slog.Int("found", result.TotalFound()),
		slog.Int("synced", result.TotalSynced()),
		slog.Int("jobs_dispatched", result.TotalJobsDispatched()),
		slog.Bool("has_errors", result.HasErrors()),
	)
	return result, nil
}

func (s *ReconcileService) reconcileInterface(
	ctx context.Context,
	log *slog.Logger,
	runID string,
	iface model.Interface,
	req ReconcileRequest,
) model.InterfaceResult {
	res := model.InterfaceResult{Interface: iface}
	log = log.With(slog.String("interface", string(iface)))

	if !req.Force && s.recent != nil {
		if last, ok := s.recent.Get(iface); ok {
			log.Info("Сверка интерфейса пропущена: выполнялась недавно",
				slog.Time("last_run", last))
			res.Skipped = true
			return res
		}
	}

	start := time.Now()
	defer func() {
		reconcileDuration.WithLabelValues(string(iface)).Observe(time.Since(start).Seconds())
	}()

	objects, err := blobstore.ListMigrations(ctx, s.store, iface)
	if err != nil {
		log.Error("Ошибка листинга хранилища", slog.String("error", err.Error()))
		res.Errors = append(res.Errors, (&BlobStoreIOError{Op: "листинг", Err: err}).Error())
		return res
	}
	res.Found = len(objects)
	reconcileFilesTotal.WithLabelValues(string(iface), "found").Add(float64(len(objects)))

	for _, obj := range objects {
		created, err := s.syncObject(ctx, runID, iface, obj, req.Trigger)
		if err != nil {
			reconcileFilesTotal.WithLabelValues(string(iface), "failed").Inc()
			log.Warn("Ошибка синхронизации файла",
				slog.String("filename", obj.Name),
				slog.String("error", err.Error()),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", obj.Name, err))
			continue
		}
		if created {
			res.Synced++
			reconcileFilesTotal.WithLabelValues(string(iface), "synced").Inc()
		}
	}

	if s.recent != nil {
		s.recent.Add(iface, s.now())
	}

	if req.AutoProcess {
		res.JobsDispatched = s.dispatchPending(ctx, log, iface, &res)
	}

	log.Info("Интерфейс сверен",
		slog.Int("found", res.Found),
		slog.Int("synced", res.Synced),
		slog.Int("errors", len(res.Errors)),
	)
	return res
}

// syncObject создаёт pending-запись для нового файла. Существующая запись
// не изменяется (created == false).
func (s *ReconcileService) syncObject(
	ctx context.Context,
	runID string,
	iface model.Interface,
	obj blobstore.Object,
	trigger string,
) (bool, error) {
	exists, err := s.migrations.ExistsByFile(ctx, obj.Name, iface)
	if err != nil {
		return false, &PersistenceIOError{Op: "проверка записи", Err: err}
	}
	if exists {
		return false, nil
	}

	content, err := s.store.Get(ctx, obj.Key)
	if err != nil {
		return false, &BlobStoreIOError{Op: "скачивание " + obj.Key, Err: err}
	}

	now := s.now()
	rec := &model.MigrationRecord{
		ID:        uuid.NewString(),
		Filename:  obj.Name,
		Interface: iface,
		Version:   translation.DeriveVersion(obj.Name, now),
		Checksum:  translation.ComputeChecksum(content),
		Status:    model.StatusPending,
		Metadata: model.Metadata{
			model.MetaS3Path:            obj.Key,
			model.MetaSyncedAt:          now.Format(time.RFC3339),
			model.MetaSyncedFromS3:      true,
			model.MetaReconciliationRun: runID,
			model.MetaTrigger:           trigger,
		},
	}

	if err := s.migrations.Create(ctx, rec); err != nil {
		// Параллельная сверка успела создать запись
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, &PersistenceIOError{Op: "создание записи", Err: err}
	}
	return true, nil
}

// dispatchPending ставит pending-записи интерфейса в очередь в порядке версий.
func (s *ReconcileService) dispatchPending(
	ctx context.Context,
	log *slog.Logger,
	iface model.Interface,
	res *model.InterfaceResult,
) int {
	ids, err := s.migrations.ListPendingIDs(ctx, iface)
	if err != nil {
		res.Errors = append(res.Errors, (&PersistenceIOError{Op: "pending-записи", Err: err}).Error())
		return 0
	}

	opts := model.ApplyOptions{CreateBackup: true, ValidateChecksum: true}
	dispatched := 0
	for _, id := range ids {
		err := s.enqueuer.Enqueue(ctx, id, opts)
		switch {
		case err == nil:
			dispatched++
		case lifecycle.IsInvalidState(err):
			// Запись уже взята другим запуском
		default:
			log.Warn("Ошибка постановки в очередь",
				slog.String("migration_id", id),
				slog.String("error", err.Error()),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
		}
	}
	return dispatched
}

// normalizeInterfaces проверяет интерфейсы и убирает дубликаты.
// Пустой список — все интерфейсы.
func normalizeInterfaces(in []model.Interface) ([]model.Interface, error) {
	if len(in) == 0 {
		return model.AllInterfaces(), nil
	}
	seen := make(map[model.Interface]bool, len(in))
	out := make([]model.Interface, 0, len(in))
	for _, iface := range in {
		parsed, err := model.ParseInterface(string(iface))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if seen[parsed] {
			continue
		}
		seen[parsed] = true
		out = append(out, parsed)
	}
	return out, nil
}
