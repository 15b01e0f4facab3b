// apply.go — применение и откат миграций переводов.
//
// Жизненный цикл записи:
//
//	pending → processing (Begin, условный UPDATE — единственная точка сериализации)
//	processing → completed | failed (Process)
//	completed → rolled_back (Rollback)
//	failed → pending (RetryFailed)
//
// Process после Begin всегда завершает запись в completed или failed:
// запись переводов и переход в completed выполняются одной транзакцией,
// любая ошибка до коммита переводит запись в failed с причиной в metadata.
//
// Prometheus-метрики:
//   - translation_migrations_apply_total — результаты применения (completed, failed)
//   - translation_migrations_apply_duration_seconds — длительность Process
//   - translation_migrations_rollback_total — откаты (restored, no_backup)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/repository"
	"github.com/upengage/transmigrate/internal/translation"
)

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translation_migrations_apply_total",
		Help: "Результаты применения миграций переводов",
	}, []string{"interface", "outcome"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "translation_migrations_apply_duration_seconds",
		Help:    "Длительность применения миграции",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"interface"})

	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translation_migrations_rollback_total",
		Help: "Откаты миграций переводов",
	}, []string{"interface", "mode"})
)

// failureWriteTimeout — время на запись failed после отмены контекста вызывающего.
const failureWriteTimeout = 10 * time.Second

// Preview — результат пробного применения (без записи).
type Preview struct {
	Record  *model.MigrationRecord `json:"-"`
	Summary translation.Summary    `json:"summary"`
	Changes translation.ChangeSet  `json:"changes"`
}

// ApplyService — автомат применения/отката миграций.
type ApplyService struct {
	migrations   repository.MigrationRepository
	translations repository.TranslationRepository
	tx           repository.Transactor
	store        blobstore.Store
	logger       *slog.Logger
	now          func() time.Time
}

// NewApplyService создаёт сервис применения миграций.
func NewApplyService(
	migrations repository.MigrationRepository,
	translations repository.TranslationRepository,
	tx repository.Transactor,
	store blobstore.Store,
	logger *slog.Logger,
) *ApplyService {
	return &ApplyService{
		migrations:   migrations,
		translations: translations,
		tx:           tx,
		store:        store,
		logger:       logger.With(slog.String("component", "apply")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Begin переводит запись pending → processing и фиксирует параметры запроса.
// После возврата без ошибки переход виден всем читателям.
func (s *ApplyService) Begin(ctx context.Context, id string, opts model.ApplyOptions, queue string) (*model.MigrationRecord, error) {
	patch := model.Metadata{
		model.MetaCreateBackupRequested: opts.CreateBackup,
		model.MetaValidateChecksumReq:   opts.ValidateChecksum,
		model.MetaApplyRequestedAt:      s.now().Format(time.RFC3339),
	}
	if queue != "" {
		patch[model.MetaDispatchedToQueue] = queue
	}

	rec, err := s.migrations.UpdateStatus(ctx, id, repository.StatusChange{
		From: model.StatusPending, To: model.StatusProcessing, Patch: patch,
	})
	if err != nil {
		return nil, mapRepoError(err, "начало применения", id)
	}

	s.logger.Info("Миграция взята в обработку",
		slog.String("migration_id", id),
		slog.String("filename", rec.Filename),
		slog.String("interface", string(rec.Interface)),
		slog.Bool("create_backup", opts.CreateBackup),
		slog.Bool("validate_checksum", opts.ValidateChecksum),
	)
	return rec, nil
}

// Apply — синхронное применение: Begin + Process.
func (s *ApplyService) Apply(ctx context.Context, id string, opts model.ApplyOptions) (*model.MigrationRecord, error) {
	if _, err := s.Begin(ctx, id, opts, ""); err != nil {
		return nil, err
	}
	return s.Process(ctx, id, opts)
}

// Process выполняет применение записи, уже находящейся в processing.
func (s *ApplyService) Process(ctx context.Context, id string, opts model.ApplyOptions) (*model.MigrationRecord, error) {
	rec, err := s.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "получение миграции", id)
	}
	if rec.Status != model.StatusProcessing {
		return nil, &lifecycle.InvalidStateError{ID: id, Current: rec.Status, Target: model.StatusCompleted}
	}

	start := time.Now()
	done, err := s.process(ctx, rec, opts)
	applyDuration.WithLabelValues(string(rec.Interface)).Observe(time.Since(start).Seconds())

	if err != nil {
		applyTotal.WithLabelValues(string(rec.Interface), string(model.StatusFailed)).Inc()
		s.markFailed(ctx, rec, err)
		return nil, err
	}

	applyTotal.WithLabelValues(string(rec.Interface), string(model.StatusCompleted)).Inc()
	s.logger.Info("Миграция применена",
		slog.String("migration_id", id),
		slog.String("filename", rec.Filename),
		slog.String("interface", string(rec.Interface)),
		slog.String("backup_path", done.Metadata.String(model.MetaBackupPath)),
	)
	return done, nil
}

func (s *ApplyService) process(ctx context.Context, rec *model.MigrationRecord, opts model.ApplyOptions) (*model.MigrationRecord, error) {
	snap, err := s.loadSnapshot(ctx, rec, opts.ValidateChecksum)
	if err != nil {
		return nil, err
	}

	var done *model.MigrationRecord
	err = s.tx.InTx(ctx, func(repos repository.Repos) error {
		if err := repos.Translations.LockInterface(ctx, rec.Interface); err != nil {
			return &PersistenceIOError{Op: "блокировка интерфейса", Err: err}
		}
		existing, err := repos.Translations.ListForInterface(ctx, rec.Interface)
		if err != nil {
			return &PersistenceIOError{Op: "чтение переводов", Err: err}
		}
		cs := translation.Diff(snap, existing).WithPolicy(translation.MigrationPolicy)

		patch := model.Metadata{
			model.MetaAppliedAt: s.now().Format(time.RFC3339),
			model.MetaSummary:   cs.Summary().AsMap(),
		}

		// Резервная копия — до любой записи; сбой прерывает применение
		if opts.CreateBackup {
			key, err := s.writeBackup(ctx, rec, cs)
			if err != nil {
				return &BackupFailedError{Err: err}
			}
			patch[model.MetaBackupPath] = key
		}

		if err := repos.Translations.ApplyChanges(ctx, rec.Interface, cs); err != nil {
			return &PersistenceIOError{Op: "запись переводов", Err: err}
		}

		batch, err := repos.Migrations.NextBatchNumber(ctx)
		if err != nil {
			return &PersistenceIOError{Op: "номер пакета", Err: err}
		}

		done, err = repos.Migrations.UpdateStatus(ctx, rec.ID, repository.StatusChange{
			From: model.StatusProcessing, To: model.StatusCompleted, Patch: patch, BatchNumber: &batch,
		})
		if err != nil {
			if lifecycle.IsInvalidState(err) {
				return err
			}
			return &PersistenceIOError{Op: "завершение миграции", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// loadSnapshot скачивает, проверяет и разбирает содержимое записи.
func (s *ApplyService) loadSnapshot(ctx context.Context, rec *model.MigrationRecord, validate bool) (translation.Snapshot, error) {
	content, err := s.download(ctx, rec)
	if err != nil {
		return nil, err
	}
	if validate {
		if actual := translation.ComputeChecksum(content); actual != rec.Checksum {
			return nil, &ChecksumMismatchError{Expected: rec.Checksum, Actual: actual}
		}
	}
	snap, err := translation.ParseSnapshot(content, rec.Interface)
	if err != nil {
		var pe *translation.ParseError
		if errors.As(err, &pe) {
			return nil, &ContentParseError{Reason: pe.Reason}
		}
		return nil, &ContentParseError{Reason: err.Error()}
	}
	return snap, nil
}

func (s *ApplyService) download(ctx context.Context, rec *model.MigrationRecord) ([]byte, error) {
	content, err := s.store.Get(ctx, blobPath(rec))
	if err != nil {
		return nil, &BlobStoreIOError{Op: "скачивание " + blobPath(rec), Err: err}
	}
	return content, nil
}

func (s *ApplyService) writeBackup(ctx context.Context, rec *model.MigrationRecord, cs translation.ChangeSet) (string, error) {
	at := s.now()
	b := translation.BuildBackup(rec.Interface, rec.ID, cs, at)
	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	key := blobstore.BackupKey(rec.Interface, translation.BackupOperation, at, rec.ID)
	if err := s.store.Put(ctx, key, data, "application/json"); err != nil {
		return "", &BlobStoreIOError{Op: "загрузка резервной копии", Err: err}
	}
	return key, nil
}

// markFailed переводит запись processing → failed с видом ошибки cause.
func (s *ApplyService) markFailed(ctx context.Context, rec *model.MigrationRecord, cause error) {
	kind := errorKind(cause)
	if err := s.Fail(ctx, rec.ID, kind, cause); err != nil {
		s.logger.Error("Не удалось перевести миграцию в failed",
			slog.String("migration_id", rec.ID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Warn("Миграция завершилась ошибкой",
		slog.String("migration_id", rec.ID),
		slog.String("filename", rec.Filename),
		slog.String("interface", string(rec.Interface)),
		slog.String("error_kind", kind),
		slog.String("error", cause.Error()),
	)
}

// Fail переводит processing-запись в failed. Выполняется и при отменённом
// контексте вызывающего, чтобы запись не осталась в processing.
func (s *ApplyService) Fail(ctx context.Context, id, kind string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	_, err := s.migrations.UpdateStatus(ctx, id, repository.StatusChange{
		From: model.StatusProcessing, To: model.StatusFailed,
		Patch: model.Metadata{
			model.MetaError:     cause.Error(),
			model.MetaErrorKind: kind,
			model.MetaFailedAt:  s.now().Format(time.RFC3339),
		},
	})
	return err
}

// Rollback откатывает completed-запись. При наличии резервной копии
// восстанавливает прежние значения; без неё только помечает запись
// rolled_back с предупреждением в metadata и логе.
func (s *ApplyService) Rollback(ctx context.Context, id string) (*model.MigrationRecord, error) {
	rec, err := s.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "получение миграции", id)
	}
	if err := lifecycle.Check(id, rec.Status, model.StatusRolledBack); err != nil {
		return nil, err
	}

	patch := model.Metadata{model.MetaRolledBackAt: s.now().Format(time.RFC3339)}
	backupPath := rec.Metadata.String(model.MetaBackupPath)

	if backupPath == "" {
		const warning = "резервная копия отсутствует: значения переводов не восстановлены"
		patch[model.MetaRollbackWarning] = warning
		done, err := s.migrations.UpdateStatus(ctx, id, repository.StatusChange{
			From: model.StatusCompleted, To: model.StatusRolledBack, Patch: patch,
		})
		if err != nil {
			return nil, mapRepoError(err, "откат", id)
		}
		rollbackTotal.WithLabelValues(string(rec.Interface), "no_backup").Inc()
		s.logger.Warn("Откат без резервной копии",
			slog.String("migration_id", id),
			slog.String("filename", rec.Filename),
			slog.String("warning", warning),
		)
		return done, nil
	}

	data, err := s.store.Get(ctx, backupPath)
	if err != nil {
		return nil, &BlobStoreIOError{Op: "скачивание резервной копии " + backupPath, Err: err}
	}
	backup, err := translation.DecodeBackup(data)
	if err != nil {
		return nil, &ContentParseError{Reason: err.Error()}
	}
	if backup.Interface != rec.Interface {
		return nil, &ContentParseError{Reason: fmt.Sprintf("резервная копия для %s, миграция для %s", backup.Interface, rec.Interface)}
	}

	var done *model.MigrationRecord
	err = s.tx.InTx(ctx, func(repos repository.Repos) error {
		if err := repos.Translations.LockInterface(ctx, rec.Interface); err != nil {
			return &PersistenceIOError{Op: "блокировка интерфейса", Err: err}
		}
		restored, err := repos.Translations.RestoreBackup(ctx, rec.Interface, backup)
		if err != nil {
			return &PersistenceIOError{Op: "восстановление резервной копии", Err: err}
		}
		patch[model.MetaRestoredValues] = restored
		done, err = repos.Migrations.UpdateStatus(ctx, id, repository.StatusChange{
			From: model.StatusCompleted, To: model.StatusRolledBack, Patch: patch,
		})
		return err
	})
	if err != nil {
		return nil, mapRepoError(err, "откат", id)
	}

	rollbackTotal.WithLabelValues(string(rec.Interface), "restored").Inc()
	s.logger.Info("Миграция откатена",
		slog.String("migration_id", id),
		slog.String("filename", rec.Filename),
		slog.String("backup_path", backupPath),
		slog.Any("restored_values", patch[model.MetaRestoredValues]),
	)
	return done, nil
}

// RetryFailed возвращает failed-записи в pending. Пустой ids — все failed.
// Записи в других статусах не затрагиваются.
func (s *ApplyService) RetryFailed(ctx context.Context, ids []string) ([]string, error) {
	var target []string
	if len(ids) > 0 {
		target = ids
	}
	retried, err := s.migrations.BulkUpdateStatus(ctx, target, model.StatusFailed, model.StatusPending,
		model.Metadata{model.MetaRetriedAt: s.now().Format(time.RFC3339)})
	if err != nil {
		return nil, &PersistenceIOError{Op: "повтор failed", Err: err}
	}
	s.logger.Info("Failed-миграции возвращены в pending",
		slog.Int("requested", len(ids)),
		slog.Int("retried", len(retried)),
	)
	return retried, nil
}

// Preview — пробное применение: что изменится, без записи и без смены статуса.
func (s *ApplyService) Preview(ctx context.Context, id string) (*Preview, error) {
	rec, err := s.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "получение миграции", id)
	}
	snap, err := s.loadSnapshot(ctx, rec, false)
	if err != nil {
		return nil, err
	}
	existing, err := s.translations.ListForInterface(ctx, rec.Interface)
	if err != nil {
		return nil, &PersistenceIOError{Op: "чтение переводов", Err: err}
	}
	cs := translation.Diff(snap, existing).WithPolicy(translation.MigrationPolicy)
	return &Preview{Record: rec, Summary: cs.Summary(), Changes: cs}, nil
}

// blobPath — путь к снимку: из metadata (s3_path) или по раскладке ключей.
func blobPath(rec *model.MigrationRecord) string {
	if p := rec.Metadata.String(model.MetaS3Path); p != "" {
		return p
	}
	return blobstore.MigrationKey(rec.Interface, rec.Filename)
}

// mapRepoError переводит ошибки репозитория в ошибки сервиса.
func mapRepoError(err error, op, id string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: миграция %s", ErrNotFound, id)
	case lifecycle.IsInvalidState(err):
		return err
	default:
		var pe *PersistenceIOError
		if errors.As(err, &pe) {
			return err
		}
		return &PersistenceIOError{Op: op, Err: err}
	}
}
