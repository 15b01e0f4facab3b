// handler.go — обработчик API журнала миграций переводов.
// Разбирает запросы, делегирует в сервисный слой и отображает ошибки
// сервисов в единый формат ответа.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/upengage/transmigrate/internal/api/errors"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
)

// maxBodyBytes — предел размера тела запроса.
const maxBodyBytes = 1 << 20

// MigrationQueries — операции чтения и массовые операции журнала.
// Реализуется service.QueryService.
type MigrationQueries interface {
	List(ctx context.Context, preset service.Preset, filter model.MigrationFilter, page service.Page) (*service.ListResult, error)
	Get(ctx context.Context, id string) (*model.MigrationRecord, error)
	Counters(ctx context.Context) (model.StatusCounters, error)
	HasRecentActivity(ctx context.Context) (bool, error)
	ExportSelected(ctx context.Context, ids []string) ([]service.ExportRow, error)
	ApplyBulk(ctx context.Context, ids []string, opts model.ApplyOptions) (*service.BulkResult, error)
	RetryFailed(ctx context.Context, ids []string) ([]string, error)
	DownloadRaw(ctx context.Context, id string) (*model.MigrationRecord, []byte, error)
}

// MigrationActions — применение, откат и предпросмотр одной миграции.
// Реализуется service.ApplyService.
type MigrationActions interface {
	Apply(ctx context.Context, id string, opts model.ApplyOptions) (*model.MigrationRecord, error)
	Rollback(ctx context.Context, id string) (*model.MigrationRecord, error)
	Preview(ctx context.Context, id string) (*service.Preview, error)
}

// Reconciler — запуск сверки хранилища с журналом.
type Reconciler interface {
	Reconcile(ctx context.Context, req service.ReconcileRequest) (*model.ReconcileResult, error)
}

// StuckReaper — перевод зависших processing-записей в failed.
type StuckReaper interface {
	RunOnce(ctx context.Context) ([]string, error)
}

// APIHandler — обработчик API журнала миграций.
type APIHandler struct {
	health    *HealthHandler
	queries   MigrationQueries
	actions   MigrationActions
	reconcile Reconciler
	reaper    StuckReaper
	// enqueuer — асинхронная очередь применения; nil — применение синхронное
	enqueuer service.Enqueuer
	logger   *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	queries MigrationQueries,
	actions MigrationActions,
	reconcile Reconciler,
	reaper StuckReaper,
	enqueuer service.Enqueuer,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		queries:   queries,
		actions:   actions,
		reconcile: reconcile,
		reaper:    reaper,
		enqueuer:  enqueuer,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса в dst. Пустое тело допустимо,
// если allowEmpty: dst остаётся со значениями по умолчанию.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("пустое тело запроса")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		checksumErr *service.ChecksumMismatchError
		parseErr    *service.ContentParseError
		backupErr   *service.BackupFailedError
		blobErr     *service.BlobStoreIOError
		persistErr  *service.PersistenceIOError
		stateErr    *lifecycle.InvalidStateError
	)

	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.As(err, &stateErr):
		apierrors.InvalidState(w, err.Error(), stateErr.ID, string(stateErr.Current), string(stateErr.Target))
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrDispatcherStopped):
		apierrors.QueueFull(w, err.Error())
	case errors.As(err, &checksumErr), errors.As(err, &parseErr), errors.As(err, &backupErr):
		apierrors.ApplyFailed(w, err.Error())
	case errors.As(err, &blobErr):
		h.logger.Warn("Хранилище снимков недоступно",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.BlobUnavailable(w, err.Error())
	case errors.As(err, &persistErr):
		h.logger.Error("Ошибка журнала миграций",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка доступа к базе данных")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
