// query.go — чтение журнала миграций для панелей и CLI.
//
// Пресеты:
//   - to-apply   — pending
//   - failed-24h — failed, созданные за последние 24 часа
//   - processing — processing
//   - custom     — фильтр задаётся целиком вызывающим
//
// Массовые операции (ApplyBulk, RetryFailed) изолируют сбои по записям.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/repository"
)

// Preset — предустановленный фильтр.
type Preset string

const (
	PresetToApply    Preset = "to-apply"
	PresetFailed24h  Preset = "failed-24h"
	PresetProcessing Preset = "processing"
	PresetCustom     Preset = "custom"
)

// ParsePreset преобразует строку в Preset. Пустая строка — custom.
func ParsePreset(s string) (Preset, error) {
	switch Preset(s) {
	case "":
		return PresetCustom, nil
	case PresetToApply, PresetFailed24h, PresetProcessing, PresetCustom:
		return Preset(s), nil
	default:
		return "", fmt.Errorf("%w: недопустимый пресет %q", ErrValidation, s)
	}
}

const (
	// DefaultPageSize — размер страницы по умолчанию.
	DefaultPageSize = 100
	// MaxPageSize — максимальный размер страницы.
	MaxPageSize = 1000
	// RecentWindow — окно failed_recent и пресета failed-24h.
	RecentWindow = 24 * time.Hour
	// ActivityWindow — окно HasRecentActivity.
	ActivityWindow = 5 * time.Minute
)

// Page — параметры пагинации.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult — страница журнала.
type ListResult struct {
	Items  []*model.MigrationRecord
	Total  int
	Limit  int
	Offset int
}

// IDs — идентификаторы записей страницы в порядке выдачи.
func (r *ListResult) IDs() []string {
	ids := make([]string, len(r.Items))
	for i, rec := range r.Items {
		ids[i] = rec.ID
	}
	return ids
}

// ExportRow — строка выгрузки выбранных записей.
type ExportRow struct {
	ID        string          `json:"id"`
	Filename  string          `json:"filename"`
	Interface model.Interface `json:"interface"`
}

// BulkItemError — запись, не обработанная массовой операцией.
type BulkItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult — итог массового применения.
type BulkResult struct {
	Dispatched []string        `json:"dispatched"`
	Skipped    []BulkItemError `json:"skipped"`
	Failed     []BulkItemError `json:"failed"`
}

// QueryService — фильтры, счётчики и массовые операции над журналом.
type QueryService struct {
	migrations repository.MigrationRepository
	store      blobstore.Store
	apply      *ApplyService
	enqueuer   Enqueuer
	logger     *slog.Logger
	now        func() time.Time
}

// NewQueryService создаёт сервис запросов. enqueuer выполняет ApplyBulk:
// Dispatcher в сервере, InlineEnqueuer в CLI.
func NewQueryService(
	migrations repository.MigrationRepository,
	store blobstore.Store,
	apply *ApplyService,
	enqueuer Enqueuer,
	logger *slog.Logger,
) *QueryService {
	return &QueryService{
		migrations: migrations,
		store:      store,
		apply:      apply,
		enqueuer:   enqueuer,
		logger:     logger.With(slog.String("component", "query")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PresetFilter строит фильтр пресета. Interface и Search берутся из custom
// для любого пресета; custom возвращается как есть.
func PresetFilter(p Preset, custom model.MigrationFilter, now time.Time) model.MigrationFilter {
	f := model.MigrationFilter{Interface: custom.Interface, Search: custom.Search}
	switch p {
	case PresetToApply:
		f.Status = model.StatusPending
	case PresetFailed24h:
		since := now.Add(-RecentWindow)
		f.Status = model.StatusFailed
		f.CreatedAfter = &since
	case PresetProcessing:
		f.Status = model.StatusProcessing
	default:
		return custom
	}
	return f
}

// List возвращает страницу журнала и общее количество по фильтру.
func (s *QueryService) List(ctx context.Context, preset Preset, filter model.MigrationFilter, page Page) (*ListResult, error) {
	page = page.normalize()
	f := PresetFilter(preset, filter, s.now())

	items, err := s.migrations.List(ctx, f, page.Limit, page.Offset)
	if err != nil {
		return nil, &PersistenceIOError{Op: "список миграций", Err: err}
	}
	total, err := s.migrations.Count(ctx, f)
	if err != nil {
		return nil, &PersistenceIOError{Op: "количество миграций", Err: err}
	}
	return &ListResult{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Get возвращает запись по идентификатору.
func (s *QueryService) Get(ctx context.Context, id string) (*model.MigrationRecord, error) {
	rec, err := s.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "получение миграции", id)
	}
	return rec, nil
}

// Counters возвращает счётчики по статусам и failed за последние 24 часа.
func (s *QueryService) Counters(ctx context.Context) (model.StatusCounters, error) {
	c, err := s.migrations.CountByStatus(ctx, s.now().Add(-RecentWindow))
	if err != nil {
		return model.StatusCounters{}, &PersistenceIOError{Op: "счётчики", Err: err}
	}
	return c, nil
}

// HasRecentActivity — изменялся ли журнал за последние 5 минут
// (панели переходят на частое обновление).
func (s *QueryService) HasRecentActivity(ctx context.Context) (bool, error) {
	latest, err := s.migrations.LatestUpdate(ctx)
	if err != nil {
		return false, &PersistenceIOError{Op: "последнее изменение", Err: err}
	}
	if latest == nil {
		return false, nil
	}
	return s.now().Sub(*latest) <= ActivityWindow, nil
}

// ResolveSelection возвращает выбранные идентификаторы. selectAll выбирает
// только записи текущей страницы, а не весь результат фильтра. Явный выбор
// ограничивается страницей, если pageIDs переданы. Дубликаты удаляются.
func ResolveSelection(selected []string, selectAll bool, pageIDs []string) []string {
	if selectAll {
		return dedupe(pageIDs)
	}
	if pageIDs == nil {
		return dedupe(selected)
	}
	onPage := make(map[string]bool, len(pageIDs))
	for _, id := range pageIDs {
		onPage[id] = true
	}
	out := make([]string, 0, len(selected))
	for _, id := range dedupe(selected) {
		if onPage[id] {
			out = append(out, id)
		}
	}
	return out
}

// ExportSelected возвращает id, filename и interface выбранных записей.
func (s *QueryService) ExportSelected(ctx context.Context, ids []string) ([]ExportRow, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []ExportRow{}, nil
	}
	recs, err := s.migrations.ListByIDs(ctx, ids)
	if err != nil {
		return nil, &PersistenceIOError{Op: "выгрузка", Err: err}
	}
	rows := make([]ExportRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, ExportRow{ID: r.ID, Filename: r.Filename, Interface: r.Interface})
	}
	return rows, nil
}

// ApplyBulk ставит выбранные pending-записи на применение. Каждая запись
// перечитывается; не-pending и проигравшие гонку переходов пропускаются,
// сбои остальных не влияют на соседние записи.
func (s *QueryService) ApplyBulk(ctx context.Context, ids []string, opts model.ApplyOptions) (*BulkResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: не выбрано ни одной миграции", ErrValidation)
	}

	res := &BulkResult{Dispatched: []string{}, Skipped: []BulkItemError{}, Failed: []BulkItemError{}}
	for _, id := range ids {
		rec, err := s.migrations.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				res.Skipped = append(res.Skipped, BulkItemError{ID: id, Reason: "не найдена"})
				continue
			}
			res.Failed = append(res.Failed, BulkItemError{ID: id, Reason: err.Error()})
			continue
		}
		if rec.Status != model.StatusPending {
			res.Skipped = append(res.Skipped, BulkItemError{ID: id, Reason: "статус " + string(rec.Status)})
			continue
		}

		err = s.enqueuer.Enqueue(ctx, id, opts)
		switch {
		case err == nil:
			res.Dispatched = append(res.Dispatched, id)
		case lifecycle.IsInvalidState(err):
			res.Skipped = append(res.Skipped, BulkItemError{ID: id, Reason: "статус изменён параллельно"})
		default:
			res.Failed = append(res.Failed, BulkItemError{ID: id, Reason: err.Error()})
		}
	}

	s.logger.Info("Массовое применение",
		slog.Int("requested", len(ids)),
		slog.Int("dispatched", len(res.Dispatched)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// RetryFailed возвращает failed-записи в pending. Пустой ids — все failed.
func (s *QueryService) RetryFailed(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return s.apply.RetryFailed(ctx, nil)
	}
	// Явный выбор не расширяется до всех failed, даже если в нём одни пустые id
	selected := dedupe(ids)
	if len(selected) == 0 {
		return []string{}, nil
	}
	return s.apply.RetryFailed(ctx, selected)
}

// DownloadRaw возвращает исходное содержимое снимка записи.
func (s *QueryService) DownloadRaw(ctx context.Context, id string) (*model.MigrationRecord, []byte, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.store.Get(ctx, blobPath(rec))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: содержимое %s", ErrNotFound, blobPath(rec))
		}
		return nil, nil, &BlobStoreIOError{Op: "скачивание " + blobPath(rec), Err: err}
	}
	return rec, content, nil
}

// dedupe удаляет пустые и повторяющиеся идентификаторы, сохраняя порядок.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
