// migrations.go — обработчики /api/v1/migrations endpoints.
// Журнал миграций: список, счётчики, содержимое, предпросмотр,
// применение, откат и массовые операции.
package handlers

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/upengage/transmigrate/internal/api/errors"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
)

// migrationResponse — запись журнала в ответах API.
type migrationResponse struct {
	ID           string          `json:"id"`
	Filename     string          `json:"filename"`
	Interface    model.Interface `json:"interface"`
	Version      string          `json:"version"`
	Checksum     string          `json:"checksum"`
	Status       model.Status    `json:"status"`
	Metadata     model.Metadata  `json:"metadata"`
	BatchNumber  *int            `json:"batch_number"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	RolledBackAt *time.Time      `json:"rolled_back_at,omitempty"`
}

func toMigrationResponse(rec *model.MigrationRecord) migrationResponse {
	meta := rec.Metadata
	if meta == nil {
		meta = model.Metadata{}
	}
	return migrationResponse{
		ID:           rec.ID,
		Filename:     rec.Filename,
		Interface:    rec.Interface,
		Version:      rec.Version,
		Checksum:     rec.Checksum,
		Status:       rec.Status,
		Metadata:     meta,
		BatchNumber:  rec.BatchNumber,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		RolledBackAt: rec.RolledBackAt,
	}
}

type migrationListResponse struct {
	Items  []migrationResponse `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

type countersResponse struct {
	ByStatus     map[model.Status]int `json:"by_status"`
	Pending      int                  `json:"pending"`
	Processing   int                  `json:"processing"`
	FailedRecent int                  `json:"failed_recent"`
	Total        int                  `json:"total"`
}

// applyRequest — параметры применения; отсутствующие флаги включены.
type applyRequest struct {
	CreateBackup     *bool `json:"create_backup"`
	ValidateChecksum *bool `json:"validate_checksum"`
	// Async — поставить в очередь (по умолчанию, если очередь настроена)
	Async *bool `json:"async"`
}

func (r applyRequest) options() model.ApplyOptions {
	return model.ApplyOptions{
		CreateBackup:     r.CreateBackup == nil || *r.CreateBackup,
		ValidateChecksum: r.ValidateChecksum == nil || *r.ValidateChecksum,
	}
}

// selectionRequest — выбор записей: явный список или вся текущая страница.
type selectionRequest struct {
	IDs       []string `json:"ids"`
	SelectAll bool     `json:"select_all"`
	PageIDs   []string `json:"page_ids"`
}

func (s selectionRequest) resolve() []string {
	return service.ResolveSelection(s.IDs, s.SelectAll, s.PageIDs)
}

type applyBulkRequest struct {
	selectionRequest
	CreateBackup     *bool `json:"create_backup"`
	ValidateChecksum *bool `json:"validate_checksum"`
}

type retryFailedRequest struct {
	// IDs — failed-записи; пусто — все failed
	IDs []string `json:"ids"`
}

type idsResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

func newIDsResponse(ids []string) idsResponse {
	if ids == nil {
		ids = []string{}
	}
	return idsResponse{IDs: ids, Count: len(ids)}
}

// migrationID извлекает и проверяет {id} из пути.
func migrationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный идентификатор миграции: %q", id))
		return "", false
	}
	return id, true
}

// ListMigrations — GET /api/v1/migrations.
// Параметры: preset, interface, status, search, created_after (RFC 3339), limit, offset.
func (h *APIHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	preset, err := service.ParsePreset(q.Get("preset"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var filter model.MigrationFilter
	if v := q.Get("interface"); v != "" {
		if filter.Interface, err = model.ParseInterface(v); err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
	}
	if v := q.Get("status"); v != "" {
		if filter.Status, err = model.ParseStatus(v); err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
	}
	filter.Search = strings.TrimSpace(q.Get("search"))
	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apierrors.ValidationError(w, "created_after: ожидается время в формате RFC 3339")
			return
		}
		filter.CreatedAfter = &t
	}

	page, err := parsePage(q.Get("limit"), q.Get("offset"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	res, err := h.queries.List(r.Context(), preset, filter, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]migrationResponse, 0, len(res.Items))
	for _, rec := range res.Items {
		items = append(items, toMigrationResponse(rec))
	}
	writeJSON(w, http.StatusOK, migrationListResponse{
		Items:  items,
		Total:  res.Total,
		Limit:  res.Limit,
		Offset: res.Offset,
	})
}

func parsePage(limit, offset string) (service.Page, error) {
	var p service.Page
	var err error
	if limit != "" {
		if p.Limit, err = strconv.Atoi(limit); err != nil {
			return p, fmt.Errorf("limit: некорректное целое число %q", limit)
		}
	}
	if offset != "" {
		if p.Offset, err = strconv.Atoi(offset); err != nil {
			return p, fmt.Errorf("offset: некорректное целое число %q", offset)
		}
	}
	return p, nil
}

// GetCounters — GET /api/v1/migrations/counters.
func (h *APIHandler) GetCounters(w http.ResponseWriter, r *http.Request) {
	c, err := h.queries.Counters(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	byStatus := make(map[model.Status]int, len(model.AllStatuses()))
	for _, st := range model.AllStatuses() {
		byStatus[st] = c.ByStatus[st]
	}
	writeJSON(w, http.StatusOK, countersResponse{
		ByStatus:     byStatus,
		Pending:      c.Pending(),
		Processing:   c.Processing(),
		FailedRecent: c.FailedRecent,
		Total:        c.Total,
	})
}

// GetActivity — GET /api/v1/migrations/activity.
// active=true — журнал менялся за последние 5 минут.
func (h *APIHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	active, err := h.queries.HasRecentActivity(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// GetMigration — GET /api/v1/migrations/{id}.
func (h *APIHandler) GetMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := migrationID(w, r)
	if !ok {
		return
	}
	rec, err := h.queries.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMigrationResponse(rec))
}

// DownloadContent — GET /api/v1/migrations/{id}/content.
// Отдаёт исходный снимок из хранилища как вложение.
func (h *APIHandler) DownloadContent(w http.ResponseWriter, r *http.Request) {
	id, ok := migrationID(w, r)
	if !ok {
		return
	}
	rec, content, err := h.queries.DownloadRaw(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// PreviewMigration — GET /api/v1/migrations/{id}/preview.
// Пробное применение: изменения рассчитываются, но не записываются.
func (h *APIHandler) PreviewMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := migrationID(w, r)
	if !ok {
		return
	}
	p, err := h.actions.Preview(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ApplyMigration — POST /api/v1/migrations/{id}/apply.
// При настроенной очереди запись переводится в processing и ставится
// в очередь (202), иначе применяется синхронно (200).
func (h *APIHandler) ApplyMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := migrationID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if err := decodeJSON(r, &req, true); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	opts := req.options()

	async := h.enqueuer != nil && (req.Async == nil || *req.Async)
	if !async {
		rec, err := h.actions.Apply(r.Context(), id, opts)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toMigrationResponse(rec))
		return
	}

	if err := h.enqueuer.Enqueue(r.Context(), id, opts); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	rec, err := h.queries.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.StatusProcessing)})
		return
	}
	writeJSON(w, http.StatusAccepted, toMigrationResponse(rec))
}

// RollbackMigration — POST /api/v1/migrations/{id}/rollback.
func (h *APIHandler) RollbackMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := migrationID(w, r)
	if !ok {
		return
	}
	rec, err := h.actions.Rollback(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMigrationResponse(rec))
}

// ApplyBulk — POST /api/v1/migrations/apply-bulk.
func (h *APIHandler) ApplyBulk(w http.ResponseWriter, r *http.Request) {
	var req applyBulkRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	opts := applyRequest{CreateBackup: req.CreateBackup, ValidateChecksum: req.ValidateChecksum}.options()

	res, err := h.queries.ApplyBulk(r.Context(), req.resolve(), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("Массовое применение",
		slog.Int("dispatched", len(res.Dispatched)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("failed", len(res.Failed)),
	)
	writeJSON(w, http.StatusOK, res)
}

// RetryFailed — POST /api/v1/migrations/retry-failed.
// Возвращает failed-записи в pending; без ids — все failed.
func (h *APIHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryFailedRequest
	if err := decodeJSON(r, &req, true); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	ids, err := h.queries.RetryFailed(r.Context(), req.IDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIDsResponse(ids))
}

// ExportMigrations — POST /api/v1/migrations/export.
// format=csv — выгрузка CSV (id, filename, interface), иначе JSON.
func (h *APIHandler) ExportMigrations(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "csv" && format != "json" {
		apierrors.ValidationError(w, fmt.Sprintf("format: недопустимое значение %q, допустимые: csv, json", format))
		return
	}

	rows, err := h.queries.ExportSelected(r.Context(), req.resolve())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if format != "csv" {
		writeJSON(w, http.StatusOK, map[string]any{"items": rows})
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="translation_migrations.csv"`)
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "filename", "interface"})
	for _, row := range rows {
		_ = cw.Write([]string{row.ID, row.Filename, string(row.Interface)})
	}
	cw.Flush()
}

// ReapStuck — POST /api/v1/migrations/reap-stuck.
// Немедленный проход reaper-а по зависшим processing-записям.
func (h *APIHandler) ReapStuck(w http.ResponseWriter, r *http.Request) {
	ids, err := h.reaper.RunOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIDsResponse(ids))
}
