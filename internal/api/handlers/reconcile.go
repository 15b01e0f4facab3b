// reconcile.go — POST /api/v1/reconcile: ручной запуск сверки хранилища с журналом.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/upengage/transmigrate/internal/api/errors"
	"github.com/upengage/transmigrate/internal/api/middleware"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
)

type reconcileRequest struct {
	// Interfaces — интерфейсы для сверки; пусто — все
	Interfaces []string `json:"interfaces"`
	// Force — игнорировать ограничение частоты сверки
	Force bool `json:"force"`
	// AutoProcess — поставить найденные pending-записи в очередь применения
	AutoProcess bool `json:"auto_process"`
}

type reconcileResponse struct {
	*model.ReconcileResult
	TotalFound          int  `json:"total_found"`
	TotalSynced         int  `json:"total_synced"`
	TotalJobsDispatched int  `json:"total_jobs_dispatched"`
	HasErrors           bool `json:"has_errors"`
}

// Reconcile — POST /api/v1/reconcile.
// Ошибки отдельных интерфейсов возвращаются в теле ответа со статусом 200.
func (h *APIHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(r, &req, true); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	ifaces := make([]model.Interface, 0, len(req.Interfaces))
	for _, s := range req.Interfaces {
		iface, err := model.ParseInterface(s)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		ifaces = append(ifaces, iface)
	}

	res, err := h.reconcile.Reconcile(r.Context(), service.ReconcileRequest{
		Interfaces:  ifaces,
		Force:       req.Force,
		AutoProcess: req.AutoProcess,
		Trigger:     service.TriggerManual,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("Ручная сверка выполнена",
		slog.String("run_id", res.RunID),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int("found", res.TotalFound()),
		slog.Int("synced", res.TotalSynced()),
	)
	writeJSON(w, http.StatusOK, reconcileResponse{
		ReconcileResult:     res,
		TotalFound:          res.TotalFound(),
		TotalSynced:         res.TotalSynced(),
		TotalJobsDispatched: res.TotalJobsDispatched(),
		HasErrors:           res.HasErrors(),
	})
}
