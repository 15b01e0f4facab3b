// Пакет errors — конструкторы ошибок HTTP API журнала миграций.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInvalidState    = "INVALID_STATE"
	CodeApplyFailed     = "APPLY_FAILED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeBlobUnavailable = "BLOB_STORE_UNAVAILABLE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeBody(w, statusCode, errorDetail{Code: code, Message: message})
}

func writeBody(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// InvalidState — 409 переход статуса недопустим из текущего состояния.
// Текущий и запрошенный статусы передаются в details.
func InvalidState(w http.ResponseWriter, message, migrationID, current, target string) {
	details := map[string]any{
		"current_status": current,
		"target_status":  target,
	}
	if migrationID != "" {
		details["migration_id"] = migrationID
	}
	writeBody(w, http.StatusConflict, errorDetail{
		Code:    CodeInvalidState,
		Message: message,
		Details: details,
	})
}

// ApplyFailed — 422 содержимое снимка отвергнуто при применении
// (checksum не совпал, JSON не разобран, резервная копия не записана).
func ApplyFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeApplyFailed, message)
}

// QueueFull — 503 очередь применения переполнена или остановлена.
func QueueFull(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeQueueFull, message)
}

// BlobUnavailable — 502 объектное хранилище недоступно.
func BlobUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeBlobUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
