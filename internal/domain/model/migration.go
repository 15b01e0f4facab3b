// Пакет model — доменные модели журнала миграций переводов.
package model

import (
	"fmt"
	"time"
)

// Interface — клиентский интерфейс, для которого предназначен снимок переводов.
type Interface string

const (
	InterfaceMobile         Interface = "mobile"
	InterfaceWebFinancer    Interface = "web_financer"
	InterfaceWebBeneficiary Interface = "web_beneficiary"
)

// AllInterfaces возвращает все интерфейсы в фиксированном порядке.
func AllInterfaces() []Interface {
	return []Interface{InterfaceMobile, InterfaceWebFinancer, InterfaceWebBeneficiary}
}

// ParseInterface преобразует строку в Interface.
func ParseInterface(s string) (Interface, error) {
	switch Interface(s) {
	case InterfaceMobile, InterfaceWebFinancer, InterfaceWebBeneficiary:
		return Interface(s), nil
	default:
		return "", fmt.Errorf("недопустимый интерфейс: %q, допустимые: mobile, web_financer, web_beneficiary", s)
	}
}

// Status — статус записи журнала миграций.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// AllStatuses возвращает все статусы.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRolledBack}
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("недопустимый статус: %q, допустимые: pending, processing, completed, failed, rolled_back", s)
}

// Ключи metadata записи миграции.
const (
	MetaS3Path                = "s3_path"
	MetaSyncedAt              = "synced_at"
	MetaSyncedFromS3          = "synced_from_s3"
	MetaReconciliationRun     = "reconciliation_run"
	MetaTrigger               = "trigger"
	MetaCreateBackupRequested = "create_backup_requested"
	MetaValidateChecksumReq   = "validate_checksum_requested"
	MetaApplyRequestedAt      = "apply_requested_at"
	MetaDispatchedToQueue     = "dispatched_to_queue"
	MetaAppliedAt             = "applied_at"
	MetaSummary               = "summary"
	MetaBackupPath            = "backup_path"
	MetaError                 = "error"
	MetaErrorKind             = "error_kind"
	MetaFailedAt              = "failed_at"
	MetaRolledBackAt          = "rolled_back_at"
	MetaRestoredValues        = "restored_values"
	MetaRollbackWarning       = "rollback_warning"
	MetaRetriedAt             = "retried_at"
)

// Metadata — открытый набор ключ/значение с операционной историей записи.
// Хранится как JSONB и дополняется слиянием (metadata || patch).
type Metadata map[string]any

// String возвращает строковое значение ключа или пустую строку.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// MigrationRecord — запись журнала: один обнаруженный снимок переводов
// для пары (filename, interface).
type MigrationRecord struct {
	// ID — UUID записи
	ID string
	// Filename — имя объекта в хранилище (basename)
	Filename string
	// Interface — целевой клиентский интерфейс
	Interface Interface
	// Version — версия из имени файла (YYYY-MM-DD_HHMMSS) или время обнаружения
	Version string
	// Checksum — SHA-256 (hex) содержимого на момент обнаружения
	Checksum string
	// Status — текущий статус
	Status Status
	// Metadata — операционная история
	Metadata Metadata
	// BatchNumber — номер пакета применения (назначается при completed)
	BatchNumber *int
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения
	UpdatedAt time.Time
	// RolledBackAt — время отката (nil, если откат не выполнялся)
	RolledBackAt *time.Time
}

// ApplyOptions — параметры применения миграции.
type ApplyOptions struct {
	// CreateBackup — снять резервную копию перезаписываемых значений
	CreateBackup bool
	// ValidateChecksum — перепроверить checksum скачанного содержимого
	ValidateChecksum bool
}

// MigrationFilter — фильтр выборки журнала.
type MigrationFilter struct {
	// Interface — фильтр по интерфейсу (пусто — все)
	Interface Interface
	// Status — фильтр по статусу (пусто — все)
	Status Status
	// Search — подстрока в filename или version
	Search string
	// CreatedAfter — только записи, созданные после указанного времени
	CreatedAfter *time.Time
	// IDs — ограничение набором идентификаторов
	IDs []string
}

// StatusCounters — счётчики для дашборда.
type StatusCounters struct {
	// ByStatus — количество записей по каждому статусу
	ByStatus map[Status]int
	// FailedRecent — failed-записи, изменённые за последние 24 часа
	FailedRecent int
	// Total — всего записей
	Total int
}

// Pending — количество записей в ожидании применения.
func (c StatusCounters) Pending() int { return c.ByStatus[StatusPending] }

// Processing — количество записей в обработке.
func (c StatusCounters) Processing() int { return c.ByStatus[StatusProcessing] }
