package model

import "time"

// InterfaceResult — итог сверки одного интерфейса.
type InterfaceResult struct {
	// Interface — интерфейс
	Interface Interface `json:"interface"`
	// Found — объектов найдено в хранилище
	Found int `json:"found"`
	// Synced — новых записей создано в журнале
	Synced int `json:"synced"`
	// Skipped — сверка интерфейса пропущена (недавно выполнялась)
	Skipped bool `json:"skipped"`
	// JobsDispatched — поставлено задач на применение
	JobsDispatched int `json:"jobs_dispatched"`
	// Errors — ошибки по отдельным файлам или листингу
	Errors []string `json:"errors,omitempty"`
}

// ReconcileResult — итог одного прогона сверки.
type ReconcileResult struct {
	// RunID — идентификатор прогона (записывается в metadata созданных записей)
	RunID string `json:"run_id"`
	// StartedAt — время начала
	StartedAt time.Time `json:"started_at"`
	// CompletedAt — время завершения
	CompletedAt time.Time `json:"completed_at"`
	// Interfaces — результаты по интерфейсам в порядке запроса
	Interfaces []InterfaceResult `json:"interfaces"`
}

// TotalFound — всего найдено объектов.
func (r ReconcileResult) TotalFound() int {
	n := 0
	for _, ir := range r.Interfaces {
		n += ir.Found
	}
	return n
}

// TotalSynced — всего создано записей.
func (r ReconcileResult) TotalSynced() int {
	n := 0
	for _, ir := range r.Interfaces {
		n += ir.Synced
	}
	return n
}

// TotalJobsDispatched — всего поставлено задач.
func (r ReconcileResult) TotalJobsDispatched() int {
	n := 0
	for _, ir := range r.Interfaces {
		n += ir.JobsDispatched
	}
	return n
}

// HasErrors — были ли ошибки хотя бы в одном интерфейсе.
func (r ReconcileResult) HasErrors() bool {
	for _, ir := range r.Interfaces {
		if len(ir.Errors) > 0 {
			return true
		}
	}
	return false
}
