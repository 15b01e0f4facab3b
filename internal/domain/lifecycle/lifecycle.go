// Пакет lifecycle — конечный автомат статусов записи журнала миграций.
//
// Допустимые переходы:
//
//	pending    → processing            (apply)
//	processing → completed | failed    (результат применения)
//	failed     → pending               (retry, только явно)
//	completed  → rolled_back           (rollback, конечный статус)
//
// Всё остальное — InvalidStateError.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/upengage/transmigrate/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.Status]map[model.Status]bool{
	model.StatusPending:    {model.StatusProcessing: true},
	model.StatusProcessing: {model.StatusCompleted: true, model.StatusFailed: true},
	model.StatusFailed:     {model.StatusPending: true},
	model.StatusCompleted:  {model.StatusRolledBack: true},
	model.StatusRolledBack: {},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.Status) bool {
	return validTransitions[from][to]
}

// Check возвращает InvalidStateError, если переход from → to недопустим.
func Check(id string, from, to model.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidStateError{ID: id, Current: from, Target: to}
}

// Targets возвращает допустимые целевые статусы для from.
func Targets(from model.Status) []model.Status {
	result := make([]model.Status, 0, 2)
	for _, st := range model.AllStatuses() {
		if validTransitions[from][st] {
			result = append(result, st)
		}
	}
	return result
}

// InvalidStateError — попытка перехода, нарушающая автомат статусов.
// Состояние записи при этом не меняется.
type InvalidStateError struct {
	// ID — запись журнала
	ID string
	// Current — статус записи на момент попытки
	Current model.Status
	// Target — запрошенный статус
	Target model.Status
}

func (e *InvalidStateError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("INVALID_STATE: переход %s → %s недопустим", e.Current, e.Target)
	}
	return fmt.Sprintf("INVALID_STATE: миграция %s: переход %s → %s недопустим", e.ID, e.Current, e.Target)
}

// IsInvalidState — удобная проверка через errors.As.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}
