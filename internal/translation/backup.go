// backup.go — резервная копия значений, затрагиваемых применением миграции.
package translation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/upengage/transmigrate/internal/domain/model"
)

// BackupOperation — тип операции в имени и теле резервной копии.
const BackupOperation = "before-apply-migration"

// CreatedValue — пара (ключ, локаль), которую создаёт миграция.
type CreatedValue struct {
	KeyRef
	Locale string `json:"locale"`
}

// Backup — документ резервной копии. Поле translations имеет тот же
// формат, что и импорт/экспорт, и содержит прежние значения перезаписываемых пар.
// Created и CreatedKeys перечисляют то, чего до применения не было.
type Backup struct {
	Interface    model.Interface              `json:"interface"`
	MigrationID  string                       `json:"migration_id"`
	Operation    string                       `json:"operation"`
	CreatedAt    time.Time                    `json:"created_at"`
	Translations map[string]map[string]string `json:"translations"`
	Created      []CreatedValue               `json:"created"`
	CreatedKeys  []KeyRef                     `json:"created_keys"`
}

// BuildBackup строит резервную копию для ChangeSet (с уже применённой политикой).
func BuildBackup(iface model.Interface, migrationID string, cs ChangeSet, at time.Time) *Backup {
	b := &Backup{
		Interface:    iface,
		MigrationID:  migrationID,
		Operation:    BackupOperation,
		CreatedAt:    at.UTC(),
		Translations: make(map[string]map[string]string),
		Created:      []CreatedValue{},
		CreatedKeys:  []KeyRef{},
	}
	for _, v := range cs.UpdatedValues {
		fk := v.FullKey()
		if b.Translations[fk] == nil {
			b.Translations[fk] = make(map[string]string)
		}
		b.Translations[fk][v.Locale] = v.OldValue
	}
	for _, v := range cs.NewValues {
		b.Created = append(b.Created, CreatedValue{KeyRef: v.KeyRef, Locale: v.Locale})
	}
	for _, nk := range cs.NewKeys {
		b.CreatedKeys = append(b.CreatedKeys, nk.KeyRef)
		for _, l := range sortedLocales(nk.Values) {
			b.Created = append(b.Created, CreatedValue{KeyRef: nk.KeyRef, Locale: l})
		}
	}
	return b
}

// PriorValues возвращает сохранённые значения в виде снимка.
func (b *Backup) PriorValues() Snapshot {
	snap := make(Snapshot, len(b.Translations))
	for fk, locales := range b.Translations {
		ref := SplitKey(fk)
		snap[ref] = make(map[string]string, len(locales))
		for l, v := range locales {
			snap[ref][l] = v
		}
	}
	return snap
}

// Encode сериализует резервную копию.
func (b *Backup) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("сериализация резервной копии: %w", err)
	}
	return data, nil
}

// DecodeBackup разбирает резервную копию.
func DecodeBackup(data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("разбор резервной копии: %w", err)
	}
	if b.Interface == "" {
		return nil, fmt.Errorf("разбор резервной копии: не указан interface")
	}
	return &b, nil
}
