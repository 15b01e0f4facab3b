// diff.go — сравнение снимка с текущим состоянием переводов интерфейса.
package translation

// ExistingKey — ключ перевода, уже сохранённый в хранилище.
type ExistingKey struct {
	// ID — идентификатор ключа в хранилище
	ID int64
	// Values — локаль → значение
	Values map[string]string
}

// Existing — текущее состояние переводов одного интерфейса.
type Existing map[KeyRef]ExistingKey

// NewKey — ключ, которого нет в хранилище, со всеми значениями из снимка.
type NewKey struct {
	KeyRef
	Values map[string]string `json:"values"`
}

// ValueChange — изменение (или отсутствие изменения) одного значения.
type ValueChange struct {
	KeyRef
	// KeyID — идентификатор существующего ключа
	KeyID    int64  `json:"key_id"`
	Locale   string `json:"locale"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value"`
}

// ChangeSet — результат сравнения, разложенный по четырём корзинам.
type ChangeSet struct {
	NewKeys       []NewKey      `json:"new_keys"`
	NewValues     []ValueChange `json:"new_values"`
	UpdatedValues []ValueChange `json:"updated_values"`
	Unchanged     []ValueChange `json:"unchanged"`
}

// Summary — счётчики ChangeSet.
type Summary struct {
	NewKeys       int `json:"new_keys"`
	NewValues     int `json:"new_values"`
	UpdatedValues int `json:"updated_values"`
	Unchanged     int `json:"unchanged"`
}

// AsMap — представление для metadata записи журнала.
func (s Summary) AsMap() map[string]any {
	return map[string]any{
		"new_keys":       s.NewKeys,
		"new_values":     s.NewValues,
		"updated_values": s.UpdatedValues,
		"unchanged":      s.Unchanged,
	}
}

// Summary возвращает счётчики по корзинам.
func (c ChangeSet) Summary() Summary {
	return Summary{
		NewKeys:       len(c.NewKeys),
		NewValues:     len(c.NewValues),
		UpdatedValues: len(c.UpdatedValues),
		Unchanged:     len(c.Unchanged),
	}
}

// HasWrites — есть ли что записывать.
func (c ChangeSet) HasWrites() bool {
	return len(c.NewKeys) > 0 || len(c.NewValues) > 0 || len(c.UpdatedValues) > 0
}

// ApplyPolicy — политика записи значений.
type ApplyPolicy struct {
	// OverwriteExisting — перезаписывать отличающиеся существующие значения
	// (update_existing_values). Без него заполняются только пробелы.
	OverwriteExisting bool
}

// MigrationPolicy — политика применения миграций из хранилища.
var MigrationPolicy = ApplyPolicy{OverwriteExisting: true}

// WithPolicy возвращает ChangeSet с учётом политики: без перезаписи
// изменённые значения переносятся в unchanged со старым значением.
func (c ChangeSet) WithPolicy(p ApplyPolicy) ChangeSet {
	if p.OverwriteExisting || len(c.UpdatedValues) == 0 {
		return c
	}
	out := c
	out.Unchanged = make([]ValueChange, 0, len(c.Unchanged)+len(c.UpdatedValues))
	out.Unchanged = append(out.Unchanged, c.Unchanged...)
	for _, v := range c.UpdatedValues {
		v.NewValue = v.OldValue
		out.Unchanged = append(out.Unchanged, v)
	}
	out.UpdatedValues = nil
	return out
}

// Diff сравнивает снимок с существующими переводами интерфейса.
// Порядок элементов в корзинах детерминирован (группа, ключ, локаль).
func Diff(snap Snapshot, existing Existing) ChangeSet {
	var cs ChangeSet
	for _, ref := range snap.Keys() {
		locales := snap[ref]
		ek, ok := existing[ref]
		if !ok {
			values := make(map[string]string, len(locales))
			for l, v := range locales {
				values[l] = v
			}
			cs.NewKeys = append(cs.NewKeys, NewKey{KeyRef: ref, Values: values})
			continue
		}
		for _, locale := range sortedLocales(locales) {
			value := locales[locale]
			old, has := ek.Values[locale]
			change := ValueChange{KeyRef: ref, KeyID: ek.ID, Locale: locale, NewValue: value}
			switch {
			case !has:
				cs.NewValues = append(cs.NewValues, change)
			case old != value:
				change.OldValue = old
				cs.UpdatedValues = append(cs.UpdatedValues, change)
			default:
				change.OldValue = old
				cs.Unchanged = append(cs.Unchanged, change)
			}
		}
	}
	return cs
}
