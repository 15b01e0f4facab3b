// snapshot.go — разбор снимков переводов.
//
// Поддерживаются два формата документа:
//
//	{"fr": {"common.hello": "Bonjour"}}                          — по локалям
//	{"interface": "mobile", "translations": {"common.hello": {"fr": "Bonjour"}}} — по ключам
//
// Второй формат совпадает с форматом экспорта и резервных копий.
package translation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/upengage/transmigrate/internal/domain/model"
)

// KeyRef — ключ перевода внутри интерфейса.
type KeyRef struct {
	Group string `json:"group"`
	Key   string `json:"key"`
}

// FullKey возвращает "group.key" (или "key" без группы).
func (k KeyRef) FullKey() string {
	if k.Group == "" {
		return k.Key
	}
	return k.Group + "." + k.Key
}

// SplitKey делит полный ключ по последней точке на группу и ключ.
func SplitKey(fullKey string) KeyRef {
	i := strings.LastIndex(fullKey, ".")
	if i < 0 {
		return KeyRef{Key: fullKey}
	}
	return KeyRef{Group: fullKey[:i], Key: fullKey[i+1:]}
}

// Snapshot — разобранное содержимое: ключ → локаль → значение.
type Snapshot map[KeyRef]map[string]string

// Keys возвращает ключи снимка в детерминированном порядке.
func (s Snapshot) Keys() []KeyRef {
	keys := make([]KeyRef, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sortKeyRefs(keys)
	return keys
}

// Len — количество пар (ключ, локаль).
func (s Snapshot) Len() int {
	n := 0
	for _, locales := range s {
		n += len(locales)
	}
	return n
}

// ParseError — содержимое не является корректным снимком переводов.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "некорректный снимок переводов: " + e.Reason
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// ParseSnapshot разбирает документ снимка для интерфейса iface.
func ParseSnapshot(content []byte, iface model.Interface) (Snapshot, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(content, &root); err != nil {
		return nil, parseErrorf("ожидается JSON-объект: %v", err)
	}
	if root == nil {
		return nil, parseErrorf("ожидается JSON-объект, получен null")
	}

	snap := make(Snapshot)
	var err error
	if raw, ok := root["translations"]; ok {
		err = parseKeyMajor(root, raw, iface, snap)
	} else {
		err = parseLocaleMajor(root, snap)
	}
	if err != nil {
		return nil, err
	}
	if snap.Len() == 0 {
		return nil, parseErrorf("снимок не содержит переводов")
	}
	return snap, nil
}

// parseKeyMajor — формат {"translations": {"group.key": {"locale": "value"}}}.
func parseKeyMajor(root map[string]json.RawMessage, raw json.RawMessage, iface model.Interface, snap Snapshot) error {
	if ifRaw, ok := root["interface"]; ok {
		var declared string
		if err := json.Unmarshal(ifRaw, &declared); err != nil {
			return parseErrorf("поле interface должно быть строкой")
		}
		if declared != string(iface) {
			return parseErrorf("interface в документе (%q) не совпадает с целевым (%q)", declared, iface)
		}
	}

	var translations map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &translations); err != nil {
		return parseErrorf("translations должно быть объектом ключ → {локаль: значение}: %v", err)
	}
	for fullKey, locales := range translations {
		if locales == nil {
			return parseErrorf("ключ %q: ожидается объект локалей", fullKey)
		}
		for locale, v := range locales {
			if err := addEntry(snap, fullKey, locale, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLocaleMajor — формат {"locale": {"group.key": "value"}}; вложенные
// объекты под локалью разворачиваются через точку.
func parseLocaleMajor(root map[string]json.RawMessage, snap Snapshot) error {
	for locale, raw := range root {
		var tree map[string]json.RawMessage
		if err := json.Unmarshal(raw, &tree); err != nil || tree == nil {
			return parseErrorf("локаль %q: ожидается объект ключей", locale)
		}
		if err := flatten(snap, locale, "", tree); err != nil {
			return err
		}
	}
	return nil
}

func flatten(snap Snapshot, locale, prefix string, tree map[string]json.RawMessage) error {
	for k, raw := range tree {
		fullKey := k
		if prefix != "" {
			fullKey = prefix + "." + k
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var sub map[string]json.RawMessage
			if err := json.Unmarshal(trimmed, &sub); err != nil {
				return parseErrorf("ключ %q: %v", fullKey, err)
			}
			if err := flatten(snap, locale, fullKey, sub); err != nil {
				return err
			}
			continue
		}
		if err := addEntry(snap, fullKey, locale, raw); err != nil {
			return err
		}
	}
	return nil
}

func addEntry(snap Snapshot, fullKey, locale string, raw json.RawMessage) error {
	if locale == "" {
		return parseErrorf("ключ %q: пустая локаль", fullKey)
	}
	ref := SplitKey(fullKey)
	if ref.Key == "" {
		return parseErrorf("пустой ключ перевода: %q", fullKey)
	}
	var value string
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &value) != nil {
		return parseErrorf("ключ %q, локаль %q: значение должно быть строкой", fullKey, locale)
	}
	if snap[ref] == nil {
		snap[ref] = make(map[string]string)
	}
	snap[ref][locale] = value
	return nil
}

func sortKeyRefs(keys []KeyRef) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Key < keys[j].Key
	})
}

func sortedLocales(m map[string]string) []string {
	locales := make([]string, 0, len(m))
	for l := range m {
		locales = append(locales, l)
	}
	sort.Strings(locales)
	return locales
}
