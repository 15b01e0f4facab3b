// Пакет blobstore — хранилище снимков переводов и резервных копий.
//
// Раскладка ключей:
//
//	migrations/{interface}/{filename}                      — снимки
//	migrations/{interface}/manifest.json                   — манифест (игнорируется)
//	backups/{interface}/{interface}_{operation}_{ts}_{id}.json — резервные копии
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/upengage/transmigrate/internal/domain/model"
)

// ErrNotFound — объект отсутствует в хранилище.
var ErrNotFound = errors.New("объект не найден")

// ManifestName — служебный файл в каталоге миграций, не является снимком.
const ManifestName = "manifest.json"

// Object — объект хранилища.
type Object struct {
	// Key — полный ключ объекта
	Key string
	// Name — basename ключа
	Name string
	// LastModified — время последнего изменения (может быть нулевым)
	LastModified time.Time
}

// Store — минимальный контракт объектного хранилища.
type Store interface {
	// List возвращает объекты с указанным префиксом.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Get возвращает содержимое объекта или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put записывает объект целиком.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Exists проверяет наличие объекта.
	Exists(ctx context.Context, key string) (bool, error)
}

// MigrationPrefix — префикс снимков интерфейса.
func MigrationPrefix(iface model.Interface) string {
	return "migrations/" + string(iface) + "/"
}

// MigrationKey — ключ снимка.
func MigrationKey(iface model.Interface, filename string) string {
	return MigrationPrefix(iface) + filename
}

// BackupKey — ключ резервной копии. Суффикс migrationID исключает
// перезапись копий двух применений в одну секунду.
func BackupKey(iface model.Interface, operation string, at time.Time, migrationID string) string {
	name := fmt.Sprintf("%s_%s_%s", iface, operation, at.UTC().Format("2006-01-02_150405"))
	if migrationID != "" {
		short := migrationID
		if len(short) > 8 {
			short = short[:8]
		}
		name += "_" + short
	}
	return "backups/" + string(iface) + "/" + name + ".json"
}

// ListMigrations возвращает снимки интерфейса: *.json непосредственно
// под префиксом, без manifest.json, отсортированные по имени.
func ListMigrations(ctx context.Context, store Store, iface model.Interface) ([]Object, error) {
	prefix := MigrationPrefix(iface)
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("листинг %s: %w", prefix, err)
	}

	result := make([]Object, 0, len(objects))
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest == obj.Key || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		if rest == ManifestName || !strings.HasSuffix(strings.ToLower(rest), ".json") {
			continue
		}
		obj.Name = path.Base(obj.Key)
		result = append(result, obj)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ReadinessChecker — проверка доступности хранилища для health endpoint.
type ReadinessChecker struct {
	store   Store
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности хранилища.
func NewReadinessChecker(store Store, timeout time.Duration) *ReadinessChecker {
	return &ReadinessChecker{store: store, timeout: timeout}
}

// CheckReady запрашивает наличие манифеста: ответ без ошибки (в том числе
// «не найден») означает, что хранилище доступно.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if _, err := c.store.Exists(ctx, "migrations/"+ManifestName); err != nil {
		return "fail", fmt.Sprintf("хранилище снимков недоступно: %v", err)
	}
	return "ok", "хранилище доступно"
}
