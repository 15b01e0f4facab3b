package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
)

// MigrationRepository — журнал миграций переводов (таблица translation_migrations).
type MigrationRepository interface {
	// Create создаёт запись. Если запись для (filename, interface) уже есть —
	// ErrConflict (первый писатель побеждает).
	Create(ctx context.Context, r *model.MigrationRecord) error
	// ExistsByFile проверяет наличие записи для (filename, interface).
	ExistsByFile(ctx context.Context, filename string, iface model.Interface) (bool, error)
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, id string) (*model.MigrationRecord, error)
	// ListByIDs возвращает записи по набору UUID (отсутствующие пропускаются).
	ListByIDs(ctx context.Context, ids []string) ([]*model.MigrationRecord, error)
	// UpdateStatus выполняет переход одним условным UPDATE (compare-and-swap
	// по статусу). Недопустимый переход или изменившийся статус —
	// lifecycle.InvalidStateError без изменения записи.
	UpdateStatus(ctx context.Context, id string, change StatusChange) (*model.MigrationRecord, error)
	// BulkUpdateStatus переводит записи из from в to. ids == nil — все записи
	// в статусе from. Записи в другом статусе не затрагиваются.
	// Возвращает идентификаторы изменённых записей.
	BulkUpdateStatus(ctx context.Context, ids []string, from, to model.Status, patch model.Metadata) ([]string, error)
	// CountByStatus — счётчики одним агрегирующим запросом.
	CountByStatus(ctx context.Context, recentSince time.Time) (model.StatusCounters, error)
	// List возвращает записи по фильтру, created_at DESC.
	List(ctx context.Context, f model.MigrationFilter, limit, offset int) ([]*model.MigrationRecord, error)
	// Count возвращает количество записей по фильтру.
	Count(ctx context.Context, f model.MigrationFilter) (int, error)
	// ListPendingIDs — pending-записи интерфейса в порядке версий.
	ListPendingIDs(ctx context.Context, iface model.Interface) ([]string, error)
	// LatestUpdate — максимальный updated_at (nil для пустого журнала).
	LatestUpdate(ctx context.Context) (*time.Time, error)
	// NextBatchNumber — max(batch_number) + 1.
	NextBatchNumber(ctx context.Context) (int, error)
	// FailStuck переводит processing-записи с updated_at < cutoff в failed.
	FailStuck(ctx context.Context, cutoff time.Time, patch model.Metadata) ([]string, error)
}

// StatusChange — параметры перехода.
type StatusChange struct {
	From model.Status
	To   model.Status
	// Patch сливается с metadata (metadata || patch)
	Patch model.Metadata
	// BatchNumber — назначается, если не nil
	BatchNumber *int
}

type migrationRepo struct {
	db DBTX
}

// NewMigrationRepository создаёт репозиторий журнала миграций.
func NewMigrationRepository(db DBTX) MigrationRepository {
	return &migrationRepo{db: db}
}

const migrationColumns = `id, filename, interface_origin, version, checksum, status,
	metadata, batch_number, created_at, updated_at, rolled_back_at`

func (r *migrationRepo) Create(ctx context.Context, rec *model.MigrationRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO translation_migrations (id, filename, interface_origin, version, checksum, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (filename, interface_origin) DO NOTHING
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		rec.ID, rec.Filename, string(rec.Interface), rec.Version, rec.Checksum, string(rec.Status), meta,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("%w: миграция %s (%s)", ErrConflict, rec.Filename, rec.Interface)
		}
		return fmt.Errorf("ошибка создания записи миграции: %w", err)
	}
	return nil
}

func (r *migrationRepo) ExistsByFile(ctx context.Context, filename string, iface model.Interface) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM translation_migrations WHERE filename = $1 AND interface_origin = $2)`,
		filename, string(iface),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки наличия миграции: %w", err)
	}
	return exists, nil
}

func (r *migrationRepo) GetByID(ctx context.Context, id string) (*model.MigrationRecord, error) {
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+migrationColumns+` FROM translation_migrations WHERE id = $1`, id)
	rec, err := scanMigration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения миграции: %w", err)
	}
	return rec, nil
}

func (r *migrationRepo) ListByIDs(ctx context.Context, ids []string) ([]*model.MigrationRecord, error) {
	valid := filterUUIDs(ids)
	if len(valid) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+migrationColumns+` FROM translation_migrations WHERE id = ANY($1::uuid[]) ORDER BY created_at DESC`,
		valid)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения миграций: %w", err)
	}
	return collectMigrations(rows)
}

func (r *migrationRepo) UpdateStatus(ctx context.Context, id string, change StatusChange) (*model.MigrationRecord, error) {
	if err := lifecycle.Check(id, change.From, change.To); err != nil {
		return nil, err
	}
	if !validUUID(id) {
		return nil, ErrNotFound
	}
	meta, err := encodeMetadata(change.Patch)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE translation_migrations
		SET status = $3,
			metadata = metadata || $4::jsonb,
			batch_number = COALESCE($5, batch_number),
			rolled_back_at = CASE WHEN $3 = 'rolled_back' THEN NOW() ELSE rolled_back_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + migrationColumns

	rec, err := scanMigration(r.db.QueryRow(ctx, query,
		id, string(change.From), string(change.To), meta, change.BatchNumber))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка смены статуса миграции: %w", err)
	}

	// Ни одна строка не обновлена: записи нет или статус уже другой
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &lifecycle.InvalidStateError{ID: id, Current: current.Status, Target: change.To}
}

func (r *migrationRepo) BulkUpdateStatus(ctx context.Context, ids []string, from, to model.Status, patch model.Metadata) ([]string, error) {
	if err := lifecycle.Check("", from, to); err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(patch)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE translation_migrations
		SET status = $2, metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE status = $1`
	args := []any{string(from), string(to), meta}
	if ids != nil {
		valid := filterUUIDs(ids)
		if len(valid) == 0 {
			return nil, nil
		}
		query += ` AND id = ANY($4::uuid[])`
		args = append(args, valid)
	}
	query += ` RETURNING id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка массовой смены статуса: %w", err)
	}
	return collectIDs(rows)
}

func (r *migrationRepo) CountByStatus(ctx context.Context, recentSince time.Time) (model.StatusCounters, error) {
	counters := model.StatusCounters{ByStatus: make(map[model.Status]int)}

	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE updated_at >= $1)
		FROM translation_migrations
		GROUP BY status`, recentSince)
	if err != nil {
		return counters, fmt.Errorf("ошибка подсчёта миграций: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var total, recent int
		if err := rows.Scan(&status, &total, &recent); err != nil {
			return counters, fmt.Errorf("ошибка чтения счётчиков: %w", err)
		}
		st := model.Status(status)
		counters.ByStatus[st] = total
		counters.Total += total
		if st == model.StatusFailed {
			counters.FailedRecent = recent
		}
	}
	if err := rows.Err(); err != nil {
		return counters, fmt.Errorf("ошибка итерации счётчиков: %w", err)
	}
	return counters, nil
}

// buildMigrationWhere строит WHERE-условие и аргументы фильтра.
func buildMigrationWhere(f model.MigrationFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if f.Interface != "" {
		conditions = append(conditions, fmt.Sprintf("interface_origin = $%d", argNum))
		args = append(args, string(f.Interface))
		argNum++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(f.Status))
		argNum++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(filename ILIKE $%d OR version ILIKE $%d)", argNum, argNum))
		args = append(args, "%"+escapeLike(f.Search)+"%")
		argNum++
	}
	if f.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argNum))
		args = append(args, *f.CreatedAfter)
		argNum++
	}
	if f.IDs != nil {
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d::uuid[])", argNum))
		args = append(args, filterUUIDs(f.IDs))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *migrationRepo) List(ctx context.Context, f model.MigrationFilter, limit, offset int) ([]*model.MigrationRecord, error) {
	where, args := buildMigrationWhere(f, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM translation_migrations
		%s
		ORDER BY created_at DESC, filename DESC
		LIMIT $%d OFFSET $%d`, migrationColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка миграций: %w", err)
	}
	return collectMigrations(rows)
}

func (r *migrationRepo) Count(ctx context.Context, f model.MigrationFilter) (int, error) {
	where, args := buildMigrationWhere(f, 1)
	var count int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM translation_migrations "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта миграций: %w", err)
	}
	return count, nil
}

func (r *migrationRepo) ListPendingIDs(ctx context.Context, iface model.Interface) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM translation_migrations
		WHERE interface_origin = $1 AND status = 'pending'
		ORDER BY version ASC, filename ASC`, string(iface))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения pending-миграций: %w", err)
	}
	return collectIDs(rows)
}

func (r *migrationRepo) LatestUpdate(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := r.db.QueryRow(ctx, `SELECT MAX(updated_at) FROM translation_migrations`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("ошибка получения последней активности: %w", err)
	}
	return latest, nil
}

func (r *migrationRepo) NextBatchNumber(ctx context.Context) (int, error) {
	var next int
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(batch_number), 0) + 1 FROM translation_migrations`).Scan(&next); err != nil {
		return 0, fmt.Errorf("ошибка вычисления номера пакета: %w", err)
	}
	return next, nil
}

func (r *migrationRepo) FailStuck(ctx context.Context, cutoff time.Time, patch model.Metadata) ([]string, error) {
	meta, err := encodeMetadata(patch)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		UPDATE translation_migrations
		SET status = 'failed', metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
		RETURNING id`, cutoff, meta)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода зависших миграций в failed: %w", err)
	}
	return collectIDs(rows)
}

// --- Вспомогательные функции ---

func scanMigration(row pgx.Row) (*model.MigrationRecord, error) {
	rec := &model.MigrationRecord{}
	var iface, status string
	var meta []byte
	err := row.Scan(
		&rec.ID, &rec.Filename, &iface, &rec.Version, &rec.Checksum, &status,
		&meta, &rec.BatchNumber, &rec.CreatedAt, &rec.UpdatedAt, &rec.RolledBackAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Interface = model.Interface(iface)
	rec.Status = model.Status(status)
	rec.Metadata = model.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("некорректный metadata: %w", err)
		}
	}
	return rec, nil
}

func collectMigrations(rows pgx.Rows) ([]*model.MigrationRecord, error) {
	defer rows.Close()
	var result []*model.MigrationRecord
	for rows.Next() {
		rec, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения миграции: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации миграций: %w", err)
	}
	return result, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка чтения id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации id: %w", err)
	}
	return ids, nil
}

func encodeMetadata(m model.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации metadata: %w", err)
	}
	return string(data), nil
}

func filterUUIDs(ids []string) []string {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validUUID(id) {
			valid = append(valid, id)
		}
	}
	return valid
}

// escapeLike экранирует спецсимволы LIKE (\ — escape по умолчанию в PostgreSQL).
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
