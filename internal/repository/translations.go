package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/translation"
)

// TranslationRepository — ключи и значения переводов
// (таблицы translation_keys / translation_values).
type TranslationRepository interface {
	// ListForInterface возвращает текущее состояние переводов интерфейса.
	ListForInterface(ctx context.Context, iface model.Interface) (translation.Existing, error)
	// ApplyChanges записывает ChangeSet (политика уже применена):
	// создаёт ключи, добавляет новые значения, обновляет изменённые.
	ApplyChanges(ctx context.Context, iface model.Interface, cs translation.ChangeSet) error
	// RestoreBackup возвращает значения из резервной копии и удаляет пары
	// и ключи, созданные миграцией. Возвращает число восстановленных значений.
	RestoreBackup(ctx context.Context, iface model.Interface, b *translation.Backup) (int, error)
	// LockInterface берёт транзакционную advisory-блокировку интерфейса,
	// сериализуя применения и откаты одного интерфейса. Только внутри транзакции.
	LockInterface(ctx context.Context, iface model.Interface) error
}

type translationRepo struct {
	db DBTX
}

// NewTranslationRepository создаёт репозиторий переводов.
func NewTranslationRepository(db DBTX) TranslationRepository {
	return &translationRepo{db: db}
}

const (
	upsertKeySQL = `
		INSERT INTO translation_keys (interface_origin, grp, key)
		VALUES ($1, $2, $3)
		ON CONFLICT (interface_origin, grp, key) DO UPDATE SET updated_at = NOW()
		RETURNING id`

	insertValueSQL = `
		INSERT INTO translation_values (translation_key_id, locale, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (translation_key_id, locale) DO NOTHING`

	updateValueSQL = `
		UPDATE translation_values SET value = $3, updated_at = NOW()
		WHERE translation_key_id = $1 AND locale = $2`

	upsertValueSQL = `
		INSERT INTO translation_values (translation_key_id, locale, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (translation_key_id, locale)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
)

func (r *translationRepo) ListForInterface(ctx context.Context, iface model.Interface) (translation.Existing, error) {
	rows, err := r.db.Query(ctx, `
		SELECT k.id, k.grp, k.key, v.locale, v.value
		FROM translation_keys k
		LEFT JOIN translation_values v ON v.translation_key_id = k.id
		WHERE k.interface_origin = $1`, string(iface))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения переводов: %w", err)
	}
	defer rows.Close()

	existing := make(translation.Existing)
	for rows.Next() {
		var id int64
		var ref translation.KeyRef
		var locale, value *string
		if err := rows.Scan(&id, &ref.Group, &ref.Key, &locale, &value); err != nil {
			return nil, fmt.Errorf("ошибка чтения перевода: %w", err)
		}
		ek, ok := existing[ref]
		if !ok {
			ek = translation.ExistingKey{ID: id, Values: make(map[string]string)}
		}
		if locale != nil && value != nil {
			ek.Values[*locale] = *value
		}
		existing[ref] = ek
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации переводов: %w", err)
	}
	return existing, nil
}

func (r *translationRepo) ApplyChanges(ctx context.Context, iface model.Interface, cs translation.ChangeSet) error {
	// 1. Новые ключи — получаем их id
	keyIDs := make([]int64, len(cs.NewKeys))
	if len(cs.NewKeys) > 0 {
		batch := &pgx.Batch{}
		for _, nk := range cs.NewKeys {
			batch.Queue(upsertKeySQL, string(iface), nk.Group, nk.Key)
		}
		br := r.db.SendBatch(ctx, batch)
		for i := range cs.NewKeys {
			if err := br.QueryRow().Scan(&keyIDs[i]); err != nil {
				br.Close()
				return fmt.Errorf("ошибка создания ключа %s: %w", cs.NewKeys[i].FullKey(), err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("ошибка создания ключей: %w", err)
		}
	}

	// 2. Значения одним пакетом
	batch := &pgx.Batch{}
	for i, nk := range cs.NewKeys {
		for locale, value := range nk.Values {
			batch.Queue(insertValueSQL, keyIDs[i], locale, value)
		}
	}
	for _, v := range cs.NewValues {
		batch.Queue(insertValueSQL, v.KeyID, v.Locale, v.NewValue)
	}
	for _, v := range cs.UpdatedValues {
		batch.Queue(updateValueSQL, v.KeyID, v.Locale, v.NewValue)
	}
	return r.execBatch(ctx, batch, "ошибка записи значений")
}

func (r *translationRepo) RestoreBackup(ctx context.Context, iface model.Interface, b *translation.Backup) (int, error) {
	prior := b.PriorValues()
	keys := prior.Keys()

	// 1. Ключи прежних значений (могли быть удалены после применения)
	keyIDs := make([]int64, len(keys))
	if len(keys) > 0 {
		batch := &pgx.Batch{}
		for _, ref := range keys {
			batch.Queue(upsertKeySQL, string(iface), ref.Group, ref.Key)
		}
		br := r.db.SendBatch(ctx, batch)
		for i := range keys {
			if err := br.QueryRow().Scan(&keyIDs[i]); err != nil {
				br.Close()
				return 0, fmt.Errorf("ошибка восстановления ключа %s: %w", keys[i].FullKey(), err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("ошибка восстановления ключей: %w", err)
		}
	}

	// 2. Прежние значения, затем удаление созданного миграцией
	batch := &pgx.Batch{}
	restored := 0
	for i, ref := range keys {
		for locale, value := range prior[ref] {
			batch.Queue(upsertValueSQL, keyIDs[i], locale, value)
			restored++
		}
	}
	for _, c := range b.Created {
		batch.Queue(`
			DELETE FROM translation_values v
			USING translation_keys k
			WHERE v.translation_key_id = k.id
				AND k.interface_origin = $1 AND k.grp = $2 AND k.key = $3 AND v.locale = $4`,
			string(iface), c.Group, c.Key, c.Locale)
	}
	for _, ref := range b.CreatedKeys {
		batch.Queue(`
			DELETE FROM translation_keys k
			WHERE k.interface_origin = $1 AND k.grp = $2 AND k.key = $3
				AND NOT EXISTS (SELECT 1 FROM translation_values v WHERE v.translation_key_id = k.id)`,
			string(iface), ref.Group, ref.Key)
	}
	if err := r.execBatch(ctx, batch, "ошибка восстановления значений"); err != nil {
		return 0, err
	}
	return restored, nil
}

func (r *translationRepo) LockInterface(ctx context.Context, iface model.Interface) error {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('translations:' || $1))`, string(iface)); err != nil {
		return fmt.Errorf("ошибка блокировки интерфейса %s: %w", iface, err)
	}
	return nil
}

func (r *translationRepo) execBatch(ctx context.Context, batch *pgx.Batch, msg string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: %w", msg, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return nil
}
