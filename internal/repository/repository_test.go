package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/upengage/transmigrate/internal/config"
	"github.com/upengage/transmigrate/internal/database"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/translation"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции схемы.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("translations_test"),
		postgres.WithUsername("upengage"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("TM_DB_HOST", host)
	t.Setenv("TM_DB_PORT", port.Port())
	t.Setenv("TM_DB_NAME", "translations_test")
	t.Setenv("TM_DB_USER", "upengage")
	t.Setenv("TM_DB_PASSWORD", "test-password")
	t.Setenv("TM_BLOB_BACKEND", "fs")
	t.Setenv("TM_BLOB_FS_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newRecord(filename string, iface model.Interface) *model.MigrationRecord {
	return &model.MigrationRecord{
		ID:        uuid.New().String(),
		Filename:  filename,
		Interface: iface,
		Version:   translation.DeriveVersion(filename, time.Now()),
		Checksum:  translation.ComputeChecksum([]byte(filename)),
		Status:    model.StatusPending,
		Metadata:  model.Metadata{model.MetaS3Path: "migrations/" + string(iface) + "/" + filename},
	}
}

// --- MigrationRepository ---

func TestMigrationCreateAndGet(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	rec := newRecord("2025-01-01_120000.json", model.InterfaceMobile)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Filename != rec.Filename || got.Interface != model.InterfaceMobile || got.Status != model.StatusPending {
		t.Errorf("GetByID = %+v", got)
	}
	if got.Metadata.String(model.MetaS3Path) != "migrations/mobile/2025-01-01_120000.json" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Та же пара (filename, interface) — конфликт, без второй строки
	dup := newRecord("2025-01-01_120000.json", model.InterfaceMobile)
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Create: ожидалась ErrConflict, получено %v", err)
	}
	// Тот же файл для другого интерфейса — допустим
	if err := repo.Create(ctx, newRecord("2025-01-01_120000.json", model.InterfaceWebFinancer)); err != nil {
		t.Errorf("Create для другого интерфейса: %v", err)
	}

	exists, err := repo.ExistsByFile(ctx, "2025-01-01_120000.json", model.InterfaceMobile)
	if err != nil || !exists {
		t.Errorf("ExistsByFile = %v, %v", exists, err)
	}

	if _, err := repo.GetByID(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(not-a-uuid): ожидалась ErrNotFound, получено %v", err)
	}
}

func TestMigrationConcurrentCreate(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Create(ctx, newRecord("race.json", model.InterfaceMobile))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrConflict):
			t.Errorf("неожиданная ошибка: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("создано %d записей, хотели ровно 1", created)
	}
}

func TestMigrationUpdateStatus(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	rec := newRecord("a.json", model.InterfaceMobile)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Недопустимый переход — без изменений
	_, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{From: model.StatusPending, To: model.StatusCompleted})
	if !lifecycle.IsInvalidState(err) {
		t.Fatalf("pending → completed: ожидалась InvalidStateError, получено %v", err)
	}

	updated, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{
		From: model.StatusPending, To: model.StatusProcessing,
		Patch: model.Metadata{model.MetaCreateBackupRequested: true},
	})
	if err != nil {
		t.Fatalf("pending → processing: %v", err)
	}
	if updated.Status != model.StatusProcessing || updated.Metadata[model.MetaCreateBackupRequested] != true {
		t.Errorf("после перехода: %+v", updated)
	}
	// metadata сливается, а не заменяется
	if updated.Metadata.String(model.MetaS3Path) == "" {
		t.Error("s3_path потерян при слиянии metadata")
	}

	// Повторный CAS из pending проигрывает
	_, err = repo.UpdateStatus(ctx, rec.ID, StatusChange{From: model.StatusPending, To: model.StatusProcessing})
	var ise *lifecycle.InvalidStateError
	if !errors.As(err, &ise) || ise.Current != model.StatusProcessing {
		t.Fatalf("повторный CAS: ожидалась InvalidStateError(current=processing), получено %v", err)
	}

	batch := 7
	done, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{
		From: model.StatusProcessing, To: model.StatusCompleted, BatchNumber: &batch,
	})
	if err != nil {
		t.Fatalf("processing → completed: %v", err)
	}
	if done.BatchNumber == nil || *done.BatchNumber != 7 {
		t.Errorf("BatchNumber = %v", done.BatchNumber)
	}
	if next, _ := repo.NextBatchNumber(ctx); next != 8 {
		t.Errorf("NextBatchNumber = %d, хотели 8", next)
	}

	rolled, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{From: model.StatusCompleted, To: model.StatusRolledBack})
	if err != nil {
		t.Fatalf("completed → rolled_back: %v", err)
	}
	if rolled.RolledBackAt == nil {
		t.Error("RolledBackAt не установлен")
	}
}

func TestMigrationConcurrentBeginSingleWinner(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	rec := newRecord("cas.json", model.InterfaceMobile)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{From: model.StatusPending, To: model.StatusProcessing})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("победителей CAS = %d, хотели 1", winners)
	}
}

func TestMigrationBulkAndCounters(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	var ids []string
	for _, name := range []string{"1.json", "2.json", "3.json"} {
		rec := newRecord(name, model.InterfaceWebBeneficiary)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	// 1 и 2 → failed
	for _, id := range ids[:2] {
		if _, err := repo.UpdateStatus(ctx, id, StatusChange{From: model.StatusPending, To: model.StatusProcessing}); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.UpdateStatus(ctx, id, StatusChange{From: model.StatusProcessing, To: model.StatusFailed}); err != nil {
			t.Fatal(err)
		}
	}

	counters, err := repo.CountByStatus(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counters.ByStatus[model.StatusFailed] != 2 || counters.Pending() != 1 || counters.FailedRecent != 2 || counters.Total != 3 {
		t.Errorf("counters = %+v", counters)
	}

	// Retry только по выбранным: pending-запись из набора не трогается
	retried, err := repo.BulkUpdateStatus(ctx, []string{ids[0], ids[2]}, model.StatusFailed, model.StatusPending,
		model.Metadata{model.MetaRetriedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		t.Fatalf("BulkUpdateStatus: %v", err)
	}
	if len(retried) != 1 || retried[0] != ids[0] {
		t.Errorf("retried = %v, хотели [%s]", retried, ids[0])
	}

	// Retry всех failed
	all, err := repo.BulkUpdateStatus(ctx, nil, model.StatusFailed, model.StatusPending, nil)
	if err != nil || len(all) != 1 || all[0] != ids[1] {
		t.Errorf("retry all = %v, %v", all, err)
	}

	pending, err := repo.ListPendingIDs(ctx, model.InterfaceWebBeneficiary)
	if err != nil || len(pending) != 3 {
		t.Errorf("ListPendingIDs = %v, %v", pending, err)
	}
}

func TestMigrationListFilters(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	for _, tc := range []struct {
		name  string
		iface model.Interface
	}{
		{"2025-01-01_120000.json", model.InterfaceMobile},
		{"2025-02-01_120000.json", model.InterfaceMobile},
		{"2025-02-01_120000.json", model.InterfaceWebFinancer},
		{"100%_done.json", model.InterfaceMobile},
	} {
		if err := repo.Create(ctx, newRecord(tc.name, tc.iface)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := repo.List(ctx, model.MigrationFilter{Interface: model.InterfaceMobile, Search: "2025-02"}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Filename != "2025-02-01_120000.json" {
		t.Errorf("List(mobile, 2025-02) = %v", list)
	}

	// % в поиске — литерал, а не шаблон
	pct, _ := repo.List(ctx, model.MigrationFilter{Search: "100%"}, 10, 0)
	if len(pct) != 1 {
		t.Errorf("поиск с %% вернул %d записей, хотели 1", len(pct))
	}

	total, err := repo.Count(ctx, model.MigrationFilter{})
	if err != nil || total != 4 {
		t.Errorf("Count = %d, %v", total, err)
	}

	future := time.Now().Add(time.Hour)
	none, _ := repo.Count(ctx, model.MigrationFilter{CreatedAfter: &future})
	if none != 0 {
		t.Errorf("Count(created_after=future) = %d", none)
	}

	latest, err := repo.LatestUpdate(ctx)
	if err != nil || latest == nil {
		t.Errorf("LatestUpdate = %v, %v", latest, err)
	}
}

func TestMigrationFailStuck(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMigrationRepository(pool)

	rec := newRecord("stuck.json", model.InterfaceMobile)
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateStatus(ctx, rec.ID, StatusChange{From: model.StatusPending, To: model.StatusProcessing}); err != nil {
		t.Fatal(err)
	}

	// cutoff в прошлом — запись свежая
	if ids, _ := repo.FailStuck(ctx, time.Now().Add(-time.Hour), nil); len(ids) != 0 {
		t.Errorf("FailStuck(прошлое) = %v", ids)
	}
	ids, err := repo.FailStuck(ctx, time.Now().Add(time.Minute), model.Metadata{model.MetaErrorKind: "stuck_timeout"})
	if err != nil || len(ids) != 1 {
		t.Fatalf("FailStuck = %v, %v", ids, err)
	}
	got, _ := repo.GetByID(ctx, rec.ID)
	if got.Status != model.StatusFailed || got.Metadata.String(model.MetaErrorKind) != "stuck_timeout" {
		t.Errorf("после FailStuck: %+v", got)
	}
}

// --- TranslationRepository ---

func TestTranslationApplyAndRestore(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	tr := NewTranslationRepository(pool)
	iface := model.InterfaceMobile

	// Исходное состояние
	seed := translation.Diff(translation.Snapshot{
		{Group: "common", Key: "hello"}: {"fr": "Salut", "en": "Hello"},
	}, translation.Existing{})
	if err := tr.ApplyChanges(ctx, iface, seed); err != nil {
		t.Fatalf("ApplyChanges(seed): %v", err)
	}

	existing, err := tr.ListForInterface(ctx, iface)
	if err != nil {
		t.Fatalf("ListForInterface: %v", err)
	}
	before := snapshotOf(existing)

	// Миграция: перезапись fr, новая локаль nl, новый ключ
	cs := translation.Diff(translation.Snapshot{
		{Group: "common", Key: "hello"}: {"fr": "Bonjour", "nl": "Hallo"},
		{Group: "auth", Key: "login"}:   {"fr": "Connexion"},
	}, existing).WithPolicy(translation.MigrationPolicy)
	backup := translation.BuildBackup(iface, uuid.New().String(), cs, time.Now())

	err = NewTransactor(pool).InTx(ctx, func(repos Repos) error {
		return repos.Translations.ApplyChanges(ctx, iface, cs)
	})
	if err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	after, _ := tr.ListForInterface(ctx, iface)
	if after[translation.KeyRef{Group: "common", Key: "hello"}].Values["fr"] != "Bonjour" {
		t.Errorf("после применения: %v", after)
	}

	restored, err := tr.RestoreBackup(ctx, iface, backup)
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d, хотели 1", restored)
	}

	final, _ := tr.ListForInterface(ctx, iface)
	if got := snapshotOf(final); !equalLines(got, before) {
		t.Errorf("после восстановления:\n%v\nхотели:\n%v", got, before)
	}
}

// snapshotOf — плоское представление для сравнения состояний.
func snapshotOf(e map[translation.KeyRef]translation.ExistingKey) []string {
	var lines []string
	for ref, ek := range e {
		if len(ek.Values) == 0 {
			lines = append(lines, ref.FullKey()+"|<no values>")
		}
		for l, v := range ek.Values {
			lines = append(lines, ref.FullKey()+"|"+l+"|"+v)
		}
	}
	sort.Strings(lines)
	return lines
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
