package service

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/domain/lifecycle"
	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/repository"
	"github.com/upengage/transmigrate/internal/translation"
)

// --- In-memory хранилище журнала и переводов ---

type memKey struct {
	id     int64
	values map[string]string
}

// memDB — in-memory реализация MigrationRepository, TranslationRepository
// и Transactor. Переходы статусов атомарны под mu; InTx откатывает
// состояние при ошибке fn.
type memDB struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	records   map[string]*model.MigrationRecord
	keys      map[model.Interface]map[translation.KeyRef]*memKey
	nextKeyID int64

	// applyErr — ошибка, возвращаемая ApplyChanges
	applyErr error
	// createCalls — число вызовов Create
	createCalls int
}

func newMemDB() *memDB {
	return &memDB{
		records: make(map[string]*model.MigrationRecord),
		keys:    make(map[model.Interface]map[translation.KeyRef]*memKey),
	}
}

func (m *memDB) repos() repository.Repos {
	return repository.Repos{Migrations: m, Translations: m}
}

func cloneRecord(r *model.MigrationRecord) *model.MigrationRecord {
	c := *r
	c.Metadata = make(model.Metadata, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	if r.BatchNumber != nil {
		b := *r.BatchNumber
		c.BatchNumber = &b
	}
	if r.RolledBackAt != nil {
		t := *r.RolledBackAt
		c.RolledBackAt = &t
	}
	return &c
}

// --- Transactor ---

func (m *memDB) InTx(_ context.Context, fn func(repository.Repos) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	savedRecords := make(map[string]*model.MigrationRecord, len(m.records))
	for id, r := range m.records {
		savedRecords[id] = cloneRecord(r)
	}
	savedKeys := make(map[model.Interface]map[translation.KeyRef]*memKey, len(m.keys))
	for iface, keys := range m.keys {
		savedKeys[iface] = make(map[translation.KeyRef]*memKey, len(keys))
		for ref, k := range keys {
			vals := make(map[string]string, len(k.values))
			for l, v := range k.values {
				vals[l] = v
			}
			savedKeys[iface][ref] = &memKey{id: k.id, values: vals}
		}
	}
	m.mu.Unlock()

	if err := fn(m.repos()); err != nil {
		m.mu.Lock()
		m.records = savedRecords
		m.keys = savedKeys
		m.mu.Unlock()
		return err
	}
	return nil
}

// --- MigrationRepository ---

func (m *memDB) Create(_ context.Context, r *model.MigrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	for _, existing := range m.records {
		if existing.Filename == r.Filename && existing.Interface == r.Interface {
			return repository.ErrConflict
		}
	}
	c := cloneRecord(r)
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.records[c.ID] = c
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (m *memDB) ExistsByFile(_ context.Context, filename string, iface model.Interface) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Filename == filename && r.Interface == iface {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDB) GetByID(_ context.Context, id string) (*model.MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memDB) ListByIDs(_ context.Context, ids []string) ([]*model.MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MigrationRecord
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (m *memDB) UpdateStatus(_ context.Context, id string, change repository.StatusChange) (*model.MigrationRecord, error) {
	if err := lifecycle.Check(id, change.From, change.To); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if r.Status != change.From {
		return nil, &lifecycle.InvalidStateError{ID: id, Current: r.Status, Target: change.To}
	}
	m.transition(r, change.To, change.Patch)
	if change.BatchNumber != nil {
		b := *change.BatchNumber
		r.BatchNumber = &b
	}
	return cloneRecord(r), nil
}

func (m *memDB) transition(r *model.MigrationRecord, to model.Status, patch model.Metadata) {
	now := time.Now().UTC()
	r.Status = to
	if r.Metadata == nil {
		r.Metadata = model.Metadata{}
	}
	for k, v := range patch {
		r.Metadata[k] = v
	}
	r.UpdatedAt = now
	if to == model.StatusRolledBack {
		r.RolledBackAt = &now
	}
}

func (m *memDB) BulkUpdateStatus(_ context.Context, ids []string, from, to model.Status, patch model.Metadata) ([]string, error) {
	if !lifecycle.CanTransition(from, to) {
		return nil, &lifecycle.InvalidStateError{Current: from, Target: to}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated []string
	match := func(id string) bool {
		if ids == nil {
			return true
		}
		for _, x := range ids {
			if x == id {
				return true
			}
		}
		return false
	}
	for id, r := range m.records {
		if r.Status == from && match(id) {
			m.transition(r, to, patch)
			updated = append(updated, id)
		}
	}
	sort.Strings(updated)
	return updated, nil
}

func (m *memDB) CountByStatus(_ context.Context, recentSince time.Time) (model.StatusCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := model.StatusCounters{ByStatus: make(map[model.Status]int)}
	for _, r := range m.records {
		c.ByStatus[r.Status]++
		c.Total++
		if r.Status == model.StatusFailed && !r.UpdatedAt.Before(recentSince) {
			c.FailedRecent++
		}
	}
	return c, nil
}

func (m *memDB) filter(f model.MigrationFilter) []*model.MigrationRecord {
	var out []*model.MigrationRecord
	for _, r := range m.records {
		if f.Interface != "" && r.Interface != f.Interface {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(r.Filename+" "+r.Version), strings.ToLower(f.Search)) {
			continue
		}
		if f.CreatedAfter != nil && r.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Filename > out[j].Filename
	})
	return out
}

func (m *memDB) List(_ context.Context, f model.MigrationFilter, limit, offset int) ([]*model.MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filter(f)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *memDB) Count(_ context.Context, f model.MigrationFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filter(f)), nil
}

func (m *memDB) ListPendingIDs(_ context.Context, iface model.Interface) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*model.MigrationRecord
	for _, r := range m.records {
		if r.Interface == iface && r.Status == model.StatusPending {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Version < recs[j].Version })
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *memDB) LatestUpdate(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, r := range m.records {
		if latest == nil || r.UpdatedAt.After(*latest) {
			t := r.UpdatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *memDB) NextBatchNumber(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxBatch := 0
	for _, r := range m.records {
		if r.BatchNumber != nil && *r.BatchNumber > maxBatch {
			maxBatch = *r.BatchNumber
		}
	}
	return maxBatch + 1, nil
}

func (m *memDB) FailStuck(_ context.Context, cutoff time.Time, patch model.Metadata) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.records {
		if r.Status == model.StatusProcessing && r.UpdatedAt.Before(cutoff) {
			m.transition(r, model.StatusFailed, patch)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- TranslationRepository ---

func (m *memDB) ifaceKeys(iface model.Interface) map[translation.KeyRef]*memKey {
	if m.keys[iface] == nil {
		m.keys[iface] = make(map[translation.KeyRef]*memKey)
	}
	return m.keys[iface]
}

func (m *memDB) upsertKey(iface model.Interface, ref translation.KeyRef) *memKey {
	keys := m.ifaceKeys(iface)
	k, ok := keys[ref]
	if !ok {
		m.nextKeyID++
		k = &memKey{id: m.nextKeyID, values: make(map[string]string)}
		keys[ref] = k
	}
	return k
}

func (m *memDB) ListForInterface(_ context.Context, iface model.Interface) (translation.Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(translation.Existing)
	for ref, k := range m.keys[iface] {
		vals := make(map[string]string, len(k.values))
		for l, v := range k.values {
			vals[l] = v
		}
		existing[ref] = translation.ExistingKey{ID: k.id, Values: vals}
	}
	return existing, nil
}

func (m *memDB) ApplyChanges(_ context.Context, iface model.Interface, cs translation.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nk := range cs.NewKeys {
		k := m.upsertKey(iface, nk.KeyRef)
		for l, v := range nk.Values {
			if _, ok := k.values[l]; !ok {
				k.values[l] = v
			}
		}
	}
	for _, v := range cs.NewValues {
		k := m.upsertKey(iface, v.KeyRef)
		if _, ok := k.values[v.Locale]; !ok {
			k.values[v.Locale] = v.NewValue
		}
	}
	if m.applyErr != nil {
		return m.applyErr
	}
	for _, v := range cs.UpdatedValues {
		m.upsertKey(iface, v.KeyRef).values[v.Locale] = v.NewValue
	}
	return nil
}

func (m *memDB) RestoreBackup(_ context.Context, iface model.Interface, b *translation.Backup) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for ref, locales := range b.PriorValues() {
		k := m.upsertKey(iface, ref)
		for l, v := range locales {
			k.values[l] = v
			restored++
		}
	}
	keys := m.ifaceKeys(iface)
	for _, c := range b.Created {
		if k, ok := keys[c.KeyRef]; ok {
			delete(k.values, c.Locale)
		}
	}
	for _, ref := range b.CreatedKeys {
		if k, ok := keys[ref]; ok && len(k.values) == 0 {
			delete(keys, ref)
		}
	}
	return restored, nil
}

func (m *memDB) LockInterface(_ context.Context, _ model.Interface) error { return nil }

// --- Хелперы тестов ---

// value возвращает значение перевода (ok == false, если пары нет).
func (m *memDB) value(iface model.Interface, fullKey, locale string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[iface][translation.SplitKey(fullKey)]
	if !ok {
		return "", false
	}
	v, ok := k.values[locale]
	return v, ok
}

// keyCount — количество ключей интерфейса.
func (m *memDB) keyCount(iface model.Interface) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys[iface])
}

// seedValue записывает перевод напрямую.
func (m *memDB) seedValue(iface model.Interface, fullKey, locale, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertKey(iface, translation.SplitKey(fullKey)).values[locale] = value
}

// seedRecord добавляет запись журнала в указанном статусе.
func (m *memDB) seedRecord(t *testing.T, iface model.Interface, filename string, status model.Status) *model.MigrationRecord {
	t.Helper()
	now := time.Now().UTC()
	r := &model.MigrationRecord{
		ID:        uuid.NewString(),
		Filename:  filename,
		Interface: iface,
		Version:   strings.TrimSuffix(filename, ".json"),
		Checksum:  "seed",
		Status:    status,
		Metadata:  model.Metadata{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.records[r.ID] = cloneRecord(r)
	m.mu.Unlock()
	return r
}

// setUpdatedAt сдвигает updated_at записи.
func (m *memDB) setUpdatedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id].UpdatedAt = at
}

// status возвращает текущий статус записи.
func (m *memDB) status(t *testing.T, id string) model.Status {
	t.Helper()
	r, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return r.Status
}

// findRecord ищет запись по (filename, interface).
func (m *memDB) findRecord(t *testing.T, iface model.Interface, filename string) *model.MigrationRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Interface == iface && r.Filename == filename {
			return cloneRecord(r)
		}
	}
	t.Fatalf("запись %s/%s не найдена", iface, filename)
	return nil
}

func (m *memDB) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Хранилище ---

// failingStore — обёртка, возвращающая ошибку листинга для префикса.
type failingStore struct {
	blobstore.Store
	failPrefix string
	err        error
}

func (s *failingStore) List(ctx context.Context, prefix string) ([]blobstore.Object, error) {
	if prefix == s.failPrefix {
		return nil, s.err
	}
	return s.Store.List(ctx, prefix)
}

// putFailingStore — обёртка, отказывающая в записи под префиксом.
type putFailingStore struct {
	blobstore.Store
	failPrefix string
	err        error
}

func (s *putFailingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if strings.HasPrefix(key, s.failPrefix) {
		return s.err
	}
	return s.Store.Put(ctx, key, data, contentType)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — сервисы поверх memDB и FSStore во временном каталоге.
type testEnv struct {
	db    *memDB
	store *blobstore.FSStore
	apply *ApplyService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := blobstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	db := newMemDB()
	return &testEnv{
		db:    db,
		store: store,
		apply: NewApplyService(db, db, db, store, testLogger()),
	}
}

func (e *testEnv) reconciler(enq Enqueuer, minInterval time.Duration) *ReconcileService {
	return NewReconcileService(e.db, e.store, enq, ReconcileConfig{MinInterval: minInterval}, testLogger())
}

func (e *testEnv) query(enq Enqueuer) *QueryService {
	return NewQueryService(e.db, e.store, e.apply, enq, testLogger())
}

// putSnapshot кладёт снимок в migrations/{iface}/{filename}.
func (e *testEnv) putSnapshot(t *testing.T, iface model.Interface, filename, content string) {
	t.Helper()
	if err := e.store.Put(context.Background(), blobstore.MigrationKey(iface, filename), []byte(content), "application/json"); err != nil {
		t.Fatalf("Put %s: %v", filename, err)
	}
}

// discover выполняет сверку интерфейса и возвращает запись файла.
func (e *testEnv) discover(t *testing.T, iface model.Interface, filename string) *model.MigrationRecord {
	t.Helper()
	if _, err := e.reconciler(nil, 0).Reconcile(context.Background(), ReconcileRequest{
		Interfaces: []model.Interface{iface},
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return e.db.findRecord(t, iface, filename)
}
