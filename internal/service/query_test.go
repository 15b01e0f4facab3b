package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/upengage/transmigrate/internal/domain/model"
)

func TestPresetFilter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	custom := model.MigrationFilter{
		Interface: model.InterfaceMobile,
		Status:    model.StatusCompleted,
		Search:    "2025-05",
	}

	tests := []struct {
		preset     Preset
		wantStatus model.Status
		wantSince  bool
	}{
		{PresetToApply, model.StatusPending, false},
		{PresetFailed24h, model.StatusFailed, true},
		{PresetProcessing, model.StatusProcessing, false},
		{PresetCustom, model.StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			f := PresetFilter(tt.preset, custom, now)
			if f.Status != tt.wantStatus {
				t.Errorf("Status = %q, ожидался %q", f.Status, tt.wantStatus)
			}
			if f.Interface != model.InterfaceMobile || f.Search != "2025-05" {
				t.Errorf("Interface/Search не сохранены: %+v", f)
			}
			if tt.wantSince {
				if f.CreatedAfter == nil || !f.CreatedAfter.Equal(now.Add(-24*time.Hour)) {
					t.Errorf("CreatedAfter = %v", f.CreatedAfter)
				}
			} else if f.CreatedAfter != nil {
				t.Errorf("CreatedAfter = %v, ожидался nil", f.CreatedAfter)
			}
		})
	}
}

func TestParsePreset(t *testing.T) {
	if p, err := ParsePreset(""); err != nil || p != PresetCustom {
		t.Errorf("ParsePreset(\"\") = %q, %v", p, err)
	}
	if p, err := ParsePreset("failed-24h"); err != nil || p != PresetFailed24h {
		t.Errorf("ParsePreset(failed-24h) = %q, %v", p, err)
	}
	if _, err := ParsePreset("everything"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParsePreset(everything): %v, ожидался ErrValidation", err)
	}
}

func TestResolveSelection(t *testing.T) {
	page := []string{"a", "b", "c"}
	tests := []struct {
		name      string
		selected  []string
		selectAll bool
		pageIDs   []string
		want      []string
	}{
		{"select all — вся страница", []string{"x"}, true, page, []string{"a", "b", "c"}},
		{"явный выбор в пределах страницы", []string{"c", "a", "z"}, false, page, []string{"c", "a"}},
		{"дубликаты и пустые удаляются", []string{"b", "", "b"}, false, page, []string{"b"}},
		{"без страницы — выбор как есть", []string{"z", "y", "z"}, false, nil, []string{"z", "y"}},
		{"пустой выбор", nil, false, page, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveSelection(tt.selected, tt.selectAll, tt.pageIDs)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveSelection = %v, ожидалось %v", got, tt.want)
			}
		})
	}
}

func TestQueryService_ListPagination(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		env.db.seedRecord(t, model.InterfaceMobile, name, model.StatusPending)
	}
	env.db.seedRecord(t, model.InterfaceMobile, "d.json", model.StatusFailed)
	q := env.query(InlineEnqueuer{Apply: env.apply})

	res, err := q.List(context.Background(), PresetToApply, model.MigrationFilter{}, Page{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 3 || len(res.Items) != 2 {
		t.Errorf("Total = %d, Items = %d, ожидалось 3 и 2", res.Total, len(res.Items))
	}

	res, err = q.List(context.Background(), PresetCustom, model.MigrationFilter{}, Page{Limit: 5000, Offset: -1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Limit != MaxPageSize || res.Offset != 0 {
		t.Errorf("Limit = %d, Offset = %d", res.Limit, res.Offset)
	}
	if res.Total != 4 {
		t.Errorf("Total = %d, ожидалось 4", res.Total)
	}
}

func TestQueryService_CountersAndActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.query(nil)

	active, err := q.HasRecentActivity(ctx)
	if err != nil || active {
		t.Errorf("пустой журнал: active = %v, err = %v", active, err)
	}

	env.db.seedRecord(t, model.InterfaceMobile, "p.json", model.StatusPending)
	env.db.seedRecord(t, model.InterfaceMobile, "f1.json", model.StatusFailed)
	old := env.db.seedRecord(t, model.InterfaceMobile, "f2.json", model.StatusFailed)
	env.db.setUpdatedAt(old.ID, time.Now().UTC().Add(-48*time.Hour))

	c, err := q.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if c.Pending() != 1 || c.ByStatus[model.StatusFailed] != 2 || c.FailedRecent != 1 || c.Total != 3 {
		t.Errorf("Counters = %+v", c)
	}

	active, err = q.HasRecentActivity(ctx)
	if err != nil || !active {
		t.Errorf("active = %v, err = %v, ожидалась активность", active, err)
	}

	env.db.mu.Lock()
	for _, r := range env.db.records {
		r.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	}
	env.db.mu.Unlock()
	if active, _ = q.HasRecentActivity(ctx); active {
		t.Error("активность старше 5 минут не должна учитываться")
	}
}

func TestQueryService_ApplyBulk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putSnapshot(t, model.InterfaceMobile, helloFile, helloContent)
	pending := env.discover(t, model.InterfaceMobile, helloFile)
	completed := env.db.seedRecord(t, model.InterfaceMobile, "done.json", model.StatusCompleted)
	q := env.query(InlineEnqueuer{Apply: env.apply})

	res, err := q.ApplyBulk(ctx, []string{pending.ID, completed.ID, "00000000-0000-0000-0000-000000000001", pending.ID}, fullApply)
	if err != nil {
		t.Fatalf("ApplyBulk: %v", err)
	}
	if len(res.Dispatched) != 1 || res.Dispatched[0] != pending.ID {
		t.Errorf("Dispatched = %v", res.Dispatched)
	}
	if len(res.Skipped) != 2 {
		t.Errorf("Skipped = %v, ожидалось 2 (completed и отсутствующая)", res.Skipped)
	}
	if len(res.Failed) != 0 {
		t.Errorf("Failed = %v", res.Failed)
	}
	if st := env.db.status(t, completed.ID); st != model.StatusCompleted {
		t.Errorf("completed-запись изменена: %s", st)
	}
	if st := env.db.status(t, pending.ID); st != model.StatusCompleted {
		t.Errorf("pending-запись: %s, ожидался completed", st)
	}

	if _, err := q.ApplyBulk(ctx, nil, fullApply); !errors.Is(err, ErrValidation) {
		t.Errorf("пустой выбор: %v, ожидался ErrValidation", err)
	}
}

// TestQueryService_ApplyBulkIsolatesFailures — сбой одной записи не мешает остальным.
func TestQueryService_ApplyBulkIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putSnapshot(t, model.InterfaceMobile, helloFile, helloContent)
	good := env.discover(t, model.InterfaceMobile, helloFile)
	missing := env.db.seedRecord(t, model.InterfaceMobile, "missing.json", model.StatusPending)
	q := env.query(InlineEnqueuer{Apply: env.apply})

	res, err := q.ApplyBulk(ctx, []string{missing.ID, good.ID}, model.ApplyOptions{})
	if err != nil {
		t.Fatalf("ApplyBulk: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].ID != missing.ID {
		t.Errorf("Failed = %v", res.Failed)
	}
	if len(res.Dispatched) != 1 || res.Dispatched[0] != good.ID {
		t.Errorf("Dispatched = %v", res.Dispatched)
	}
	if st := env.db.status(t, missing.ID); st != model.StatusFailed {
		t.Errorf("missing: %s, ожидался failed", st)
	}
}

func TestQueryService_ExportAndDownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putSnapshot(t, model.InterfaceMobile, helloFile, helloContent)
	rec := env.discover(t, model.InterfaceMobile, helloFile)
	q := env.query(nil)

	rows, err := q.ExportSelected(ctx, []string{rec.ID, rec.ID})
	if err != nil {
		t.Fatalf("ExportSelected: %v", err)
	}
	want := []ExportRow{{ID: rec.ID, Filename: helloFile, Interface: model.InterfaceMobile}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %+v, ожидалось %+v", rows, want)
	}

	_, content, err := q.DownloadRaw(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DownloadRaw: %v", err)
	}
	if string(content) != helloContent {
		t.Errorf("content = %s", content)
	}

	orphan := env.db.seedRecord(t, model.InterfaceMobile, "orphan.json", model.StatusPending)
	if _, _, err := q.DownloadRaw(ctx, orphan.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DownloadRaw(orphan): %v, ожидался ErrNotFound", err)
	}
}

func TestQueryService_RetryFailedSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f1 := env.db.seedRecord(t, model.InterfaceMobile, "a.json", model.StatusFailed)
	f2 := env.db.seedRecord(t, model.InterfaceWebFinancer, "b.json", model.StatusFailed)
	q := env.query(nil)

	// Выбор из одних пустых id не превращается в «все failed»
	retried, err := q.RetryFailed(ctx, []string{"", ""})
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if len(retried) != 0 {
		t.Errorf("retried = %v, ожидался пустой список", retried)
	}
	for _, id := range []string{f1.ID, f2.ID} {
		if st := env.db.status(t, id); st != model.StatusFailed {
			t.Errorf("запись %s изменена: %s", id, st)
		}
	}

	// Повторы и пустые id отбрасываются
	retried, err = q.RetryFailed(ctx, []string{f1.ID, "", f1.ID})
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if !reflect.DeepEqual(retried, []string{f1.ID}) {
		t.Errorf("retried = %v, ожидался [%s]", retried, f1.ID)
	}

	// Без выбора — все оставшиеся failed
	retried, err = q.RetryFailed(ctx, nil)
	if err != nil {
		t.Fatalf("RetryFailed(all): %v", err)
	}
	if !reflect.DeepEqual(retried, []string{f2.ID}) {
		t.Errorf("retried = %v, ожидался [%s]", retried, f2.ID)
	}
}
