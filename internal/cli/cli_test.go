package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
	"github.com/upengage/transmigrate/internal/translation"
)

const testID = "6f1c2a4e-3b5d-4c7e-9f10-2a3b4c5d6e7f"

type fakeQueries struct {
	list     func(service.Preset, model.MigrationFilter, service.Page) (*service.ListResult, error)
	counters func() (model.StatusCounters, error)
	retry    func([]string) ([]string, error)
}

func (f *fakeQueries) List(_ context.Context, p service.Preset, fl model.MigrationFilter, pg service.Page) (*service.ListResult, error) {
	return f.list(p, fl, pg)
}

func (f *fakeQueries) Counters(context.Context) (model.StatusCounters, error) { return f.counters() }

func (f *fakeQueries) RetryFailed(_ context.Context, ids []string) ([]string, error) {
	return f.retry(ids)
}

type fakeActions struct {
	apply    func(string, model.ApplyOptions) (*model.MigrationRecord, error)
	rollback func(string) (*model.MigrationRecord, error)
	preview  func(string) (*service.Preview, error)
}

func (f *fakeActions) Apply(_ context.Context, id string, o model.ApplyOptions) (*model.MigrationRecord, error) {
	return f.apply(id, o)
}

func (f *fakeActions) Rollback(_ context.Context, id string) (*model.MigrationRecord, error) {
	return f.rollback(id)
}

func (f *fakeActions) Preview(_ context.Context, id string) (*service.Preview, error) {
	return f.preview(id)
}

type reconcilerFunc func(service.ReconcileRequest) (*model.ReconcileResult, error)

func (f reconcilerFunc) Reconcile(_ context.Context, req service.ReconcileRequest) (*model.ReconcileResult, error) {
	return f(req)
}

type reaperFunc func() ([]string, error)

func (f reaperFunc) RunOnce(context.Context) ([]string, error) { return f() }

// run выполняет migrationctl с аргументами args. opened — сколько раз открывался Backend.
func run(t *testing.T, b *Backend, args ...string) (out string, opened int, err error) {
	t.Helper()
	cmd := NewRootCommand(func(context.Context) (*Backend, error) {
		opened++
		return b, nil
	})
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return buf.String(), opened, err
}

func record(status model.Status) *model.MigrationRecord {
	return &model.MigrationRecord{
		ID:        testID,
		Filename:  "2024-05-01_120000.json",
		Interface: model.InterfaceMobile,
		Version:   "2024-05-01_120000",
		Status:    status,
		Metadata:  model.Metadata{},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestReconcile_PassesFlags(t *testing.T) {
	var got service.ReconcileRequest
	b := &Backend{Reconciler: reconcilerFunc(func(req service.ReconcileRequest) (*model.ReconcileResult, error) {
		got = req
		return &model.ReconcileResult{
			RunID:      "run-1",
			Interfaces: []model.InterfaceResult{{Interface: model.InterfaceMobile, Found: 3, Synced: 2, JobsDispatched: 2}},
		}, nil
	})}

	out, _, err := run(t, b, "reconcile", "--interface", "mobile", "--force", "--process")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(got.Interfaces) != 1 || got.Interfaces[0] != model.InterfaceMobile {
		t.Errorf("Interfaces = %v", got.Interfaces)
	}
	if !got.Force || !got.AutoProcess || got.Trigger != service.TriggerCLI {
		t.Errorf("запрос = %+v", got)
	}
	if !strings.Contains(out, "mobile") || !strings.Contains(out, "найдено 3, создано 2, применено 2") {
		t.Errorf("вывод:\n%s", out)
	}
}

func TestReconcile_AllByDefault(t *testing.T) {
	var got service.ReconcileRequest
	b := &Backend{Reconciler: reconcilerFunc(func(req service.ReconcileRequest) (*model.ReconcileResult, error) {
		got = req
		return &model.ReconcileResult{RunID: "run-2"}, nil
	})}

	if _, _, err := run(t, b, "reconcile", "--all"); err != nil {
		t.Fatalf("reconcile --all: %v", err)
	}
	if got.Interfaces != nil || got.Force || got.AutoProcess {
		t.Errorf("запрос = %+v", got)
	}
}

func TestReconcile_ErrorsInResult(t *testing.T) {
	b := &Backend{Reconciler: reconcilerFunc(func(service.ReconcileRequest) (*model.ReconcileResult, error) {
		return &model.ReconcileResult{
			RunID:      "run-3",
			Interfaces: []model.InterfaceResult{{Interface: model.InterfaceWebFinancer, Errors: []string{"листинг: timeout"}}},
		}, nil
	})}

	out, _, err := run(t, b, "--format", "json", "reconcile")
	if !errors.Is(err, ErrReconcileFailed) {
		t.Fatalf("ошибка = %v, ожидалась ErrReconcileFailed", err)
	}
	var resp struct {
		RunID     string `json:"run_id"`
		HasErrors bool   `json:"has_errors"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("вывод не JSON: %v\n%s", err, out)
	}
	if resp.RunID != "run-3" || !resp.HasErrors {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestArgumentErrors_DoNotOpenBackend(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"all и interface", []string{"reconcile", "--all", "--interface", "mobile"}},
		{"неизвестный интерфейс", []string{"reconcile", "--interface", "desktop"}},
		{"неизвестный формат", []string{"--format", "xml", "reap"}},
		{"apply без id", []string{"apply"}},
		{"apply с невалидным id", []string{"apply", "abc"}},
		{"rollback с невалидным id", []string{"rollback", "abc"}},
		{"retry с невалидным id", []string{"retry", testID, "abc"}},
		{"list с неизвестным пресетом", []string{"list", "--preset", "old"}},
		{"list с неизвестным статусом", []string{"list", "--status", "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, opened, err := run(t, &Backend{}, tt.args...)
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if opened != 0 {
				t.Errorf("Backend открыт %d раз", opened)
			}
		})
	}
}

func TestList_JSON(t *testing.T) {
	var (
		gotPreset service.Preset
		gotFilter model.MigrationFilter
		gotPage   service.Page
	)
	b := &Backend{Queries: &fakeQueries{
		list: func(p service.Preset, f model.MigrationFilter, pg service.Page) (*service.ListResult, error) {
			gotPreset, gotFilter, gotPage = p, f, pg
			return &service.ListResult{Items: []*model.MigrationRecord{record(model.StatusPending)}, Total: 7, Limit: 1, Offset: 2}, nil
		},
	}}

	out, _, err := run(t, b, "--format", "json", "list",
		"--preset", "to-apply", "--interface", "mobile", "--search", "2024", "--limit", "1", "--offset", "2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotPreset != service.PresetToApply || gotFilter.Interface != model.InterfaceMobile || gotFilter.Search != "2024" {
		t.Errorf("preset=%q filter=%+v", gotPreset, gotFilter)
	}
	if gotPage.Limit != 1 || gotPage.Offset != 2 {
		t.Errorf("page = %+v", gotPage)
	}

	var resp struct {
		Items []recordView `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("вывод не JSON: %v\n%s", err, out)
	}
	if resp.Total != 7 || len(resp.Items) != 1 || resp.Items[0].Status != "pending" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestList_Text(t *testing.T) {
	b := &Backend{Queries: &fakeQueries{
		list: func(service.Preset, model.MigrationFilter, service.Page) (*service.ListResult, error) {
			return &service.ListResult{Items: []*model.MigrationRecord{record(model.StatusCompleted)}, Total: 1}, nil
		},
	}}
	out, _, err := run(t, b, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"FILENAME", testID, "completed", "показано 1 из 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("в выводе нет %q:\n%s", want, out)
		}
	}
}

func TestCounters(t *testing.T) {
	b := &Backend{Queries: &fakeQueries{
		counters: func() (model.StatusCounters, error) {
			return model.StatusCounters{
				ByStatus:     map[model.Status]int{model.StatusPending: 4, model.StatusFailed: 1},
				FailedRecent: 1,
				Total:        5,
			}, nil
		},
	}}
	out, _, err := run(t, b, "--format", "json", "counters")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	var resp struct {
		ByStatus map[string]int `json:"by_status"`
		Total    int            `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("вывод не JSON: %v", err)
	}
	if resp.ByStatus["pending"] != 4 || resp.ByStatus["completed"] != 0 || resp.Total != 5 {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestApply_Options(t *testing.T) {
	tests := []struct {
		args []string
		want model.ApplyOptions
	}{
		{[]string{"apply", testID}, model.ApplyOptions{CreateBackup: true, ValidateChecksum: true}},
		{[]string{"apply", testID, "--no-backup"}, model.ApplyOptions{ValidateChecksum: true}},
		{[]string{"apply", testID, "--no-checksum", "--no-backup"}, model.ApplyOptions{}},
	}
	for _, tt := range tests {
		var got model.ApplyOptions
		b := &Backend{Actions: &fakeActions{
			apply: func(id string, o model.ApplyOptions) (*model.MigrationRecord, error) {
				got = o
				return record(model.StatusCompleted), nil
			},
		}}
		out, _, err := run(t, b, tt.args...)
		if err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if got != tt.want {
			t.Errorf("%v: опции %+v, ожидались %+v", tt.args, got, tt.want)
		}
		if !strings.Contains(out, "completed") {
			t.Errorf("%v: вывод:\n%s", tt.args, out)
		}
	}
}

func TestApply_FailedRecordPrintedWithError(t *testing.T) {
	applyErr := &service.ChecksumMismatchError{Expected: "aa", Actual: "bb"}
	b := &Backend{Actions: &fakeActions{
		apply: func(string, model.ApplyOptions) (*model.MigrationRecord, error) {
			rec := record(model.StatusFailed)
			rec.Metadata[model.MetaError] = "checksum не совпадает"
			return rec, applyErr
		},
	}}
	out, _, err := run(t, b, "apply", testID)
	if !errors.Is(err, applyErr) {
		t.Fatalf("ошибка = %v", err)
	}
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "checksum не совпадает") {
		t.Errorf("вывод:\n%s", out)
	}
}

func TestRollback_ClosesBackend(t *testing.T) {
	closed := 0
	b := &Backend{
		Actions: &fakeActions{
			rollback: func(id string) (*model.MigrationRecord, error) {
				if id != testID {
					t.Errorf("id = %q", id)
				}
				return record(model.StatusRolledBack), nil
			},
		},
		Close: func() { closed++ },
	}
	out, opened, err := run(t, b, "rollback", testID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if opened != 1 || closed != 1 {
		t.Errorf("opened=%d closed=%d", opened, closed)
	}
	if !strings.Contains(out, "rolled_back") {
		t.Errorf("вывод:\n%s", out)
	}
}

func TestRetry(t *testing.T) {
	var got []string
	b := &Backend{Queries: &fakeQueries{
		retry: func(ids []string) ([]string, error) {
			got = ids
			return []string{testID}, nil
		},
	}}

	out, _, err := run(t, b, "retry")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("без аргументов передано %v", got)
	}
	if !strings.Contains(out, "возвращено в pending: 1") {
		t.Errorf("вывод:\n%s", out)
	}

	if _, _, err := run(t, b, "retry", testID); err != nil {
		t.Fatalf("retry id: %v", err)
	}
	if len(got) != 1 || got[0] != testID {
		t.Errorf("передано %v", got)
	}
}

func TestPreview(t *testing.T) {
	b := &Backend{Actions: &fakeActions{
		preview: func(string) (*service.Preview, error) {
			return &service.Preview{Summary: translation.Summary{NewKeys: 2, NewValues: 3, UpdatedValues: 1, Unchanged: 10}}, nil
		},
	}}
	out, _, err := run(t, b, "--format", "json", "preview", testID)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	var resp struct {
		Summary translation.Summary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("вывод не JSON: %v", err)
	}
	if resp.Summary.NewKeys != 2 || resp.Summary.Unchanged != 10 {
		t.Errorf("summary = %+v", resp.Summary)
	}
}

func TestReap(t *testing.T) {
	b := &Backend{Reaper: reaperFunc(func() ([]string, error) { return nil, nil })}
	out, _, err := run(t, b, "--format", "json", "reap")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	var resp struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("вывод не JSON: %v", err)
	}
	if resp.IDs == nil || resp.Count != 0 {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestBackendOpenError(t *testing.T) {
	cmd := NewRootCommand(func(context.Context) (*Backend, error) {
		return nil, errors.New("TM_DB_HOST: обязательная переменная окружения не задана")
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"reap"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "инициализация") {
		t.Errorf("ошибка = %v", err)
	}
}
