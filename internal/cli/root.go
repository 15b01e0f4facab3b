// Пакет cli — команды migrationctl: разовые операции над журналом миграций
// без HTTP-сервера. Применение выполняется синхронно (InlineEnqueuer).
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
)

// Форматы вывода.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Queries — чтение журнала и массовые операции (service.QueryService).
type Queries interface {
	List(ctx context.Context, preset service.Preset, filter model.MigrationFilter, page service.Page) (*service.ListResult, error)
	Counters(ctx context.Context) (model.StatusCounters, error)
	RetryFailed(ctx context.Context, ids []string) ([]string, error)
}

// Actions — применение, откат и предпросмотр (service.ApplyService).
type Actions interface {
	Apply(ctx context.Context, id string, opts model.ApplyOptions) (*model.MigrationRecord, error)
	Rollback(ctx context.Context, id string) (*model.MigrationRecord, error)
	Preview(ctx context.Context, id string) (*service.Preview, error)
}

// Reconciler — разовый прогон сверки.
type Reconciler interface {
	Reconcile(ctx context.Context, req service.ReconcileRequest) (*model.ReconcileResult, error)
}

// Reaper — перевод зависших записей в failed.
type Reaper interface {
	RunOnce(ctx context.Context) ([]string, error)
}

// Backend — сервисы, с которыми работают команды.
type Backend struct {
	Queries    Queries
	Actions    Actions
	Reconciler Reconciler
	Reaper     Reaper
	// Close освобождает соединения (может быть nil)
	Close func()
}

// BackendFactory открывает Backend перед выполнением команды.
type BackendFactory func(ctx context.Context) (*Backend, error)

// RootOptions — глобальные флаги.
type RootOptions struct {
	Format string

	open    BackendFactory
	backend *Backend
}

// NewRootCommand создаёт корневую команду migrationctl.
func NewRootCommand(open BackendFactory) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "migrationctl",
		Short:         "Управление журналом миграций переводов",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains([]string{FormatText, FormatJSON}, opts.Format) {
				return fmt.Errorf("недопустимый формат %q: допустимые text, json", opts.Format)
			}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.backend != nil && opts.backend.Close != nil {
				opts.backend.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "формат вывода (text|json)")

	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newCountersCommand(opts))
	cmd.AddCommand(newApplyCommand(opts))
	cmd.AddCommand(newRollbackCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newPreviewCommand(opts))
	cmd.AddCommand(newReapCommand(opts))

	return cmd
}

// services открывает Backend один раз на вызов команды.
func (o *RootOptions) services(ctx context.Context) (*Backend, error) {
	if o.backend != nil {
		return o.backend, nil
	}
	b, err := o.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("инициализация: %w", err)
	}
	o.backend = b
	return b, nil
}
