package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/upengage/transmigrate/internal/domain/model"
	"github.com/upengage/transmigrate/internal/service"
)

// ErrReconcileFailed — сверка выполнена, но по части интерфейсов или файлов есть ошибки.
var ErrReconcileFailed = errors.New("сверка завершилась с ошибками")

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}

func validID(arg string) (string, error) {
	if _, err := uuid.Parse(arg); err != nil {
		return "", fmt.Errorf("некорректный идентификатор миграции %q", arg)
	}
	return arg, nil
}

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	var (
		ifaces  []string
		all     bool
		force   bool
		process bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить хранилище снимков с журналом",
		Long: `Находит в хранилище снимки, отсутствующие в журнале, и создаёт для них
pending-записи. С --process найденные pending-записи сразу применяются.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all && len(ifaces) > 0 {
				return errors.New("--all и --interface взаимоисключающие")
			}
			req := service.ReconcileRequest{
				Force:       force,
				AutoProcess: process,
				Trigger:     service.TriggerCLI,
			}
			for _, s := range ifaces {
				iface, err := model.ParseInterface(s)
				if err != nil {
					return err
				}
				req.Interfaces = append(req.Interfaces, iface)
			}

			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			result, err := b.Reconciler.Reconcile(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printReconcile(opts.printer(cmd), result); err != nil {
				return err
			}
			if result.HasErrors() {
				return ErrReconcileFailed
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ifaces, "interface", nil, "интерфейсы (mobile, web_financer, web_beneficiary)")
	cmd.Flags().BoolVar(&all, "all", false, "все интерфейсы (по умолчанию)")
	cmd.Flags().BoolVar(&force, "force", false, "игнорировать ограничение частоты сверки")
	cmd.Flags().BoolVar(&process, "process", false, "применить найденные pending-записи")
	return cmd
}

func printReconcile(p printer, r *model.ReconcileResult) error {
	if p.format == FormatJSON {
		return p.json(struct {
			*model.ReconcileResult
			TotalFound          int  `json:"total_found"`
			TotalSynced         int  `json:"total_synced"`
			TotalJobsDispatched int  `json:"total_jobs_dispatched"`
			HasErrors           bool `json:"has_errors"`
		}{r, r.TotalFound(), r.TotalSynced(), r.TotalJobsDispatched(), r.HasErrors()})
	}

	rows := make([][]string, 0, len(r.Interfaces))
	for _, ir := range r.Interfaces {
		rows = append(rows, []string{
			string(ir.Interface),
			strconv.Itoa(ir.Found),
			strconv.Itoa(ir.Synced),
			strconv.Itoa(ir.JobsDispatched),
			strconv.FormatBool(ir.Skipped),
			strings.Join(ir.Errors, "; "),
		})
	}
	if err := p.table([]string{"INTERFACE", "FOUND", "SYNCED", "DISPATCHED", "SKIPPED", "ERRORS"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(p.w, "run %s: найдено %d, создано %d, применено %d\n",
		r.RunID, r.TotalFound(), r.TotalSynced(), r.TotalJobsDispatched())
	return err
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var (
		preset, iface, status, search string
		limit, offset                 int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Показать записи журнала",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := service.ParsePreset(preset)
			if err != nil {
				return err
			}
			filter := model.MigrationFilter{Search: search}
			if iface != "" {
				if filter.Interface, err = model.ParseInterface(iface); err != nil {
					return err
				}
			}
			if status != "" {
				if filter.Status, err = model.ParseStatus(status); err != nil {
					return err
				}
			}

			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			res, err := b.Queries.List(cmd.Context(), p, filter, service.Page{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			out := opts.printer(cmd)
			if out.format == FormatJSON {
				items := make([]recordView, len(res.Items))
				for i, r := range res.Items {
					items[i] = toView(r)
				}
				return out.json(map[string]any{
					"items": items, "total": res.Total, "limit": res.Limit, "offset": res.Offset,
				})
			}
			rows := make([][]string, len(res.Items))
			for i, r := range res.Items {
				rows[i] = []string{r.ID, r.Filename, string(r.Interface), r.Version, string(r.Status),
					r.CreatedAt.Format("2006-01-02 15:04:05")}
			}
			if err := out.table([]string{"ID", "FILENAME", "INTERFACE", "VERSION", "STATUS", "CREATED"}, rows); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out.w, "показано %d из %d\n", len(res.Items), res.Total)
			return err
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "пресет: to-apply, failed-24h, processing, custom")
	cmd.Flags().StringVar(&iface, "interface", "", "фильтр по интерфейсу")
	cmd.Flags().StringVar(&status, "status", "", "фильтр по статусу")
	cmd.Flags().StringVar(&search, "search", "", "подстрока в имени файла или версии")
	cmd.Flags().IntVar(&limit, "limit", service.DefaultPageSize, "размер страницы")
	cmd.Flags().IntVar(&offset, "offset", 0, "смещение")
	return cmd
}

func newCountersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counters",
		Short: "Счётчики записей по статусам",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			c, err := b.Queries.Counters(cmd.Context())
			if err != nil {
				return err
			}

			out := opts.printer(cmd)
			byStatus := make(map[string]int, len(model.AllStatuses()))
			for _, s := range model.AllStatuses() {
				byStatus[string(s)] = c.ByStatus[s]
			}
			if out.format == FormatJSON {
				return out.json(map[string]any{
					"by_status": byStatus, "failed_recent": c.FailedRecent, "total": c.Total,
				})
			}
			rows := make([][]string, 0, len(byStatus)+2)
			for _, s := range model.AllStatuses() {
				rows = append(rows, []string{string(s), strconv.Itoa(byStatus[string(s)])})
			}
			rows = append(rows,
				[]string{"failed (24h)", strconv.Itoa(c.FailedRecent)},
				[]string{"total", strconv.Itoa(c.Total)},
			)
			return out.table([]string{"STATUS", "COUNT"}, rows)
		},
	}
}

func newApplyCommand(opts *RootOptions) *cobra.Command {
	var noBackup, noChecksum bool

	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Применить миграцию синхронно",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validID(args[0])
			if err != nil {
				return err
			}
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := b.Actions.Apply(cmd.Context(), id, model.ApplyOptions{
				CreateBackup:     !noBackup,
				ValidateChecksum: !noChecksum,
			})
			if rec != nil {
				if perr := opts.printer(cmd).record(rec); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "не сохранять резервную копию перезаписываемых значений")
	cmd.Flags().BoolVar(&noChecksum, "no-checksum", false, "не проверять checksum содержимого")
	return cmd
}

func newRollbackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <id>",
		Short: "Откатить применённую миграцию по резервной копии",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validID(args[0])
			if err != nil {
				return err
			}
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := b.Actions.Rollback(cmd.Context(), id)
			if err != nil {
				return err
			}
			return opts.printer(cmd).record(rec)
		},
	}
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Вернуть failed-миграции в pending (без аргументов — все)",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if _, err := validID(a); err != nil {
					return err
				}
			}
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := b.Queries.RetryFailed(cmd.Context(), args)
			if err != nil {
				return err
			}
			return opts.printer(cmd).ids("возвращено в pending", ids)
		},
	}
}

func newPreviewCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Показать изменения, которые внесёт миграция",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validID(args[0])
			if err != nil {
				return err
			}
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			pv, err := b.Actions.Preview(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := opts.printer(cmd)
			if out.format == FormatJSON {
				return out.json(pv)
			}
			s := pv.Summary
			return out.table([]string{"NEW KEYS", "NEW VALUES", "UPDATED", "UNCHANGED"}, [][]string{{
				strconv.Itoa(s.NewKeys), strconv.Itoa(s.NewValues),
				strconv.Itoa(s.UpdatedValues), strconv.Itoa(s.Unchanged),
			}})
		},
	}
}

func newReapCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Перевести зависшие processing-записи в failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := b.Reaper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printer(cmd).ids("переведено в failed", ids)
		},
	}
}
