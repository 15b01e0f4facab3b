package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/upengage/transmigrate/internal/domain/model"
)

// recordView — представление записи журнала в выводе команд.
type recordView struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	Interface   string         `json:"interface"`
	Version     string         `json:"version"`
	Status      string         `json:"status"`
	BatchNumber *int           `json:"batch_number,omitempty"`
	Metadata    model.Metadata `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toView(r *model.MigrationRecord) recordView {
	return recordView{
		ID:          r.ID,
		Filename:    r.Filename,
		Interface:   string(r.Interface),
		Version:     r.Version,
		Status:      string(r.Status),
		BatchNumber: r.BatchNumber,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// printer выводит результат в выбранном формате.
type printer struct {
	format string
	w      io.Writer
}

// json печатает v с отступами.
func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table печатает строки, выровненные по колонкам.
func (p printer) table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	writeRow(tw, header)
	for _, row := range rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}

// record печатает одну запись журнала.
func (p printer) record(r *model.MigrationRecord) error {
	if p.format == FormatJSON {
		return p.json(toView(r))
	}
	batch := "-"
	if r.BatchNumber != nil {
		batch = fmt.Sprintf("%d", *r.BatchNumber)
	}
	rows := [][]string{{r.ID, r.Filename, string(r.Interface), string(r.Status), batch}}
	if msg := r.Metadata.String(model.MetaError); msg != "" && r.Status == model.StatusFailed {
		rows[0] = append(rows[0], msg)
		return p.table([]string{"ID", "FILENAME", "INTERFACE", "STATUS", "BATCH", "ERROR"}, rows)
	}
	return p.table([]string{"ID", "FILENAME", "INTERFACE", "STATUS", "BATCH"}, rows)
}

// ids печатает список идентификаторов.
func (p printer) ids(label string, ids []string) error {
	if p.format == FormatJSON {
		if ids == nil {
			ids = []string{}
		}
		return p.json(map[string]any{"ids": ids, "count": len(ids)})
	}
	fmt.Fprintf(p.w, "%s: %d\n", label, len(ids))
	for _, id := range ids {
		fmt.Fprintln(p.w, id)
	}
	return nil
}
