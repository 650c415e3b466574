package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/result"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        w,
		errW:     errW,
	}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Statuses выводит состояния invocation'ов.
func (o *Output) Statuses(statuses ...*result.Status) {
	rows := make([][]string, len(statuses))
	for i, st := range statuses {
		rows[i] = statusRow(st)
	}
	o.Print([]string{"ID", "STATE", "VALUE", "ERROR", "DONE"}, rows, statusesJSON(statuses))
}

// Records выводит записи хранилища.
func (o *Output) Records(records []*domain.Record) {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.ID, r.Task, string(r.State), r.ParentID, r.Worker}
	}
	o.Print([]string{"ID", "TASK", "STATE", "PARENT", "WORKER"}, rows, records)
}

// Tree выводит дерево замороженного графа.
func (o *Output) Tree(d canvas.Description) {
	if o.jsonMode {
		o.JSON(d)
		return
	}
	writeTree(o.w, d, 0)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// --- Helpers ---

func statusRow(st *result.Status) []string {
	var errText, done string
	if st.Error != nil {
		errText = st.Error.Error()
	}
	if st.DoneAt != nil {
		done = st.DoneAt.Format(time.RFC3339)
	}
	return []string{st.ID, string(st.State), truncate(string(st.Value), 60), errText, done}
}

func statusesJSON(statuses []*result.Status) any {
	if len(statuses) == 1 {
		return statuses[0]
	}
	return statuses
}

func writeTree(w io.Writer, d canvas.Description, depth int) {
	indent := strings.Repeat("  ", depth)
	switch d.Kind {
	case canvas.KindSignature:
		line := fmt.Sprintf("%s%s %s", indent, d.Task, d.ID)
		if d.Queue != "" {
			line += " queue=" + d.Queue
		}
		if d.ParentID != "" {
			line += " parent=" + d.ParentID
		}
		fmt.Fprintln(w, line)
	default:
		fmt.Fprintf(w, "%s%s %s\n", indent, d.Kind, d.ID)
	}
	for _, c := range d.Children {
		writeTree(w, c, depth+1)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
