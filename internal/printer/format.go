package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

// Output formats accepted by --output.
const (
	OutputDefault = "default"
	OutputJSONL   = "jsonl"
)

// ValidateOutput rejects unknown --output values.
func ValidateOutput(format string) error {
	if format != OutputDefault && format != OutputJSONL {
		return fmt.Errorf("invalid output format: %s (must be '%s' or '%s')", format, OutputDefault, OutputJSONL)
	}
	return nil
}

// now is swapped in tests to make ages stable.
var now = time.Now

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// FormatRuns writes a page of active runs as a table. Returns the number of
// rows written.
func FormatRuns(w io.Writer, scope string, page *registry.Page[activework.ActiveRun]) int {
	if len(page.Items) == 0 {
		fmt.Fprintf(w, "No active runs in %s\n", scope)
		return 0
	}

	fmt.Fprintf(w, "Active runs in %s:\n", scope)
	t := newTable(w)
	t.AppendHeader(table.Row{"UUID", "SOURCE", "STATUS", "QUEUED", "DOCUMENT", "CAPTION"})
	for _, run := range page.Items {
		status := "queued"
		if run.Running() {
			status = "running " + formatAge(*run.StartedAt)
		}
		t.AppendRow(table.Row{
			run.UUID,
			string(run.Source),
			status,
			formatAge(run.QueuedAt),
			shortID(run.DocumentUUID),
			truncate(run.Caption, 40),
		})
	}
	t.Render()

	writeFooter(w, len(page.Items), page.Total, page.Page, "run", "runs")
	return len(page.Items)
}

// FormatEvaluations writes a page of active evaluations as a table.
func FormatEvaluations(w io.Writer, scope string, page *registry.Page[activework.ActiveEvaluation]) int {
	if len(page.Items) == 0 {
		fmt.Fprintf(w, "No active evaluations in %s\n", scope)
		return 0
	}

	fmt.Fprintf(w, "Active evaluations in %s:\n", scope)
	t := newTable(w)
	t.AppendHeader(table.Row{"WORKFLOW", "ISSUE", "EVALUATION", "STATUS", "QUEUED", "ERROR"})
	for _, ev := range page.Items {
		status := "queued"
		switch {
		case ev.Failed():
			status = "failed"
		case ev.Ended():
			status = "ended"
		case ev.StartedAt != nil:
			status = "running " + formatAge(*ev.StartedAt)
		}
		t.AppendRow(table.Row{
			ev.WorkflowUUID,
			ev.IssueID,
			shortID(ev.EvaluationUUID),
			status,
			formatAge(ev.QueuedAt),
			truncate(ev.Error, 40),
		})
	}
	t.Render()

	writeFooter(w, len(page.Items), page.Total, page.Page, "evaluation", "evaluations")
	return len(page.Items)
}

// FormatEntry writes one stream entry as "<id> <payload>".
func FormatEntry(w io.Writer, entry eventstream.Entry) error {
	_, err := fmt.Fprintf(w, "%s %s\n", entry.ID, string(entry.Payload))
	return err
}

// FormatJSONL writes items as line-delimited JSON, one object per line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func writeFooter(w io.Writer, shown, total, page int, singular, plural string) {
	noun := plural
	if total == 1 {
		noun = singular
	}
	if shown == total {
		fmt.Fprintf(w, "%d %s\n", total, noun)
		return
	}
	fmt.Fprintf(w, "%d of %d %s (page %d)\n", shown, total, noun, page)
}

// formatAge renders how long ago t was, e.g. "42s", "5m", "2h".
func formatAge(t time.Time) string {
	d := now().Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
