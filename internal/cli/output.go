package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func NewOutputFormatter(format string, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: format, Writer: w}
}

type requestRow struct {
	ID             int64    `json:"id"`
	Kind           string   `json:"kind"`
	State          string   `json:"state"`
	Step           string   `json:"step"`
	Session        string   `json:"session,omitempty"`
	CorrelationIDs []string `json:"correlation_ids,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (f *OutputFormatter) Requests(requests []*request.Request) error {
	rows := make([]requestRow, 0, len(requests))
	for _, r := range requests {
		rows = append(rows, requestRow{
			ID:             r.ID,
			Kind:           string(r.Kind),
			State:          string(r.State),
			Step:           string(r.Payload.Step()),
			Session:        r.Session,
			CorrelationIDs: r.CorrelationIDs,
			Errors:         r.Errors,
		})
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(rows)
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tSTEP\tSESSION\tCORRELATIONS")
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			row.ID, row.Kind, row.State, row.Step, row.Session, strings.Join(row.CorrelationIDs, ","))
	}
	return tw.Flush()
}

// IDs prints the ids touched by a command under label.
func (f *OutputFormatter) IDs(label string, ids []int64) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(map[string][]int64{label: ids})
	}
	_, err := fmt.Fprintf(f.Writer, "%s: %d %v\n", label, len(ids), ids)
	return err
}

func (f *OutputFormatter) Message(msg string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(map[string]string{"message": msg})
	}
	_, err := fmt.Fprintln(f.Writer, msg)
	return err
}

func requestIDs(requests []*request.Request) []int64 {
	ids := make([]int64, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	return ids
}
