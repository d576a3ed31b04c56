package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"dracanus/internal/domain"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatTable = "table"
	FormatCSV   = "csv"
)

// UnknownFormatError is returned for an unsupported export format.
type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown export format %q (want jsonl, table or csv)", e.Format)
}

// Export writes the filtered history to w. It has no side effects.
func (s *System) Export(ctx context.Context, w io.Writer, ownerID, format string, f HistoryFilter) error {
	switch format {
	case FormatJSONL, FormatTable, FormatCSV:
	default:
		return &UnknownFormatError{Format: format}
	}
	execs, err := s.History(ctx, ownerID, f)
	if err != nil {
		return err
	}
	return WriteExecutions(w, format, execs)
}

// WriteExecutions renders executions in format.
func WriteExecutions(w io.Writer, format string, execs []domain.Execution) error {
	if format == FormatJSONL {
		enc := json.NewEncoder(w)
		for _, e := range execs {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	header := []string{"ID", "Agent", "Status", "Started At", "Duration (ms)", "Cost ($)", "Error"}
	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		duration := ""
		if e.DurationMs != nil {
			duration = strconv.FormatInt(*e.DurationMs, 10)
		}
		cost := ""
		if e.Cost != nil {
			cost = strconv.FormatFloat(*e.Cost, 'f', -1, 64)
		}
		rows = append(rows, []string{e.ID, e.AgentID, e.Status, e.StartedAt, duration, cost, e.Error})
	}

	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	case FormatTable:
		tw := table.NewWriter()
		tw.AppendHeader(toRow(header))
		for _, r := range rows {
			tw.AppendRow(toRow(r))
		}
		_, err := io.WriteString(w, tw.Render()+"\n")
		return err
	default:
		return &UnknownFormatError{Format: format}
	}
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}

// WriteMetrics renders m as two tables: per agent and per day.
func WriteMetrics(w io.Writer, m Metrics) error {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.AppendHeader(table.Row{"Days", "Total", "Success %", "Avg ms", "Cost ($)", "Blocked", "Failed"})
	summary.AppendRow(table.Row{m.Days, m.TotalExecutions, fmt.Sprintf("%.1f", m.SuccessRate), fmt.Sprintf("%.0f", m.AvgDurationMs),
		fmt.Sprintf("%.4f", m.TotalCost), m.BlockedCount, m.FailedCount})
	summary.Render()

	agents := table.NewWriter()
	agents.SetOutputMirror(w)
	agents.AppendHeader(table.Row{"Agent", "Count", "Success %", "Avg ms"})
	for _, id := range sortedAgentIDs(m.ByAgent) {
		a := m.ByAgent[id]
		agents.AppendRow(table.Row{id, a.Count, fmt.Sprintf("%.1f", a.SuccessRate), fmt.Sprintf("%.0f", a.AvgDurationMs)})
	}
	agents.Render()

	days := table.NewWriter()
	days.SetOutputMirror(w)
	days.AppendHeader(table.Row{"Date", "Count", "Success %"})
	for _, d := range m.ByDay {
		days.AppendRow(table.Row{d.Date, d.Count, fmt.Sprintf("%.1f", d.SuccessRate)})
	}
	days.Render()
	return nil
}
