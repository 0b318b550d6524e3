// Package present renders driver results as terminal tables.
package present

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/stepper"
	"github.com/banshee-data/stepper/internal/telemetry"
)

var (
	highlightColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	failColor      = lipgloss.Color("#FF06B7")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(highlightColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(failColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(highlightColor)).
		Headers(headers...)
}

// fields formats reply fields other than success as sorted key=value pairs.
func fields(r protocol.Reply) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k != "success" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, r[k])
	}
	return strings.Join(parts, " ")
}

func status(r protocol.Reply) string {
	if r.Success() {
		return "ok"
	}
	return "failed"
}

// ParamsTable renders a parameter report, one row per group in application
// order. Groups missing from the report are omitted.
func ParamsTable(report stepper.ParamsReport) string {
	var rows [][]string
	for _, name := range stepper.ParamNames() {
		r, ok := report[name]
		if !ok {
			continue
		}
		rows = append(rows, []string{name, status(r), fields(r)})
	}
	return newTable("PARAMETER", "STATUS", "VALUES").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && rows[row][1] != "ok" {
				return failStyle
			}
			return cellStyle
		}).
		String()
}

// ReplyTable renders one command's reply.
func ReplyTable(command string, r protocol.Reply) string {
	style := cellStyle
	if !r.Success() {
		style = failStyle
	}
	return newTable("COMMAND", "STATUS", "FIELDS").
		Row(command, status(r), fields(r)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return style
		}).
		String()
}

// SummaryTable renders the position statistics of a sinusoid session.
func SummaryTable(session string, s telemetry.Summary) string {
	f := func(v float64) string { return fmt.Sprintf("%.4f", v) }
	return newTable("SESSION", "SAMPLES", "MEAN", "STDDEV", "MIN", "MAX").
		Row(session, fmt.Sprint(s.Count), f(s.Mean), f(s.StdDev), f(s.Min), f(s.Max)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}
