package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"vectorflow/internal/api"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable lays rows out under headers. Columns listed in numeric are
// right-aligned; short rows are padded.
func renderTable(headers []string, rows [][]string, numeric ...int) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(toRow(headers, len(headers)))
	for _, row := range rows {
		tw.AppendRow(toRow(row, len(headers)))
	}
	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		configs[i] = table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if slices.Contains(numeric, i) {
			configs[i].Align = text.AlignRight
		}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render() + "\n"
}

func toRow(values []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range row {
		row[i] = ""
		if i < len(values) {
			row[i] = values[i]
		}
	}
	return row
}

type level int

const (
	levelInfo level = iota
	levelOK
	levelWarn
	levelError
)

var levelStyle = map[level]struct{ label, color string }{
	levelInfo:  {"INFO", "\x1b[34m"},
	levelOK:    {"OK", "\x1b[32m"},
	levelWarn:  {"WARN", "\x1b[33m"},
	levelError: {"ERROR", "\x1b[31m"},
}

const ansiReset = "\x1b[0m"

// statusPrinter writes the sectioned report used by `vectorflow status`.
// Colours are only emitted when out is a terminal.
type statusPrinter struct {
	out   io.Writer
	color bool
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	p := &statusPrinter{out: out}
	if f, ok := out.(*os.File); ok {
		p.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *statusPrinter) section(title string) {
	header := "== " + strings.TrimSpace(title) + " =="
	p.paint(levelStyle[levelInfo].color, header)
	p.paint(levelStyle[levelInfo].color, strings.Repeat("-", len(header)))
}

func (p *statusPrinter) line(label string, lvl level, message string) {
	style := levelStyle[lvl]
	value := "[" + style.label + "]"
	if message != "" {
		value += " " + message
	}
	p.paint(style.color, fmt.Sprintf("  %-20s %s", label+":", value))
}

func (p *statusPrinter) table(headers []string, rows [][]string, numeric ...int) {
	fmt.Fprint(p.out, renderTable(headers, rows, numeric...))
}

func (p *statusPrinter) blank() { fmt.Fprintln(p.out) }

func (p *statusPrinter) paint(color, s string) {
	if p.color {
		s = color + s + ansiReset
	}
	fmt.Fprintln(p.out, s)
}

var titleCaser = cases.Title(language.Und)

// titleize turns snake_case identifiers such as run statuses into display
// titles: "completed_with_failures" becomes "Completed With Failures".
func titleize(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "_", " "))
	if value == "" {
		return ""
	}
	return titleCaser.String(value)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAPITime(value string) string {
	return formatTimestamp(api.ParseTime(strings.TrimSpace(value)))
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
