package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ellipsis marks truncated cells.
const ellipsis = "…"

// statusColors are the semantic colors of spec, chunk, worker and review states.
//
//nolint:gochecknoglobals // Read-only lookup table
var statusColors = map[string]lipgloss.AdaptiveColor{
	"draft":     {Light: "#585858", Dark: "#6C6C6C"},
	"pending":   {Light: "#585858", Dark: "#6C6C6C"},
	"idle":      {Light: "#585858", Dark: "#6C6C6C"},
	"running":   {Light: "#0087AF", Dark: "#00D7FF"},
	"review":    {Light: "#AF8700", Dark: "#FFD700"},
	"paused":    {Light: "#AF8700", Dark: "#FFD700"},
	"needs_fix": {Light: "#AF8700", Dark: "#FFD700"},
	"completed": {Light: "#008700", Dark: "#00FF87"},
	"pass":      {Light: "#008700", Dark: "#00FF87"},
	"failed":    {Light: "#AF0000", Dark: "#FF5F5F"},
	"fail":      {Light: "#AF0000", Dark: "#FF5F5F"},
	"cancelled": {Light: "#585858", Dark: "#6C6C6C"},
}

// tableStyles holds lipgloss styles for table rendering.
type tableStyles struct {
	header lipgloss.Style
	dim    lipgloss.Style
	title  lipgloss.Style
}

func newTableStyles() *tableStyles {
	return &tableStyles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#DDDDDD"}),
		dim: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		title: lipgloss.NewStyle().Bold(true),
	}
}

// checkNoColor disables styling when NO_COLOR is set or the terminal is dumb.
func checkNoColor() {
	if !hasColorSupport() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func hasColorSupport() bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}

// column is one table column. Status columns are colored by value.
type column struct {
	title  string
	width  int
	status bool
}

// table writes fixed-width rows. Cells wider than their column are
// truncated by display width, so CJK titles and emoji stay aligned.
type table struct {
	w      io.Writer
	cols   []column
	styles *tableStyles
}

func newTable(w io.Writer, cols ...column) *table {
	checkNoColor()
	return &table{w: w, cols: cols, styles: newTableStyles()}
}

func (t *table) header() {
	cells := make([]string, len(t.cols))
	for i, c := range t.cols {
		cells[i] = fit(c.title, c.width)
	}
	_, _ = fmt.Fprintln(t.w, t.styles.header.Render(strings.TrimRight(strings.Join(cells, " "), " ")))
}

func (t *table) row(values ...string) {
	cells := make([]string, len(t.cols))
	for i, c := range t.cols {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		cell := fit(v, c.width)
		if c.status {
			if color, ok := statusColors[v]; ok {
				cell = lipgloss.NewStyle().Foreground(color).Render(cell)
			}
		}
		cells[i] = cell
	}
	_, _ = fmt.Fprintln(t.w, strings.TrimRight(strings.Join(cells, " "), " "))
}

// fit truncates s to width display columns and pads it to exactly width.
// A zero width leaves s untouched.
func fit(s string, width int) string {
	if width <= 0 {
		return s
	}
	return runewidth.FillRight(truncate(s, width), width)
}

// truncate shortens s to at most width display columns.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, ellipsis)
}

// heading title-cases a label such as "final review" for section headings.
func heading(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

// relativeTime formats t relative to now.
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	default:
		return t.Format("Jan 2, 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// outputOf returns the --output value seen by cmd.
func outputOf(cmd *cobra.Command) string {
	if f := cmd.Flag("output"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return OutputText
}
