package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// Lipgloss styles for terminal output
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")). // Blue
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Gray

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")). // Yellow
			Bold(true)

	statusStyles = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("244")), // Light gray
		"running":   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),  // Cyan
		"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("10")),  // Green
		"failed":    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		"cancelled": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
)

// printTable renders tabular data with styled headers. The first column is
// dimmed to read as a label; a status column gets per-status colors.
func printTable(out io.Writer, headers []string, rows [][]string, colorEnabled bool) {
	if !colorEnabled {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, row := range rows {
			_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		_ = w.Flush()
		return
	}

	statusCol := -1
	for i, h := range headers {
		if strings.EqualFold(h, "status") {
			statusCol = i
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	headerLine := make([]string, len(headers))
	for i, h := range headers {
		headerLine[i] = headerStyle.Render(strings.ToUpper(h))
	}
	_, _ = fmt.Fprintln(w, strings.Join(headerLine, "\t"))

	for _, row := range rows {
		styledRow := make([]string, len(row))
		for i, cell := range row {
			switch {
			case i == 0:
				styledRow[i] = labelStyle.Render(cell)
			case i == statusCol:
				if style, ok := statusStyles[cell]; ok {
					styledRow[i] = style.Render(cell)
				} else {
					styledRow[i] = cell
				}
			default:
				styledRow[i] = cell
			}
		}
		_, _ = fmt.Fprintln(w, strings.Join(styledRow, "\t"))
	}

	_ = w.Flush()
}

// printWarning outputs a warning line with styling.
func printWarning(out io.Writer, message string, colorEnabled bool) {
	if !colorEnabled {
		_, _ = fmt.Fprintf(out, "Warning: %s\n", message)
		return
	}
	_, _ = fmt.Fprintln(out, warningStyle.Render("Warning: "+message))
}
