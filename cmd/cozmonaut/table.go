package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderTable lays rows out in columns sized to their widest cell.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var sb strings.Builder
	parts := make([]string, len(headers))
	for i, h := range headers {
		parts[i] = cellStyle.Width(widths[i] + 2).Render(headerStyle.Render(h))
	}
	sb.WriteString(strings.TrimRight(strings.Join(parts, ""), " "))
	sb.WriteString("\n")
	for _, row := range rows {
		parts = parts[:0]
		for i := range headers {
			cell := "-"
			if i < len(row) && row[i] != "" {
				cell = row[i]
			}
			parts = append(parts, cellStyle.Width(widths[i]+2).Render(cell))
		}
		sb.WriteString(strings.TrimRight(strings.Join(parts, ""), " "))
		sb.WriteString("\n")
	}
	return sb.String()
}
