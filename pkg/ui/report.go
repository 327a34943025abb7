// Package ui renders terminal summaries for the logobot CLI.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ProcessReport describes one local image sent through the processing service.
type ProcessReport struct {
	Input       string
	InputType   string
	InputBytes  int
	Output      string
	OutputType  string
	OutputBytes int
	Endpoint    string
	Duration    time.Duration
}

// RenderProcessReport formats a successful processing run.
func RenderProcessReport(report ProcessReport) string {
	styles := defaultTheme()

	rows := [][2]string{
		{"input", fmt.Sprintf("%s (%s, %s)", report.Input, report.InputType, formatBytes(report.InputBytes))},
		{"output", fmt.Sprintf("%s (%s, %s)", report.Output, report.OutputType, formatBytes(report.OutputBytes))},
		{"endpoint", report.Endpoint},
		{"took", report.Duration.Round(time.Millisecond).String()},
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, styles.label.Render(fmt.Sprintf("%-8s", row[0]))+" "+styles.value.Render(row[1]))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		styles.header.Render("logobot process"),
		styles.resultBox.Render(strings.Join(lines, "\n")),
	)
}

// RenderError formats a failed command with the stage it failed in, if known.
func RenderError(stage string, err error) string {
	styles := defaultTheme()

	body := err.Error()
	if stage != "" {
		body = stage + "\n" + body
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		styles.errorBox.Render(body),
		styles.hint.Render("check relay.processing_url or set LOGOBOT_PROCESSING_URL"),
	)
}

func formatBytes(size int) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
