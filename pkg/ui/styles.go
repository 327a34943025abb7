package ui

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for command output.
type theme struct {
	header    lipgloss.Style
	label     lipgloss.Style
	value     lipgloss.Style
	resultBox lipgloss.Style
	errorBox  lipgloss.Style
	hint      lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		label: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		resultBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("44")).
			Padding(0, 1),
		errorBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}
