package main

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.Color("#7C3AED")
	green   = lipgloss.Color("#10B981")
	red     = lipgloss.Color("#EF4444")
	yellow  = lipgloss.Color("#F59E0B")
	dim     = lipgloss.Color("#6B7280")

	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).MarginBottom(1)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(green).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(red).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(yellow)
	dimStyle    = lipgloss.NewStyle().Foreground(dim)

	errorBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(red).
		Foreground(red).
		Padding(0, 1).
		MarginTop(1)

	successBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(green).
		Foreground(green).
		Padding(0, 1).
		MarginTop(1)
)

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}
