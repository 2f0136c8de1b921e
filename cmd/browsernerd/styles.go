package main

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	primaryColor = lipgloss.Color("#8BC34A") // Lime Green
	mutedColor   = lipgloss.Color("#7a8699")
	warningColor = lipgloss.Color("#FFC107") // Yellow
	errorColor   = lipgloss.Color("#e53935") // Red
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(errorColor)

	okStyle = lipgloss.NewStyle().
		Foreground(primaryColor)
)

// field renders one "label value" line.
func field(label, value string) string {
	return labelStyle.Render(label) + value
}
