// Package theme holds the lipgloss styles shared by CLI output.
package theme

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed    = lipgloss.Color("#f38ba8")
	ColorGreen  = lipgloss.Color("#a6e3a1")
	ColorYellow = lipgloss.Color("#f9e2af")
	ColorBlue   = lipgloss.Color("#89b4fa")
	ColorMauve  = lipgloss.Color("#cba6f7")
	ColorTeal   = lipgloss.Color("#94e2d5")
)

var (
	Header = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	Label  = lipgloss.NewStyle().Foreground(ColorSubtext0)
	Dim    = lipgloss.NewStyle().Foreground(ColorOverlay0)
	Good   = lipgloss.NewStyle().Foreground(ColorGreen)
	Warn   = lipgloss.NewStyle().Foreground(ColorYellow)
	Bad    = lipgloss.NewStyle().Foreground(ColorRed)
	Accent = lipgloss.NewStyle().Foreground(ColorMauve)
	Tool   = lipgloss.NewStyle().Foreground(ColorTeal)
)
