package report

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha, the same palette the terminal screens use.
var (
	colorText     lipgloss.Color = "#cdd6f4"
	colorSubtext0 lipgloss.Color = "#a6adc8"
	colorOverlay1 lipgloss.Color = "#7f849c"
	colorSurface1 lipgloss.Color = "#45475a"
	colorAccent   lipgloss.Color = "#89b4fa"
	colorBrand    lipgloss.Color = "#cba6f7"
	colorSuccess  lipgloss.Color = "#a6e3a1"
	colorError    lipgloss.Color = "#f38ba8"
	colorPeach    lipgloss.Color = "#fab387"
	colorYellow   lipgloss.Color = "#f9e2af"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colorBrand).Bold(true)

	labelStyle = lipgloss.NewStyle().Foreground(colorSubtext0)
	valueStyle = lipgloss.NewStyle().Foreground(colorPeach)
	mutedStyle = lipgloss.NewStyle().Foreground(colorOverlay1)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorAccent).
				Bold(true).
				Padding(0, 1)
	tableCellStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Padding(0, 1)
	tableBorderStyle = lipgloss.NewStyle().Foreground(colorSurface1)

	goodStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	badStyle  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)
