package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors.
	colorPrimary = lipgloss.Color("#7C3AED") // Purple
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorDanger  = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue
	colorMuted   = lipgloss.Color("#6B7280") // Gray
	colorBorder  = lipgloss.Color("#374151") // Border gray

	// Styles.
	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	progressFullStyle = lipgloss.NewStyle().
				Foreground(colorSuccess)

	progressEmptyStyle = lipgloss.NewStyle().
				Foreground(colorMuted)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorInfo)

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(colorWarning)

	statusSuccessStyle = lipgloss.NewStyle().
				Foreground(colorSuccess)

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(colorDanger)

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(colorMuted)

	logINFStyle = lipgloss.NewStyle().
			Foreground(colorInfo)

	logWRNStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	logERRStyle = lipgloss.NewStyle().
			Foreground(colorDanger)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)
