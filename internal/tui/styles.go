package tui

import "github.com/charmbracelet/lipgloss"

// Color palette - Dracula theme inspired.
var (
	colorPurple   = lipgloss.Color("#bd93f9")
	colorGreen    = lipgloss.Color("#50fa7b")
	colorRed      = lipgloss.Color("#ff5555")
	colorWhite    = lipgloss.Color("#f8f8f2")
	colorGray     = lipgloss.Color("#6272a4")
	colorDarkGray = lipgloss.Color("#44475a")
)

// Styles holds the lipgloss styles for the login dialog.
type Styles struct {
	Dialog       lipgloss.Style
	DialogTitle  lipgloss.Style
	DialogBody   lipgloss.Style
	DialogButton lipgloss.Style
	Error        lipgloss.Style
	Success      lipgloss.Style
	Help         lipgloss.Style
	HelpKey      lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Dialog: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(1, 2),

		DialogTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple).
			MarginBottom(1),

		DialogBody: lipgloss.NewStyle().
			Foreground(colorWhite),

		DialogButton: lipgloss.NewStyle().
			Padding(0, 2).
			Bold(true).
			Foreground(colorWhite).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGreen),

		Error: lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true),

		Success: lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true),

		Help: lipgloss.NewStyle().
			Foreground(colorGray),

		HelpKey: lipgloss.NewStyle().
			Foreground(colorPurple).
			Background(colorDarkGray).
			Padding(0, 1),
	}
}

// PlainStyles returns unstyled output for NO_COLOR terminals.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Dialog:       plain.Border(lipgloss.NormalBorder()).Padding(1, 2),
		DialogTitle:  plain.MarginBottom(1),
		DialogBody:   plain,
		DialogButton: plain.Padding(0, 2).Border(lipgloss.NormalBorder()),
		Error:        plain,
		Success:      plain,
		Help:         plain,
		HelpKey:      plain,
	}
}
