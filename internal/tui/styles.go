package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all the lipgloss styles for the TUI.
type Styles struct {
	App lipgloss.Style

	Title lipgloss.Style

	// Device list
	Item         lipgloss.Style
	ItemSelected lipgloss.Style
	ItemDim      lipgloss.Style

	PowerOn      lipgloss.Style
	PowerOff     lipgloss.Style
	PowerUnknown lipgloss.Style

	StatusOnline  lipgloss.Style
	StatusOffline lipgloss.Style

	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	muted := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	red := lipgloss.Color("#FF6B6B")
	amber := lipgloss.Color("#FFCC00")

	return Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),

		Item: lipgloss.NewStyle(),

		ItemSelected: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		ItemDim: lipgloss.NewStyle().
			Foreground(muted).
			PaddingLeft(4),

		PowerOn: lipgloss.NewStyle().
			Foreground(amber).
			Bold(true),

		PowerOff: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}),

		PowerUnknown: lipgloss.NewStyle().
			Foreground(muted),

		StatusOnline: lipgloss.NewStyle().
			Foreground(special).
			Bold(true),

		StatusOffline: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(muted),

		Error: lipgloss.NewStyle().
			Foreground(red),

		Success: lipgloss.NewStyle().
			Foreground(special),

		Warning: lipgloss.NewStyle().
			Foreground(amber),

		Help: lipgloss.NewStyle().
			Foreground(muted).
			MarginTop(1),
	}
}
