package report

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors used for terminal output.
// Use DarkTheme() or LightTheme() to get a pre-built theme.
type Theme struct {
	Primary   lipgloss.Color // certificate headline
	Error     lipgloss.Color // failed items
	Warning   lipgloss.Color // refusals
	Success   lipgloss.Color // answers
	TextMuted lipgloss.Color // rationale, hints
}

// DarkTheme returns the default dark theme.
func DarkTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#fab283"),
		Error:     lipgloss.Color("#e06c75"),
		Warning:   lipgloss.Color("#f5a742"),
		Success:   lipgloss.Color("#7fd88f"),
		TextMuted: lipgloss.Color("#808080"),
	}
}

// LightTheme returns a light theme for bright terminal backgrounds.
func LightTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#b35c00"),
		Error:     lipgloss.Color("#cf222e"),
		Warning:   lipgloss.Color("#bf8700"),
		Success:   lipgloss.Color("#116329"),
		TextMuted: lipgloss.Color("#656d76"),
	}
}

// ThemeByName returns a theme by name. Defaults to dark.
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	default:
		return DarkTheme()
	}
}

// styles holds the lipgloss styles derived from a Theme.
type styles struct {
	headline lipgloss.Style
	answer   lipgloss.Style
	refuse   lipgloss.Style
	failed   lipgloss.Style
	muted    lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		headline: lipgloss.NewStyle().Foreground(t.Primary).Bold(true),
		answer:   lipgloss.NewStyle().Foreground(t.Success).Bold(true),
		refuse:   lipgloss.NewStyle().Foreground(t.Warning).Bold(true),
		failed:   lipgloss.NewStyle().Foreground(t.Error),
		muted:    lipgloss.NewStyle().Foreground(t.TextMuted),
	}
}

// plainStyles renders every style as plain text.
func plainStyles() styles {
	s := lipgloss.NewStyle()
	return styles{headline: s, answer: s, refuse: s, failed: s, muted: s}
}
