package terminal

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// Catppuccin Mocha color palette
var (
	colorMauve   = lipgloss.Color("#cba6f7") // Titles
	colorBlue    = lipgloss.Color("#89b4fa") // Prompts
	colorGreen   = lipgloss.Color("#a6e3a1") // ALLOW
	colorYellow  = lipgloss.Color("#f9e2af") // WARN
	colorRed     = lipgloss.Color("#f38ba8") // BLOCK
	colorPeach   = lipgloss.Color("#fab387") // SUPERADMIN_REQUIRED
	colorOverlay = lipgloss.Color("#6c7086") // Muted text
	colorBase    = lipgloss.Color("#1e1e2e") // Badge text
)

// Styles used by prompts and status output.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMauve)

	PromptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	HintStyle = lipgloss.NewStyle().
			Foreground(colorOverlay)

	WarnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorRed)

	badgeBase = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(colorBase)
)

// VerdictColor returns the color for a verdict.
func VerdictColor(v core.Verdict) lipgloss.Color {
	switch v {
	case core.VerdictAllow:
		return colorGreen
	case core.VerdictWarn:
		return colorYellow
	case core.VerdictSuperAdminRequired:
		return colorPeach
	case core.VerdictBlock:
		return colorRed
	default:
		return colorOverlay
	}
}

// VerdictBadge renders a verdict as a colored badge.
func VerdictBadge(v core.Verdict) string {
	return badgeBase.Background(VerdictColor(v)).Render(v.String())
}

// StateBadge renders an auth tier state name.
func StateBadge(state string) string {
	var bg lipgloss.Color
	switch state {
	case "unlocked":
		bg = colorYellow
	case "locked", "ok":
		bg = colorGreen
	case "lockout", "integrity_failure":
		bg = colorRed
	default:
		bg = colorOverlay
	}
	return badgeBase.Background(bg).Render(state)
}
