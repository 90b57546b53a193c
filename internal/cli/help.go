package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Catppuccin Mocha color palette
var (
	colorMauve   = lipgloss.Color("#cba6f7") // Title
	colorBlue    = lipgloss.Color("#89b4fa") // Section headers
	colorGreen   = lipgloss.Color("#a6e3a1") // Commands, ALLOW
	colorYellow  = lipgloss.Color("#f9e2af") // Flags, WARN
	colorRed     = lipgloss.Color("#f38ba8") // BLOCK
	colorPeach   = lipgloss.Color("#fab387") // SUPERADMIN_REQUIRED
	colorOverlay = lipgloss.Color("#6c7086") // Muted text
	colorBase    = lipgloss.Color("#1e1e2e") // Background
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMauve).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue).
			MarginTop(1)

	commandStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	flagStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	allowStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	warnStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	superAdminStyle = lipgloss.NewStyle().
			Foreground(colorPeach)

	blockStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorRed)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorOverlay)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBlue).
			Background(colorBase).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)
)

func showQuickReference(w io.Writer) {
	width := clampWidth(detectWidth())
	useUnicode := supportsUnicode()

	border := lipgloss.RoundedBorder()
	if !useUnicode {
		border = lipgloss.Border{
			Top:         "-",
			Bottom:      "-",
			Left:        "|",
			Right:       "|",
			TopLeft:     "+",
			TopRight:    "+",
			BottomLeft:  "+",
			BottomRight: "+",
		}
	}

	container := boxStyle.Border(border).Width(width)

	titleText := " WARDEN QUICK REFERENCE: Pre-execution Guard "
	titleRendered := gradientText(titleText, []lipgloss.Color{colorMauve, colorBlue})
	if !useUnicode {
		titleRendered = "WARDEN QUICK REFERENCE - Pre-execution Guard"
	}
	title := titleStyle.Width(width - 4).Align(lipgloss.Center).Render(titleRendered)

	hook := renderSection(useUnicode, "🔷 AS A HOOK (every tool call)", []string{
		bullet(`echo '{"tool":"bash","payload":"ls"}' | warden check`, "decision JSON on stdout, exit 2 blocks"),
		bullet(`warden check --tool web_fetch --target https://x.io -s $SID`, "same, from flags"),
		bullet(`warden scan "echo cm0gLXJmIC8= | base64 -d | sh"`, "run only the evasion detectors"),
	})

	operator := renderSection(useUnicode, "🔶 AS THE OPERATOR (from a terminal)", []string{
		bullet("warden bypass setup | unlock | lock | status", "suspend non-critical checks"),
		bullet("warden superadmin setup | unlock | lock | status", "authorize sudo, reboot, service control"),
		bullet("warden bypass reset-failures", "clear a lockout"),
	})

	domains := renderSection(useUnicode, "🌐 DOMAINS", []string{
		bullet("warden domains check https://example.com", "classify without prompting"),
		bullet("warden domains add '*.corp.example' -l custom-safe", "allow a host or wildcard"),
		bullet("warden domains list -j", "every list, built-in included"),
	})

	review := renderSection(useUnicode, "🔍 REVIEW", []string{
		bullet("warden audit --verdict block --limit 20", "recorded decisions"),
		bullet("warden history -s $SID", "what the correlator remembers"),
		bullet("warden patterns list", "critical and superadmin patterns"),
		bullet("warden watch", "alert when auth state is tampered with"),
	})

	content := lipgloss.JoinVertical(lipgloss.Left,
		title,
		hook,
		operator,
		domains,
		review,
		verdictLegend(useUnicode),
		flagLegend(useUnicode),
		footerLegend(useUnicode),
	)

	fmt.Fprintln(w, container.Render(content))
}

func clampWidth(w int) int {
	if w < 72 {
		return 72
	}
	if w > 100 {
		return 100
	}
	return w
}

func detectWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if v, err := strconv.Atoi(cols); err == nil && v > 0 {
			return v
		}
	}
	return 80
}

func supportsUnicode() bool {
	termEnv := strings.ToLower(os.Getenv("TERM"))
	locale := strings.ToLower(strings.Join([]string{
		os.Getenv("LC_ALL"),
		os.Getenv("LC_CTYPE"),
		os.Getenv("LANG"),
	}, " "))
	if strings.Contains(termEnv, "dumb") {
		return false
	}
	return strings.Contains(locale, "utf-8") || strings.Contains(locale, "utf8")
}

func gradientText(text string, colors []lipgloss.Color) string {
	if len(colors) == 0 || !supportsUnicode() {
		return text
	}
	runes := []rune(text)
	segments := len(colors)
	if segments == 1 || len(runes) <= 1 {
		return lipgloss.NewStyle().Foreground(colors[0]).Render(text)
	}

	var b strings.Builder
	for i, r := range runes {
		idx := i * (segments - 1) / (len(runes) - 1)
		b.WriteString(lipgloss.NewStyle().Foreground(colors[idx]).Render(string(r)))
	}
	return b.String()
}

func bullet(command, desc string) string {
	return commandStyle.Render("  "+command) + mutedStyle.Render("  "+desc)
}

func renderSection(useUnicode bool, title string, lines []string) string {
	if !useUnicode {
		title = strings.TrimLeft(title, "🔷🔶🌐🔍 ") // strip icons for ASCII fallback
	}
	header := sectionStyle.Render(title)
	body := strings.Join(lines, "\n")
	return lipgloss.JoinVertical(lipgloss.Left, header, body)
}

func verdictLegend(useUnicode bool) string {
	allow, warn, sa, block := "ALLOW", "WARN", "SUPERADMIN_REQUIRED", "BLOCK"
	if useUnicode {
		allow = "🟢 " + allow
		warn = "🟡 " + warn
		sa = "🟠 " + sa
		block = "🔴 " + block
	}
	header := "🎯 VERDICTS"
	if !useUnicode {
		header = "VERDICTS"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render(header),
		fmt.Sprintf("  %s   %s   %s   %s",
			allowStyle.Render(allow), warnStyle.Render(warn), superAdminStyle.Render(sa), blockStyle.Render(block)),
	)
}

func flagLegend(useUnicode bool) string {
	prefix := "🚩 GLOBAL FLAGS"
	if !useUnicode {
		prefix = "FLAGS"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render(prefix),
		flagStyle.Render("  -j, --json")+mutedStyle.Render("              structured output"),
		flagStyle.Render("  -C, --project <dir>")+mutedStyle.Render("     override project path"),
		flagStyle.Render("  -s, --session-id <id>")+mutedStyle.Render("   session binding"),
		flagStyle.Render("  --state-dir <dir>")+mutedStyle.Render("       state directory"),
	)
}

func footerLegend(useUnicode bool) string {
	help := "warden <command> --help"
	if !useUnicode {
		return mutedStyle.Render("HELP: " + help)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		mutedStyle.Render("HELP: "), commandStyle.Render(help),
	)
}
