// Package theme provides the Lip Gloss palette and styles for the termbridge
// CLI. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Tab state colors.
var (
	ColorConnecting   = lipgloss.Color("#2563eb")
	ColorOpen         = lipgloss.Color("#16a34a")
	ColorDisconnected = lipgloss.Color("#d97706")
	ColorClosed       = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
)

var (
	Header   = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	Dimmed   = lipgloss.NewStyle().Foreground(ColorDimmed)
	Attached = lipgloss.NewStyle().Foreground(ColorOpen)
)

// StateStyle returns the style for a tab state name as printed by
// TabState.String.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "connecting":
		return lipgloss.NewStyle().Foreground(ColorConnecting)
	case "open":
		return lipgloss.NewStyle().Foreground(ColorOpen)
	case "disconnected":
		return lipgloss.NewStyle().Foreground(ColorDisconnected)
	case "closed":
		return lipgloss.NewStyle().Foreground(ColorClosed)
	}
	return Dimmed
}

// HealthStyle returns the style for a directory poller health value.
func HealthStyle(health string) lipgloss.Style {
	switch health {
	case "healthy":
		return lipgloss.NewStyle().Foreground(ColorOpen)
	case "degraded":
		return lipgloss.NewStyle().Foreground(ColorDisconnected)
	case "failed":
		return lipgloss.NewStyle().Foreground(ColorClosed)
	}
	return Dimmed
}

// Table renders rows as left-aligned columns under a bold header. Column
// widths are measured on the rendered cells so styled text lines up.
func Table(headers []string, rows [][]string, styleFn func(row, col int) lipgloss.Style) string {
	widths := make([]int, len(headers))
	for c, h := range headers {
		widths[c] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for c, cell := range row {
			if c < len(widths) {
				widths[c] = max(widths[c], lipgloss.Width(cell))
			}
		}
	}

	render := func(cells []string, style func(col int) lipgloss.Style) string {
		parts := make([]string, len(cells))
		for c, cell := range cells {
			s := style(c)
			if c < len(cells)-1 {
				s = s.PaddingRight(2).Width(widths[c] + 2)
			}
			parts[c] = s.Render(cell)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, render(headers, func(int) lipgloss.Style { return Header }))
	for r, row := range rows {
		r := r
		lines = append(lines, render(row, func(c int) lipgloss.Style {
			if styleFn == nil {
				return lipgloss.NewStyle()
			}
			return styleFn(r, c)
		}))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
