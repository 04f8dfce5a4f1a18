package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"canopy/internal/ui"
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(ui.ColorGreen).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(ui.ColorRed).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(ui.ColorPurple).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(ui.ColorCyan)

	styleTableHead = lipgloss.NewStyle().Foreground(ui.ThemePrimary).Bold(true)
	styleSelected  = lipgloss.NewStyle().Foreground(ui.ThemeAccent).Bold(true)
	styleDirty     = lipgloss.NewStyle().Foreground(ui.ColorRed)
	styleClean     = lipgloss.NewStyle().Foreground(ui.ColorGreen)
	styleDim       = lipgloss.NewStyle().Foreground(ui.ThemeMuted)
	stylePath      = lipgloss.NewStyle().Foreground(ui.ColorBlue)
)

func successMsg(msg string) string { return styleSuccess.Render("✓ ") + msg }

func errorMsg(msg string) string { return styleError.Render("✗ ") + msg }

func warnMsg(msg string) string { return styleWarning.Render("! ") + msg }

func infoMsg(msg string) string { return styleInfo.Render("• ") + msg }

// column is one table column; style may be nil for plain cells.
type column struct {
	title string
	style func(row []string) lipgloss.Style
}

// renderTable pads cells by display width before styling so that wide runes
// and escape sequences never break alignment. The last column is not padded.
func renderTable(cols []column, rows [][]string) string {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = runewidth.StringWidth(c.title)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	var b strings.Builder
	line := func(cells []string, styleFor func(i int) *lipgloss.Style) {
		for i, cell := range cells {
			if i < len(cells)-1 {
				cell = runewidth.FillRight(cell, widths[i])
			}
			if s := styleFor(i); s != nil {
				cell = s.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}

	titles := make([]string, len(cols))
	for i, c := range cols {
		titles[i] = c.title
	}
	line(titles, func(int) *lipgloss.Style { return &styleTableHead })
	for _, row := range rows {
		line(row, func(i int) *lipgloss.Style {
			if cols[i].style == nil {
				return nil
			}
			s := cols[i].style(row)
			return &s
		})
	}
	return b.String()
}
