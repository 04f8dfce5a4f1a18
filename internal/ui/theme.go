package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Palette shared by the dashboard and the cli output styles.
var (
	ColorGreen  = lipgloss.Color("#a3be8c")
	ColorLime   = lipgloss.Color("#b4be82")
	ColorTeal   = lipgloss.Color("#8fbcbb")
	ColorCyan   = lipgloss.Color("#88c0d0")
	ColorBlue   = lipgloss.Color("#81a1c1")
	ColorPurple = lipgloss.Color("#b48ead")
	ColorYellow = lipgloss.Color("#ebcb8b")
	ColorRed    = lipgloss.Color("#bf616a")
	ColorGray   = lipgloss.Color("#4c566a")

	ThemePrimary   = ColorGreen
	ThemeSecondary = ColorCyan
	ThemeAccent    = ColorLime
	ThemeMuted     = ColorGray
)

// ColorToTcell converts a hex lipgloss colour for use in tview primitives.
func ColorToTcell(c lipgloss.Color) tcell.Color {
	return tcell.GetColor(string(c))
}

func borderColor() tcell.Color { return ColorToTcell(ThemePrimary) }

func focusColor() tcell.Color { return ColorToTcell(ThemeSecondary) }

func levelColor(level string) lipgloss.Color {
	switch strings.ToUpper(level) {
	case levelError:
		return ColorRed
	case levelWarn:
		return ColorPurple
	case levelInfo:
		return ColorBlue
	default:
		return ColorCyan
	}
}

// applyTheme makes every primitive draw on the terminal background with
// rounded borders.
func applyTheme() {
	tview.Styles.PrimitiveBackgroundColor = tcell.ColorDefault
	tview.Styles.ContrastBackgroundColor = tcell.ColorDefault
	tview.Styles.MoreContrastBackgroundColor = tcell.ColorDefault
	tview.Styles.BorderColor = borderColor()
	tview.Styles.TitleColor = borderColor()
	tview.Styles.GraphicsColor = ColorToTcell(ThemeAccent)
	tview.Styles.PrimaryTextColor = tcell.ColorDefault
	tview.Styles.SecondaryTextColor = ColorToTcell(ThemeSecondary)
	tview.Styles.TertiaryTextColor = ColorToTcell(ThemeMuted)
	tview.Styles.InverseTextColor = tcell.ColorDefault
	tview.Styles.ContrastSecondaryTextColor = tcell.ColorRed

	b := &tview.Borders
	b.HorizontalFocus = b.Horizontal
	b.VerticalFocus = b.Vertical
	b.TopLeft = tview.BoxDrawingsLightArcDownAndRight
	b.TopRight = tview.BoxDrawingsLightArcDownAndLeft
	b.BottomLeft = tview.BoxDrawingsLightArcUpAndRight
	b.BottomRight = tview.BoxDrawingsLightArcUpAndLeft
	b.TopLeftFocus = b.TopLeft
	b.TopRightFocus = b.TopRight
	b.BottomLeftFocus = b.BottomLeft
	b.BottomRightFocus = b.BottomRight
}

// counterTable is a table that prints a "n of m" counter on its bottom border.
type counterTable struct {
	*tview.Table
	counter string
}

func newCounterTable(title string) *counterTable {
	t := &counterTable{Table: tview.NewTable()}
	t.SetSelectable(true, false)
	t.SetFixed(1, 0)
	t.SetBorders(false)
	t.SetSeparator(' ')
	t.SetBackgroundColor(tcell.ColorDefault)
	t.SetSelectedStyle(selectedStyle(true))
	t.SetBorder(true)
	t.SetBorderColor(borderColor())
	t.SetTitle(title)
	t.SetTitleColor(borderColor())
	return t
}

func (c *counterTable) SetCounter(value string) { c.counter = value }

func (c *counterTable) Draw(screen tcell.Screen) {
	c.Table.Draw(screen)
	if c.counter == "" {
		return
	}
	x, y, w, h := c.GetRect()
	if w < 6 || h < 2 {
		return
	}
	label := []rune(" " + c.counter + " ")
	start := x + w - 2 - len(label)
	if start <= x+1 {
		return
	}
	style := tcell.StyleDefault.Foreground(focusColor()).Background(tcell.ColorDefault)
	for i, r := range label {
		screen.SetContent(start+i, y+h-1, r, nil, style)
	}
}

func selectedStyle(active bool) tcell.Style {
	s := tcell.StyleDefault.Foreground(tcell.ColorDefault).Background(tcell.ColorDefault)
	if active {
		return s.Reverse(true)
	}
	return s
}

func newPane(title string) *tview.TextView {
	v := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	v.SetTextColor(tcell.ColorDefault).
		SetBackgroundColor(tcell.ColorDefault).
		SetBorder(true).
		SetBorderColor(borderColor()).
		SetTitle(title).
		SetTitleColor(borderColor())
	return v
}
