package ui

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"canopy/internal/orchestrator"
)

func (d *dashboard) showModal(name string, p tview.Primitive, width, height int) {
	d.pages.AddPage(name, centered(width, height, p), true, true)
	d.app.SetFocus(p)
	d.updatePaneFocusStyles()
}

func (d *dashboard) closeModal(name string) {
	d.pages.RemovePage(name)
	d.app.SetFocus(d.table)
	d.updatePaneFocusStyles()
}

func (d *dashboard) showCreateModal() {
	input := tview.NewInputField()
	styleInput(input)
	input.SetPlaceholder("feature/my-branch")
	input.SetPlaceholderTextColor(borderColor())

	cancel := func() { d.closeModal("create") }
	create := func() {
		branch := strings.TrimSpace(input.GetText())
		if branch == "" {
			d.setWarn("branch name is required")
			return
		}
		d.closeModal("create")
		d.do("create "+branch, func(ctx context.Context) (string, error) {
			res, err := d.svc.Create(ctx, orchestrator.CreateRequest{ProjectPath: d.project, BranchName: branch})
			if err != nil {
				return "", err
			}
			return "created " + res.Branch + " at " + truncatePath(res.WorktreePath, 60), nil
		})
	}

	createBtn := modalButton("<o> Create", create)
	cancelBtn := modalButton("<c> Cancel", cancel)
	layout := modalLayout("New Worktree",
		[]tview.Primitive{modalFieldBox("Branch", input)},
		createBtn, cancelBtn)

	focusables := []tview.Primitive{input, createBtn, cancelBtn}
	capture := modalCapture(d.app, focusables, cancel, map[rune]func(){'o': create, 'c': cancel})
	for _, p := range focusables {
		setInputCapture(p, capture)
	}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			create()
		}
	})
	d.showModal("create", layout, 64, 9)
	d.app.SetFocus(input)
}

func (d *dashboard) showDeleteModal() {
	item := d.selectedItem()
	if item == nil {
		d.setWarn("nothing selected")
		return
	}
	if item.IsMain {
		d.setWarn("the main worktree cannot be removed")
		return
	}
	target := *item

	deleteBranch := tview.NewCheckbox().SetLabel("delete branch ")
	styleCheckbox(deleteBranch)
	force := tview.NewCheckbox().SetLabel("force        ")
	styleCheckbox(force)
	if target.HasChanges != nil && *target.HasChanges {
		force.SetChecked(true)
	}

	info := tview.NewTextView().SetDynamicColors(false).SetWrap(true)
	info.SetBackgroundColor(tcell.ColorDefault)
	info.SetText(fmt.Sprintf(" %s\n %s", branchLabel(target), truncatePath(target.Path, 56)))

	cancel := func() { d.closeModal("delete") }
	remove := func() {
		req := orchestrator.DeleteRequest{
			ProjectPath:  d.project,
			WorktreePath: target.Path,
			DeleteBranch: deleteBranch.IsChecked(),
			Force:        force.IsChecked(),
		}
		d.closeModal("delete")
		d.do("remove "+branchLabel(target), func(ctx context.Context) (string, error) {
			res, err := d.svc.Delete(ctx, req)
			if err != nil {
				return "", err
			}
			if len(res.Warnings) > 0 {
				return "removed with warning: " + res.Warnings[0], nil
			}
			return "removed " + truncatePath(res.WorktreePath, 60), nil
		})
	}

	removeBtn := modalButton("<r> Remove", remove)
	cancelBtn := modalButton("<c> Cancel", cancel)
	layout := modalLayout("Remove Worktree",
		[]tview.Primitive{info, deleteBranch, force},
		removeBtn, cancelBtn)

	focusables := []tview.Primitive{deleteBranch, force, removeBtn, cancelBtn}
	capture := modalCapture(d.app, focusables, cancel, map[rune]func(){'r': remove, 'c': cancel})
	for _, p := range focusables {
		setInputCapture(p, capture)
	}
	d.showModal("delete", layout, 64, 11)
	d.app.SetFocus(cancelBtn)
}

func (d *dashboard) showFilterModal() {
	input := tview.NewInputField().SetText(d.filter)
	styleInput(input)

	apply := func(query string, msg string) {
		d.filter = strings.TrimSpace(query)
		d.applyFilter()
		d.renderTable()
		d.renderStatusPane()
		d.requestDetail()
		d.closeModal("filter")
		d.setInfo("%s", msg)
	}
	applyFilter := func() { apply(input.GetText(), "filter updated") }
	clearFilter := func() { apply("", "filter cleared") }
	cancel := func() { d.closeModal("filter") }

	applyBtn := modalButton("<a> Apply", applyFilter)
	clearBtn := modalButton("<l> Clear", clearFilter)
	cancelBtn := modalButton("<c> Cancel", cancel)
	layout := modalLayout("Filter Worktrees",
		[]tview.Primitive{modalFieldBox("Branch or path contains", input)},
		applyBtn, clearBtn, cancelBtn)

	focusables := []tview.Primitive{input, applyBtn, clearBtn, cancelBtn}
	capture := modalCapture(d.app, focusables, cancel, map[rune]func(){
		'a': applyFilter,
		'l': clearFilter,
		'c': cancel,
	})
	for _, p := range focusables {
		setInputCapture(p, capture)
	}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			applyFilter()
		}
	})
	d.showModal("filter", layout, 72, 9)
	d.app.SetFocus(input)
}

type binding struct {
	Key  string
	What string
}

var helpBindings = []binding{
	{"j / k, up / down", "Move selection"},
	{"enter", "Make the worktree the project selection"},
	{"n", "Create a branch and worktree"},
	{"x", "Remove the worktree, optionally its branch"},
	{"s", "Start or stop the dev server"},
	{"a", "Start or stop auto mode for the branch"},
	{"i", "Run the project init script in the worktree"},
	{"/", "Filter by branch or path"},
	{"r", "Reconcile with git now"},
	{"tab / shift+tab", "Switch pane focus"},
	{"esc", "Close modal"},
	{"q / ctrl+c", "Quit"},
}

func (d *dashboard) showHelpModal() {
	table := tview.NewTable().SetSelectable(true, false).SetFixed(1, 0).SetBorders(false)
	table.SetSeparator(' ')
	table.SetBackgroundColor(tcell.ColorDefault)
	table.SetSelectedStyle(selectedStyle(true))
	table.SetBorder(true)
	table.SetBorderColor(borderColor())
	table.SetTitle(" Keybindings ")

	for col, h := range []string{"Key", "Action"} {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(focusColor()).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false).
			SetExpansion(1))
	}
	for i, b := range helpBindings {
		table.SetCell(i+1, 0, tview.NewTableCell(b.Key).SetTextColor(focusColor()).SetExpansion(1))
		table.SetCell(i+1, 1, tview.NewTableCell(b.What).SetExpansion(2))
	}
	dismiss := func() { d.closeModal("help") }
	table.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyEnter || ev.Rune() == 'q' || ev.Rune() == '?' {
			dismiss()
			return nil
		}
		return ev
	})
	d.showModal("help", table, 72, len(helpBindings)+3)
}

func centered(width, height int, p tview.Primitive) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(
			tview.NewFlex().
				SetDirection(tview.FlexRow).
				AddItem(nil, 0, 1, false).
				AddItem(p, height, 1, true).
				AddItem(nil, 0, 1, false),
			width, 1, true,
		).
		AddItem(nil, 0, 1, false)
}

// modalLayout stacks a header, the body rows and a centred button row.
func modalLayout(title string, rows []tview.Primitive, buttons ...*tview.Button) *tview.Flex {
	buttonRow := tview.NewFlex().AddItem(nil, 0, 1, false)
	for i, b := range buttons {
		if i > 0 {
			buttonRow.AddItem(nil, 2, 0, false)
		}
		buttonRow.AddItem(b, 12, 0, false)
	}
	buttonRow.AddItem(nil, 0, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(modalHeader(title), 1, 0, false)
	for _, r := range rows {
		height := 1
		if _, boxed := r.(*tview.Flex); boxed {
			height = 3
		}
		if _, text := r.(*tview.TextView); text {
			height = 2
		}
		layout.AddItem(r, height, 0, false)
	}
	layout.AddItem(nil, 1, 0, false)
	layout.AddItem(buttonRow, 1, 0, false)
	layout.SetBackgroundColor(tcell.ColorDefault)
	layout.SetBorder(true)
	layout.SetBorderColor(focusColor())
	return layout
}

func modalHeader(title string) *tview.TextView {
	header := tview.NewTextView().SetWrap(false)
	header.SetBackgroundColor(tcell.ColorDefault)
	header.SetTextColor(borderColor())
	header.SetText(" " + title)
	return header
}

func modalFieldBox(title string, inner tview.Primitive) *tview.Flex {
	box := tview.NewFlex().SetDirection(tview.FlexRow)
	box.AddItem(inner, 1, 1, false)
	box.SetBackgroundColor(tcell.ColorDefault)
	box.SetBorder(true)
	box.SetBorderColor(borderColor())
	box.SetTitle(" " + title + " ")
	box.SetTitleColor(focusColor())
	return box
}

func modalButton(label string, selected func()) *tview.Button {
	btn := tview.NewButton(label).SetSelectedFunc(selected)
	btn.SetLabelColor(tcell.ColorDefault)
	btn.SetLabelColorActivated(focusColor())
	btn.SetBackgroundColor(tcell.ColorDefault)
	btn.SetBackgroundColorActivated(tcell.ColorDefault)
	return btn
}

func styleInput(field *tview.InputField) {
	field.
		SetLabel("").
		SetFieldTextColor(tcell.ColorDefault).
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetBackgroundColor(tcell.ColorDefault)
}

func styleCheckbox(field *tview.Checkbox) {
	field.
		SetLabelColor(focusColor()).
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetFieldTextColor(tcell.ColorDefault).
		SetBackgroundColor(tcell.ColorDefault)
}

func setInputCapture(p tview.Primitive, capture func(*tcell.EventKey) *tcell.EventKey) {
	switch v := p.(type) {
	case *tview.InputField:
		v.SetInputCapture(capture)
	case *tview.Checkbox:
		v.SetInputCapture(capture)
	case *tview.Button:
		v.SetInputCapture(capture)
	}
}

func cycleFocus(app *tview.Application, focusables []tview.Primitive, delta int) {
	if len(focusables) == 0 {
		return
	}
	cur := app.GetFocus()
	idx := 0
	for i, f := range focusables {
		if cur == f {
			idx = i
			break
		}
	}
	next := (idx + delta) % len(focusables)
	if next < 0 {
		next += len(focusables)
	}
	app.SetFocus(focusables[next])
}

// modalCapture handles esc, tab cycling and single-letter shortcuts. Letters
// typed into an input field reach the field unless alt is held.
func modalCapture(app *tview.Application, focusables []tview.Primitive, onEsc func(), shortcuts map[rune]func()) func(*tcell.EventKey) *tcell.EventKey {
	return func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyEscape:
			onEsc()
			return nil
		case tcell.KeyTAB:
			cycleFocus(app, focusables, 1)
			return nil
		case tcell.KeyBacktab:
			cycleFocus(app, focusables, -1)
			return nil
		case tcell.KeyRune:
			fn, ok := shortcuts[unicode.ToLower(ev.Rune())]
			if !ok {
				return ev
			}
			if _, typing := app.GetFocus().(*tview.InputField); typing && ev.Modifiers()&tcell.ModAlt == 0 {
				return ev
			}
			fn()
			return nil
		}
		return ev
	}
}
