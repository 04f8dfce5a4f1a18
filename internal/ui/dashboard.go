// Package ui is the terminal dashboard for one project: a worktree table with
// dev-server and auto-mode state, driven through the orchestrator and kept
// current from the event stream.
package ui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"

	"canopy/internal/automode"
	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/orchestrator"
	"canopy/internal/reconcile"
)

const (
	callTimeout   = 2 * time.Minute
	detailLogTail = 200
	pathWidth     = 120
)

// Service is the part of the orchestrator the dashboard drives.
type Service interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (orchestrator.CreateResponse, error)
	Delete(ctx context.Context, req orchestrator.DeleteRequest) (orchestrator.DeleteResponse, error)
	List(ctx context.Context, req orchestrator.ListRequest) (orchestrator.ListResponse, error)
	Select(ctx context.Context, req orchestrator.SelectRequest) (orchestrator.WorktreeInfo, error)
	DevServerStart(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStop(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStatus(ctx context.Context, req orchestrator.DevServerRequest) (orchestrator.DevServerStatusResponse, error)
	DevServerLogs(ctx context.Context, req orchestrator.DevServerLogsRequest) (orchestrator.DevServerLogsResponse, error)
	AutoModeStart(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	AutoModeStop(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	RunInitScript(ctx context.Context, req orchestrator.RunInitScriptRequest) (orchestrator.RunInitScriptResponse, error)
	Refresh(ctx context.Context, projectPath string) (reconcile.Result, error)
}

// Subscriber supplies live events.
type Subscriber interface {
	Subscribe(buffer int, filter func(events.Event) bool) (<-chan events.Event, func())
}

type Options struct {
	Service     Service
	Events      Subscriber
	ProjectPath string
	Version     string
	Log         logrus.FieldLogger
}

type dashboard struct {
	svc     Service
	project string
	name    string
	version string
	log     logrus.FieldLogger

	app         *tview.Application
	pages       *tview.Pages
	statusPane  *tview.TextView
	detailPane  *tview.TextView
	table       *counterTable
	footerLeft  *tview.TextView
	footerRight *tview.TextView
	focusables  []tview.Primitive

	items    []orchestrator.WorktreeInfo
	visible  []int
	selected int
	filter   string

	footerLevel string
	footerMsg   string

	reloadCh chan struct{}
	detailCh chan string
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, opts Options) error {
	d := newDashboard(opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		d.app.Stop()
	}()
	go d.reloadLoop(ctx)
	go d.detailLoop(ctx)
	if opts.Events != nil {
		ch, unsubscribe := opts.Events.Subscribe(128, events.ForProject(d.project))
		defer unsubscribe()
		go d.watch(ctx, ch)
	}
	d.requestReload()

	return d.app.SetRoot(d.pages, true).Run()
}

func newDashboard(opts Options) *dashboard {
	applyTheme()
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	d := &dashboard{
		svc:        opts.Service,
		project:    opts.ProjectPath,
		name:       filepath.Base(opts.ProjectPath),
		version:    opts.Version,
		log:        log.WithField("component", "ui"),
		app:        tview.NewApplication().EnableMouse(true),
		statusPane: newPane("[1]-Status"),
		detailPane: newPane("[2]-Details"),
		table:      newCounterTable("[3]-Worktrees"),
		reloadCh:   make(chan struct{}, 1),
		detailCh:   make(chan string, 1),
	}
	d.detailPane.SetScrollable(true)

	d.footerLeft = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	d.footerLeft.SetBackgroundColor(tcell.ColorDefault)
	d.footerRight = tview.NewTextView().SetDynamicColors(true).SetWrap(false).SetTextAlign(tview.AlignRight)
	d.footerRight.SetBackgroundColor(tcell.ColorDefault)

	body := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.detailPane, 0, 2, false).
		AddItem(d.table, 0, 3, true)
	footer := tview.NewFlex().
		AddItem(d.footerLeft, 0, 1, false).
		AddItem(d.footerRight, 16, 0, false)
	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.statusPane, 3, 0, false).
		AddItem(body, 0, 1, true).
		AddItem(footer, 1, 0, false)
	d.pages = tview.NewPages().AddPage("main", root, true, true)
	d.focusables = []tview.Primitive{d.statusPane, d.detailPane, d.table}

	d.table.SetSelectionChangedFunc(func(row, _ int) {
		if row <= 0 {
			d.selected = 0
		} else {
			d.selected = row - 1
		}
		d.renderTableMeta()
		d.renderStatusPane()
		d.requestDetail()
	})
	d.table.SetSelectedFunc(func(row, _ int) {
		if row > 0 {
			d.selectCurrent()
		}
	})
	d.app.SetInputCapture(d.handleKey)
	d.app.SetFocus(d.table)
	d.updatePaneFocusStyles()
	d.setInfo("loading worktrees")
	return d
}

func (d *dashboard) isMainFocus() bool {
	focus := d.app.GetFocus()
	for _, p := range d.focusables {
		if focus == p {
			return true
		}
	}
	return false
}

func (d *dashboard) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if !d.isMainFocus() {
		return ev
	}
	switch ev.Key() {
	case tcell.KeyCtrlC:
		d.app.Stop()
		return nil
	case tcell.KeyTAB:
		d.cycleFocus(1)
		return nil
	case tcell.KeyBacktab:
		d.cycleFocus(-1)
		return nil
	case tcell.KeyRune:
	default:
		return ev
	}

	switch ev.Rune() {
	case 'q':
		d.app.Stop()
	case 'j':
		d.moveSelection(1)
	case 'k':
		d.moveSelection(-1)
	case 'r':
		d.refresh()
	case 'n':
		d.showCreateModal()
	case 'x':
		d.showDeleteModal()
	case 's':
		d.toggleDevServer()
	case 'a':
		d.toggleAutoMode()
	case 'i':
		d.runInitScript()
	case '/':
		d.showFilterModal()
	case '?':
		d.showHelpModal()
	default:
		return ev
	}
	return nil
}

func (d *dashboard) cycleFocus(delta int) {
	cycleFocus(d.app, d.focusables, delta)
	d.updatePaneFocusStyles()
}

func (d *dashboard) updatePaneFocusStyles() {
	focus := d.app.GetFocus()
	style := func(box interface {
		SetTitle(string) *tview.Box
		SetBorderColor(tcell.Color) *tview.Box
		SetTitleColor(tcell.Color) *tview.Box
	}, active bool, title string) {
		color := borderColor()
		if active {
			title = "> " + title
			color = focusColor()
		}
		box.SetTitle(title)
		box.SetBorderColor(color)
		box.SetTitleColor(color)
	}
	style(d.statusPane.Box, focus == d.statusPane, "[1]-Status")
	style(d.detailPane.Box, focus == d.detailPane, "[2]-Details")
	style(d.table.Box, focus == d.table, "[3]-Worktrees")
	d.table.SetSelectedStyle(selectedStyle(focus == d.table))
	d.redrawFooter()
}

func (d *dashboard) moveSelection(delta int) {
	if len(d.visible) == 0 {
		return
	}
	d.selected = min(max(d.selected+delta, 0), len(d.visible)-1)
	d.table.Select(d.selected+1, 0)
}

func (d *dashboard) selectedItem() *orchestrator.WorktreeInfo {
	if d.selected < 0 || d.selected >= len(d.visible) {
		return nil
	}
	item := d.items[d.visible[d.selected]]
	return &item
}

func (d *dashboard) applyFilter() {
	d.visible = filterIndices(d.items, d.filter)
	d.selected = min(d.selected, len(d.visible)-1)
	d.selected = max(d.selected, 0)
}

// requestReload schedules a list refresh; repeated requests coalesce.
func (d *dashboard) requestReload() {
	select {
	case d.reloadCh <- struct{}{}:
	default:
	}
}

func (d *dashboard) requestDetail() {
	item := d.selectedItem()
	if item == nil {
		d.detailPane.SetText("")
		return
	}
	select {
	case <-d.detailCh:
	default:
	}
	d.detailCh <- item.Path
}

func (d *dashboard) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reloadCh:
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		res, err := d.svc.List(callCtx, orchestrator.ListRequest{ProjectPath: d.project, IncludeDetails: true})
		cancel()
		d.app.QueueUpdateDraw(func() {
			if err != nil {
				d.setError("list failed: %v", err)
				return
			}
			d.setItems(res.Worktrees)
		})
	}
}

func (d *dashboard) setItems(items []orchestrator.WorktreeInfo) {
	var keep string
	if item := d.selectedItem(); item != nil {
		keep = item.Path
	}
	d.items = items
	d.applyFilter()
	for i, idx := range d.visible {
		if d.items[idx].Path == keep {
			d.selected = i
			break
		}
	}
	if d.footerMsg == "loading worktrees" {
		d.setInfo("ready")
	}
	d.renderTable()
	d.renderStatusPane()
	d.requestDetail()
}

// detailLoop fetches dev-server state and logs for the highlighted worktree.
func (d *dashboard) detailLoop(ctx context.Context) {
	for {
		var path string
		select {
		case <-ctx.Done():
			return
		case path = <-d.detailCh:
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		status, err := d.svc.DevServerStatus(callCtx, orchestrator.DevServerRequest{WorktreePath: path})
		var logs []string
		if err == nil && status.Instance != nil {
			if res, lerr := d.svc.DevServerLogs(callCtx, orchestrator.DevServerLogsRequest{WorktreePath: path, Limit: detailLogTail}); lerr == nil {
				logs = res.Lines
			}
		}
		cancel()
		d.app.QueueUpdateDraw(func() {
			item := d.selectedItem()
			if item == nil || item.Path != path {
				return
			}
			if err != nil {
				d.detailPane.SetText(tview.Escape(fmt.Sprintf("status unavailable: %v", err)))
				return
			}
			d.renderDetails(*item, status.Instance, logs)
		})
	}
}

// watch turns bus events into reloads and footer messages.
func (d *dashboard) watch(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.handleEvent(ev)
		}
	}
}

func (d *dashboard) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.InitOutput:
		d.app.QueueUpdateDraw(func() { d.setStatus("init: %s", ev.Message) })
		return
	case events.InitCompleted:
		d.app.QueueUpdateDraw(func() {
			if ev.Success != nil && *ev.Success {
				d.setInfo("init script finished for %s", ev.Branch)
			} else {
				d.setWarn("init script failed for %s", ev.Branch)
			}
		})
		return
	case events.WorktreeRemoved:
		d.app.QueueUpdateDraw(func() { d.setWarn("worktree removed outside canopy: %s", ev.Path) })
	case events.DevServerStatus:
		if ev.Status == string(devserver.StatusCrashed) {
			d.app.QueueUpdateDraw(func() { d.setWarn("dev server crashed: %s", ev.Path) })
		}
	}
	d.requestReload()
}

// do runs fn off the UI goroutine and reports its outcome in the footer.
func (d *dashboard) do(label string, fn func(ctx context.Context) (string, error)) {
	d.setStatus("%s...", label)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		msg, err := fn(ctx)
		d.app.QueueUpdateDraw(func() {
			if err != nil {
				d.setError("%s failed: %v", label, err)
				return
			}
			d.setInfo("%s", msg)
		})
		d.requestReload()
	}()
}

func (d *dashboard) refresh() {
	d.do("refresh", func(ctx context.Context) (string, error) {
		res, err := d.svc.Refresh(ctx, d.project)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("refreshed (%d added, %d removed)", len(res.Added), len(res.Removed)), nil
	})
}

func (d *dashboard) selectCurrent() {
	item := d.selectedItem()
	if item == nil {
		return
	}
	path := item.Path
	d.do("select", func(ctx context.Context) (string, error) {
		info, err := d.svc.Select(ctx, orchestrator.SelectRequest{ProjectPath: d.project, WorktreePath: path})
		if err != nil {
			return "", err
		}
		return "selected " + branchLabel(info), nil
	})
}

func (d *dashboard) toggleDevServer() {
	item := d.selectedItem()
	if item == nil {
		d.setWarn("nothing selected")
		return
	}
	req := orchestrator.DevServerRequest{WorktreePath: item.Path}
	if devActive(*item) {
		d.do("stop dev server", func(ctx context.Context) (string, error) {
			info, err := d.svc.DevServerStop(ctx, req)
			if err != nil {
				return "", err
			}
			return "dev server " + string(info.Status), nil
		})
		return
	}
	d.do("start dev server", func(ctx context.Context) (string, error) {
		info, err := d.svc.DevServerStart(ctx, req)
		if err != nil {
			return "", err
		}
		if info.ListenAddress != "" {
			return "dev server listening on " + info.ListenAddress, nil
		}
		return "dev server " + string(info.Status), nil
	})
}

func (d *dashboard) autoModeRequest(item orchestrator.WorktreeInfo) orchestrator.AutoModeRequest {
	req := orchestrator.AutoModeRequest{ProjectPath: d.project}
	if !item.IsMain {
		branch := item.Branch
		req.Branch = &branch
	}
	return req
}

func (d *dashboard) toggleAutoMode() {
	item := d.selectedItem()
	if item == nil {
		d.setWarn("nothing selected")
		return
	}
	if !item.IsMain && item.Branch == "" {
		d.setWarn("auto mode needs a branch")
		return
	}
	req := d.autoModeRequest(*item)
	if item.AutoModeRunning {
		d.do("stop auto mode", func(ctx context.Context) (string, error) {
			_, err := d.svc.AutoModeStop(ctx, req)
			return "auto mode stopped", err
		})
		return
	}
	d.do("start auto mode", func(ctx context.Context) (string, error) {
		_, err := d.svc.AutoModeStart(ctx, req)
		return "auto mode started", err
	})
}

func (d *dashboard) runInitScript() {
	item := d.selectedItem()
	if item == nil {
		d.setWarn("nothing selected")
		return
	}
	req := orchestrator.RunInitScriptRequest{ProjectPath: d.project, WorktreePath: item.Path, Branch: item.Branch}
	d.do("init script", func(ctx context.Context) (string, error) {
		res, err := d.svc.RunInitScript(ctx, req)
		if err != nil {
			return "", err
		}
		return "init script started (" + res.RunID + ")", nil
	})
}

func (d *dashboard) renderTable() {
	d.table.Clear()
	for col, h := range tableHeaders {
		d.table.SetCell(0, col, tview.NewTableCell(h).
			SetAttributes(tcell.AttrBold).
			SetTextColor(ColorToTcell(ThemePrimary)).
			SetExpansion(1).
			SetSelectable(false))
	}
	if len(d.visible) == 0 {
		d.table.SetCell(1, 0, tview.NewTableCell("(no worktrees match filter)").
			SetTextColor(ColorToTcell(ColorPurple)).
			SetSelectable(false))
		d.renderTableMeta()
		return
	}
	for row, idx := range d.visible {
		item := d.items[idx]
		for col, val := range rowValues(item, pathWidth) {
			cell := tview.NewTableCell(tview.Escape(val)).SetExpansion(1).SetTextColor(cellColor(item, col))
			if item.Selected && col == 1 {
				cell.SetAttributes(tcell.AttrBold)
			}
			d.table.SetCell(row+1, col, cell)
		}
	}
	d.table.Select(d.selected+1, 0)
	d.renderTableMeta()
}

func cellColor(item orchestrator.WorktreeInfo, col int) tcell.Color {
	switch tableHeaders[col] {
	case "SEL":
		return ColorToTcell(ThemeAccent)
	case "BRANCH":
		if item.Selected {
			return ColorToTcell(ThemeAccent)
		}
	case "CHANGES":
		if item.HasChanges != nil && *item.HasChanges {
			return ColorToTcell(ColorRed)
		}
		return ColorToTcell(ColorGreen)
	case "DEV":
		if item.DevServer == nil {
			return ColorToTcell(ThemeMuted)
		}
		switch *item.DevServer {
		case devserver.StatusRunning:
			return ColorToTcell(ColorGreen)
		case devserver.StatusStarting:
			return ColorToTcell(ColorYellow)
		case devserver.StatusCrashed:
			return ColorToTcell(ColorRed)
		}
		return ColorToTcell(ThemeMuted)
	case "AUTO":
		if item.AutoModeRunning {
			return ColorToTcell(ColorGreen)
		}
		return ColorToTcell(ThemeMuted)
	}
	return tcell.ColorDefault
}

func (d *dashboard) renderTableMeta() {
	if len(d.visible) == 0 {
		d.table.SetCounter("0 of 0")
		return
	}
	d.table.SetCounter(fmt.Sprintf("%d of %d", min(d.selected+1, len(d.visible)), len(d.visible)))
}

func (d *dashboard) renderStatusPane() {
	mainBranch := "(unknown)"
	for _, it := range d.items {
		if it.IsMain {
			mainBranch = branchLabel(it)
		}
	}
	highlighted, dev, auto := "(none)", "-", "off"
	if item := d.selectedItem(); item != nil {
		highlighted = branchLabel(*item)
		dev = devLabel(*item)
		auto = autoLabel(*item)
	}
	label := lipgloss.NewStyle().Foreground(ColorBlue)
	value := lipgloss.NewStyle().Foreground(ColorGreen)
	status := fmt.Sprintf("%s %s %s %s  %s %s  %s %s  %s %s",
		value.Render("✓"),
		lipgloss.NewStyle().Bold(true).Render(d.name),
		label.Render("->"),
		value.Render(mainBranch),
		label.Render("worktree:"), value.Render(highlighted),
		label.Render("dev:"), value.Render(dev),
		label.Render("auto:"), value.Render(auto),
	)
	d.statusPane.SetText(tview.TranslateANSI(status))
}

func (d *dashboard) renderDetails(item orchestrator.WorktreeInfo, inst *devserver.Info, logs []string) {
	lines := []string{
		"branch:     " + branchLabel(item),
		"path:       " + item.Path,
		"changes:    " + changesLabel(item),
		"sync:       " + syncLabel(item),
		"auto mode:  " + autoLabel(item),
	}
	lines = append(lines, instanceSummary(inst, time.Now())...)
	if len(logs) > 0 {
		lines = append(lines, "", "── dev server output ──")
		lines = append(lines, logs...)
	}
	d.detailPane.SetText(tview.Escape(strings.Join(lines, "\n")))
	if len(logs) > 0 {
		d.detailPane.ScrollToEnd()
	} else {
		d.detailPane.ScrollToBeginning()
	}
}

func (d *dashboard) setStatus(format string, args ...any) {
	d.renderFooter("STATUS", fmt.Sprintf(format, args...))
}

func (d *dashboard) setInfo(format string, args ...any) {
	d.renderFooter(levelInfo, fmt.Sprintf(format, args...))
}

func (d *dashboard) setWarn(format string, args ...any) {
	d.renderFooter(levelWarn, fmt.Sprintf(format, args...))
}

func (d *dashboard) setError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.log.Warn(msg)
	d.renderFooter(levelError, msg)
}

func (d *dashboard) renderFooter(level, message string) {
	d.footerLevel = level
	d.footerMsg = message
	d.redrawFooter()
}

func (d *dashboard) footerKeymap() string {
	base := "[::b]tab[::-] pane | [::b]r[::-] refresh | [::b]?[::-] help | [::b]q[::-] quit"
	if d.app.GetFocus() == d.table {
		return "[::b]j/k[::-] move | [::b]enter[::-] select | [::b]n[::-] new | [::b]x[::-] remove | " +
			"[::b]s[::-] dev | [::b]a[::-] auto | [::b]i[::-] init | [::b]/[::-] filter | " + base
	}
	if d.isMainFocus() {
		return base
	}
	return "[::b]tab[::-] cycle modal focus | [::b]esc[::-] close modal"
}

func (d *dashboard) redrawFooter() {
	level := d.footerLevel
	if level == "" {
		level = levelInfo
	}
	msg := d.footerMsg
	if msg == "" {
		msg = "ready"
	}
	left := fmt.Sprintf("╰─ %s  %s: %s",
		d.footerKeymap(),
		lipgloss.NewStyle().Foreground(levelColor(level)).Bold(true).Render(level),
		tview.Escape(msg),
	)
	d.footerLeft.SetText(tview.TranslateANSI(left))
	d.footerRight.SetText(tview.TranslateANSI(fmt.Sprintf("─ %s ╯",
		lipgloss.NewStyle().Foreground(ColorCyan).Render("v"+d.version))))
}
