package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/automode"
	"canopy/internal/devserver"
	"canopy/internal/orchestrator"
	"canopy/internal/reconcile"
)

type fakeService struct {
	mu    sync.Mutex
	calls []string
	auto  []orchestrator.AutoModeRequest
}

func (f *fakeService) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeService) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeService) Create(_ context.Context, req orchestrator.CreateRequest) (orchestrator.CreateResponse, error) {
	f.record("create")
	return orchestrator.CreateResponse{Branch: req.BranchName}, nil
}

func (f *fakeService) Delete(_ context.Context, req orchestrator.DeleteRequest) (orchestrator.DeleteResponse, error) {
	f.record("delete")
	return orchestrator.DeleteResponse{WorktreePath: req.WorktreePath}, nil
}

func (f *fakeService) List(context.Context, orchestrator.ListRequest) (orchestrator.ListResponse, error) {
	f.record("list")
	return orchestrator.ListResponse{}, nil
}

func (f *fakeService) Select(_ context.Context, req orchestrator.SelectRequest) (orchestrator.WorktreeInfo, error) {
	f.record("select")
	return orchestrator.WorktreeInfo{Path: req.WorktreePath}, nil
}

func (f *fakeService) DevServerStart(context.Context, orchestrator.DevServerRequest) (devserver.Info, error) {
	f.record("devserver.start")
	return devserver.Info{Status: devserver.StatusStarting}, nil
}

func (f *fakeService) DevServerStop(context.Context, orchestrator.DevServerRequest) (devserver.Info, error) {
	f.record("devserver.stop")
	return devserver.Info{Status: devserver.StatusStopped}, nil
}

func (f *fakeService) DevServerStatus(context.Context, orchestrator.DevServerRequest) (orchestrator.DevServerStatusResponse, error) {
	return orchestrator.DevServerStatusResponse{}, nil
}

func (f *fakeService) DevServerLogs(context.Context, orchestrator.DevServerLogsRequest) (orchestrator.DevServerLogsResponse, error) {
	return orchestrator.DevServerLogsResponse{}, nil
}

func (f *fakeService) AutoModeStart(_ context.Context, req orchestrator.AutoModeRequest) (automode.Info, error) {
	f.record("automode.start")
	f.mu.Lock()
	f.auto = append(f.auto, req)
	f.mu.Unlock()
	return automode.Info{Running: true}, nil
}

func (f *fakeService) AutoModeStop(_ context.Context, req orchestrator.AutoModeRequest) (automode.Info, error) {
	f.record("automode.stop")
	return automode.Info{}, nil
}

func (f *fakeService) RunInitScript(context.Context, orchestrator.RunInitScriptRequest) (orchestrator.RunInitScriptResponse, error) {
	f.record("init")
	return orchestrator.RunInitScriptResponse{RunID: "run-1"}, nil
}

func (f *fakeService) Refresh(context.Context, string) (reconcile.Result, error) {
	f.record("refresh")
	return reconcile.Result{Committed: true}, nil
}

func ptr[T any](v T) *T { return &v }

func sampleItems() []orchestrator.WorktreeInfo {
	running := devserver.StatusRunning
	return []orchestrator.WorktreeInfo{
		{Path: "/repo", Branch: "main", IsMain: true, Selected: true, HasChanges: ptr(false)},
		{
			Path:              "/repo/.worktrees/feature-login",
			Branch:            "feature/login",
			HasChanges:        ptr(true),
			ChangedFilesCount: ptr(3),
			AheadCount:        ptr(2),
			BehindCount:       ptr(1),
			DevServer:         &running,
			AutoModeRunning:   true,
		},
		{Path: "/repo/.worktrees/fix-typo", Branch: "fix/typo"},
	}
}

func newTestDashboard(t *testing.T, svc Service) *dashboard {
	t.Helper()
	log, _ := test.NewNullLogger()
	return newDashboard(Options{Service: svc, ProjectPath: "/repo", Version: "test", Log: log})
}

func TestFilterIndices(t *testing.T) {
	items := sampleItems()
	assert.Equal(t, []int{0, 1, 2}, filterIndices(items, ""))
	assert.Equal(t, []int{1}, filterIndices(items, "LOGIN"))
	assert.Equal(t, []int{2}, filterIndices(items, "fix-typo"))
	assert.Empty(t, filterIndices(items, "nope"))
}

func TestRowValues(t *testing.T) {
	items := sampleItems()

	assert.Equal(t, []string{"*", "main (main)", "clean", "-", "-", "off", "/repo"}, rowValues(items[0], 80))
	assert.Equal(t,
		[]string{"", "feature/login", "3 changed", "↑2 ↓1", "running", "on", "/repo/.worktrees/feature-login"},
		rowValues(items[1], 80))
	assert.Equal(t, "-", changesLabel(items[2]))
	assert.Equal(t, "=", syncLabel(orchestrator.WorktreeInfo{AheadCount: ptr(0), BehindCount: ptr(0)}))
	assert.Equal(t, "(detached)", branchLabel(orchestrator.WorktreeInfo{}))
}

func TestInstanceSummary(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, []string{"dev server: not started"}, instanceSummary(nil, now))

	lines := instanceSummary(&devserver.Info{
		Status:        devserver.StatusRunning,
		PID:           42,
		ListenAddress: "http://localhost:3000",
		StartedAt:     now.Add(-5 * time.Minute),
		DroppedLines:  1200,
	}, now)
	assert.Equal(t, []string{
		"dev server: running (pid 42)",
		"address:    http://localhost:3000",
		"uptime:     5 minutes",
		"dropped:    1,200 log lines",
	}, lines)

	ended := now.Add(-time.Hour)
	lines = instanceSummary(&devserver.Info{Status: devserver.StatusCrashed, EndedAt: &ended, ExitCode: ptr(1), Error: "exit status 1"}, now)
	assert.Contains(t, lines, "ended:      1 hour ago")
	assert.Contains(t, lines, "exit code:  1")
	assert.Contains(t, lines, "error:      exit status 1")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "feat...", truncate("feature/login", 7))
	assert.Equal(t, "fe", truncate("feature", 2))
	assert.Equal(t, "", truncate("feature", 0))
}

func TestTruncatePath(t *testing.T) {
	assert.Equal(t, "/a/b", truncatePath("/a/b", 10))
	assert.Equal(t, "/.../worktrees/feature-login", truncatePath("/home/dev/src/repo/worktrees/feature-login", 30))
	assert.Len(t, []rune(truncatePath("/home/dev/src/repo/worktrees/feature-login", 10)), 10)
}

func TestSetItemsKeepsHighlightedWorktree(t *testing.T) {
	d := newTestDashboard(t, &fakeService{})
	d.setItems(sampleItems())
	require.Len(t, d.visible, 3)

	d.moveSelection(2)
	require.Equal(t, "/repo/.worktrees/fix-typo", d.selectedItem().Path)

	// A worktree disappearing above the highlight keeps the highlight on the same path.
	items := sampleItems()
	d.setItems([]orchestrator.WorktreeInfo{items[0], items[2]})
	assert.Equal(t, 1, d.selected)
	assert.Equal(t, "/repo/.worktrees/fix-typo", d.selectedItem().Path)
	assert.Equal(t, "fix/typo", d.table.GetCell(2, 1).Text)
	assert.Equal(t, "2 of 2", d.table.counter)
}

func TestFilterShowsPlaceholder(t *testing.T) {
	d := newTestDashboard(t, &fakeService{})
	d.setItems(sampleItems())

	d.filter = "nothing-matches"
	d.applyFilter()
	d.renderTable()

	assert.Nil(t, d.selectedItem())
	assert.Equal(t, "(no worktrees match filter)", d.table.GetCell(1, 0).Text)
	assert.Equal(t, "0 of 0", d.table.counter)
}

func TestToggleDevServer(t *testing.T) {
	svc := &fakeService{}
	d := newTestDashboard(t, svc)
	d.setItems(sampleItems())

	d.moveSelection(1)
	d.toggleDevServer()
	require.Eventually(t, func() bool { return svc.called("devserver.stop") }, time.Second, 10*time.Millisecond)

	d.moveSelection(1)
	d.toggleDevServer()
	require.Eventually(t, func() bool { return svc.called("devserver.start") }, time.Second, 10*time.Millisecond)
}

func TestAutoModeRequestUsesMainKey(t *testing.T) {
	d := newTestDashboard(t, &fakeService{})
	items := sampleItems()

	assert.Nil(t, d.autoModeRequest(items[0]).Branch)
	req := d.autoModeRequest(items[2])
	require.NotNil(t, req.Branch)
	assert.Equal(t, "fix/typo", *req.Branch)
	assert.Equal(t, "/repo", req.ProjectPath)
}

func TestToggleAutoMode(t *testing.T) {
	svc := &fakeService{}
	d := newTestDashboard(t, svc)
	d.setItems(sampleItems())

	d.moveSelection(1)
	d.toggleAutoMode()
	require.Eventually(t, func() bool { return svc.called("automode.stop") }, time.Second, 10*time.Millisecond)

	d.moveSelection(1)
	d.toggleAutoMode()
	require.Eventually(t, func() bool { return svc.called("automode.start") }, time.Second, 10*time.Millisecond)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.auto, 1)
	assert.Equal(t, "fix/typo", *svc.auto[0].Branch)
}

func TestFooterLevels(t *testing.T) {
	d := newTestDashboard(t, &fakeService{})
	d.setError("boom %d", 1)
	assert.Equal(t, levelError, d.footerLevel)
	assert.Equal(t, "boom 1", d.footerMsg)
	assert.Equal(t, ColorRed, levelColor(levelError))
	assert.Equal(t, ColorCyan, levelColor("STATUS"))
}
