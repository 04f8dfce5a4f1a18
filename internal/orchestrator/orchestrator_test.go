package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/config"
	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=canopy", "GIT_AUTHOR_EMAIL=canopy@example.com",
		"GIT_COMMITTER_NAME=canopy", "GIT_COMMITTER_EMAIL=canopy@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := worktree.Clean(t.TempDir())
	runGit(t, root, "init", "-q")
	runGit(t, root, "symbolic-ref", "HEAD", "refs/heads/main")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("hi\n"), 0o644))
	runGit(t, root, "add", ".")
	runGit(t, root, "commit", "-q", "-m", "init")
	return root
}

func newOrchestrator(t *testing.T, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.DevServer.GracePeriod = config.Duration{Duration: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	logger, _ := test.NewNullLogger()
	o := New(Options{Config: &cfg, Log: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func waitFor(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return events.Event{}
		}
	}
}

func TestRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"relative project", CreateRequest{ProjectPath: "repo", BranchName: "x"}.Validate()},
		{"empty branch", CreateRequest{ProjectPath: "/repo", BranchName: " "}.Validate()},
		{"double dot", CreateRequest{ProjectPath: "/repo", BranchName: "a..b"}.Validate()},
		{"leading dash", CreateRequest{ProjectPath: "/repo", BranchName: "-b"}.Validate()},
		{"trailing slash", CreateRequest{ProjectPath: "/repo", BranchName: "a/"}.Validate()},
		{"lock suffix", CreateRequest{ProjectPath: "/repo", BranchName: "a.lock"}.Validate()},
		{"space", CreateRequest{ProjectPath: "/repo", BranchName: "a b"}.Validate()},
		{"reflog syntax", CreateRequest{ProjectPath: "/repo", BranchName: "a@{1}"}.Validate()},
		{"missing worktree", DeleteRequest{ProjectPath: "/repo"}.Validate()},
		{"negative limit", DevServerLogsRequest{WorktreePath: "/repo", Limit: -1}.Validate()},
		{"bad auto-mode branch", AutoModeRequest{ProjectPath: "/repo", Branch: ptr("x~1")}.Validate()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.err)
			assert.Equal(t, worktree.KindInvalid, worktree.KindOf(tc.err))
		})
	}

	assert.NoError(t, CreateRequest{ProjectPath: "/repo", BranchName: "feature/login-2"}.Validate())
	assert.NoError(t, AutoModeRequest{ProjectPath: "/repo"}.Validate())
}

func ptr(s string) *string { return &s }

func TestCreateListDelete(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()
	ch, cancel := o.Bus().Subscribe(16, events.ForProject(root))
	defer cancel()

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "feature/a"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".worktrees", "feature-a"), created.WorktreePath)
	ev := waitFor(t, ch, events.WorktreeCreated)
	assert.Equal(t, created.WorktreePath, ev.Path)

	_, err = o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "feature/a"})
	assert.Equal(t, worktree.KindAlreadyExists, worktree.KindOf(err))

	list, err := o.List(ctx, ListRequest{ProjectPath: root, IncludeDetails: true})
	require.NoError(t, err)
	require.Len(t, list.Worktrees, 2)
	assert.True(t, list.Worktrees[0].IsMain)
	assert.True(t, list.Worktrees[0].Selected)
	second := list.Worktrees[1]
	assert.Equal(t, "feature/a", second.Branch)
	require.NotNil(t, second.HasChanges)
	assert.False(t, *second.HasChanges)
	require.NotNil(t, second.AheadCount)
	assert.Equal(t, 0, *second.AheadCount)
	assert.Nil(t, second.DevServer)

	// Opening through the linked worktree resolves the same project.
	p, err := o.Project(ctx, created.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, root, p.Root)

	del, err := o.Delete(ctx, DeleteRequest{ProjectPath: root, WorktreePath: created.WorktreePath, DeleteBranch: true})
	require.NoError(t, err)
	assert.Equal(t, "feature/a", del.Branch)
	waitFor(t, ch, events.WorktreeDeleted)

	list, err = o.List(ctx, ListRequest{ProjectPath: root})
	require.NoError(t, err)
	require.Len(t, list.Worktrees, 1)
	assert.Nil(t, list.Worktrees[0].HasChanges)

	_, err = o.Delete(ctx, DeleteRequest{ProjectPath: root, WorktreePath: root})
	assert.Equal(t, worktree.KindCannotDeleteMain, worktree.KindOf(err))
}

func TestProjectOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	o := newOrchestrator(t, nil)
	_, err := o.List(context.Background(), ListRequest{ProjectPath: worktree.Clean(t.TempDir())})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))

	_, err = o.List(context.Background(), ListRequest{ProjectPath: "/does/not/exist"})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))
}

func TestSelectFallsBackToMain(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "feat"})
	require.NoError(t, err)

	info, err := o.Select(ctx, SelectRequest{ProjectPath: root, WorktreePath: created.WorktreePath})
	require.NoError(t, err)
	assert.Equal(t, created.WorktreePath, info.Path)
	assert.True(t, info.Selected)

	info, err = o.Select(ctx, SelectRequest{ProjectPath: root, WorktreePath: filepath.Join(root, "nowhere")})
	require.NoError(t, err)
	assert.Equal(t, root, info.Path)
	assert.True(t, info.IsMain)

	sel, err := o.Selected(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, root, sel.Path)
}

func TestSwitchBranch(t *testing.T) {
	root := initRepo(t)
	runGit(t, root, "branch", "spare")
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	a, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "a"})
	require.NoError(t, err)
	_, err = o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "b"})
	require.NoError(t, err)

	_, err = o.SwitchBranch(ctx, SwitchBranchRequest{ProjectPath: root, WorktreePath: a.WorktreePath, TargetBranch: "b"})
	assert.Equal(t, worktree.KindBranchInUse, worktree.KindOf(err))

	_, err = o.SwitchBranch(ctx, SwitchBranchRequest{ProjectPath: root, WorktreePath: a.WorktreePath, TargetBranch: "missing"})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))

	res, err := o.SwitchBranch(ctx, SwitchBranchRequest{ProjectPath: root, WorktreePath: a.WorktreePath, TargetBranch: "spare"})
	require.NoError(t, err)
	assert.Equal(t, SwitchBranchResponse{PreviousBranch: "a", CurrentBranch: "spare"}, res)

	list, err := o.List(ctx, ListRequest{ProjectPath: root})
	require.NoError(t, err)
	var branches []string
	for _, wt := range list.Worktrees {
		branches = append(branches, wt.Branch)
	}
	assert.ElementsMatch(t, []string{"main", "spare", "b"}, branches)

	res, err = o.SwitchBranch(ctx, SwitchBranchRequest{ProjectPath: root, WorktreePath: a.WorktreePath, TargetBranch: "spare"})
	require.NoError(t, err)
	assert.Equal(t, "spare", res.PreviousBranch)
}

func TestExternalRemoval(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()
	ch, cancel := o.Bus().Subscribe(16, nil)
	defer cancel()

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "gone"})
	require.NoError(t, err)
	_, err = o.Select(ctx, SelectRequest{ProjectPath: root, WorktreePath: created.WorktreePath})
	require.NoError(t, err)
	_, err = o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("gone")})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(created.WorktreePath))
	res, err := o.Refresh(ctx, root)
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Len(t, res.Removed, 1)

	ev := waitFor(t, ch, events.WorktreeRemoved)
	assert.Equal(t, created.WorktreePath, ev.Path)

	sel, err := o.Selected(ctx, root)
	require.NoError(t, err)
	assert.True(t, sel.IsMain)

	// The run outlives its worktree until stopped explicitly.
	info, err := o.AutoModeStatus(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("gone")})
	require.NoError(t, err)
	assert.True(t, info.Running)

	again, err := o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("gone")})
	require.NoError(t, err)
	assert.Equal(t, info.RunID, again.RunID)

	info, err = o.AutoModeStop(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("gone")})
	require.NoError(t, err)
	assert.False(t, info.Running)
	waitFor(t, ch, events.AutoModeStopped)

	// Once stopped, a key without a worktree cannot start again.
	_, err = o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("gone")})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))
}

func TestAutoModeSurvivesDelete(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "feature/run"})
	require.NoError(t, err)
	started, err := o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("feature/run")})
	require.NoError(t, err)

	_, err = o.Delete(ctx, DeleteRequest{ProjectPath: root, WorktreePath: created.WorktreePath, DeleteBranch: true})
	require.NoError(t, err)

	info, err := o.AutoModeStatus(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("feature/run")})
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, started.RunID, info.RunID)

	running, err := o.AutoModeRunning(ctx, root)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	info, err = o.AutoModeStop(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("feature/run")})
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestAutoMode(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()
	ch, cancel := o.Bus().Subscribe(16, nil)
	defer cancel()

	_, err := o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("nope")})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))

	_, err = o.AutoModeStop(ctx, AutoModeRequest{ProjectPath: root, Branch: ptr("never-started")})
	assert.NoError(t, err)

	info, err := o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Nil(t, info.Branch)
	waitFor(t, ch, events.AutoModeStarted)

	again, err := o.AutoModeStart(ctx, AutoModeRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.Equal(t, info.RunID, again.RunID)

	running, err := o.AutoModeRunning(ctx, root)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	list, err := o.List(ctx, ListRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.True(t, list.Worktrees[0].AutoModeRunning)

	info, err = o.AutoModeStop(ctx, AutoModeRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.False(t, info.Running)
	waitFor(t, ch, events.AutoModeStopped)
}

func TestInitScript(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	info, err := o.GetInitScript(ctx, InitScriptRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.False(t, info.Exists)

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "init-me"})
	require.NoError(t, err)
	_, err = o.RunInitScript(ctx, RunInitScriptRequest{ProjectPath: root, WorktreePath: created.WorktreePath})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))

	script := filepath.Join(root, ".canopy", "worktree-init.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("echo \"branch=$CANOPY_BRANCH\"\n"), 0o755))

	info, err = o.GetInitScript(ctx, InitScriptRequest{ProjectPath: root})
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, script, info.Path)

	ch, cancel := o.Bus().Subscribe(32, nil)
	defer cancel()
	run, err := o.RunInitScript(ctx, RunInitScriptRequest{ProjectPath: root, WorktreePath: created.WorktreePath})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	out := waitFor(t, ch, events.InitOutput)
	assert.Equal(t, "branch=init-me", out.Message)
	done := waitFor(t, ch, events.InitCompleted)
	assert.Equal(t, run.RunID, done.RunID)
	require.NotNil(t, done.Success)
	assert.True(t, *done.Success)
}

func TestDevServer(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, func(cfg *config.Config) {
		cfg.DevServer.Command = `echo "ready on http://localhost:4321 for $CANOPY_BRANCH"; exec sleep 30`
	})
	ctx := context.Background()

	created, err := o.Create(ctx, CreateRequest{ProjectPath: root, BranchName: "web"})
	require.NoError(t, err)

	_, err = o.DevServerStart(ctx, DevServerRequest{WorktreePath: filepath.Join(root, "unknown")})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))

	_, err = o.DevServerStart(ctx, DevServerRequest{WorktreePath: created.WorktreePath})
	require.NoError(t, err)
	_, err = o.DevServerStart(ctx, DevServerRequest{WorktreePath: created.WorktreePath})
	assert.Equal(t, worktree.KindAlreadyRunning, worktree.KindOf(err))

	require.Eventually(t, func() bool {
		st, err := o.DevServerStatus(ctx, DevServerRequest{WorktreePath: created.WorktreePath})
		return err == nil && st.Instance != nil && st.Instance.Status == devserver.StatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	st, err := o.DevServerStatus(ctx, DevServerRequest{WorktreePath: created.WorktreePath})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4321", st.Instance.ListenAddress)

	logs, err := o.DevServerLogs(ctx, DevServerLogsRequest{WorktreePath: created.WorktreePath, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"ready on http://localhost:4321 for web"}, logs.Lines)

	list, err := o.List(ctx, ListRequest{ProjectPath: root})
	require.NoError(t, err)
	require.NotNil(t, list.Worktrees[1].DevServer)
	assert.Equal(t, devserver.StatusRunning, *list.Worktrees[1].DevServer)

	// Deleting the worktree stops its dev server first.
	_, err = o.Delete(ctx, DeleteRequest{ProjectPath: root, WorktreePath: created.WorktreePath, Force: true})
	require.NoError(t, err)
	st, err = o.DevServerStatus(ctx, DevServerRequest{WorktreePath: created.WorktreePath})
	assert.Equal(t, worktree.KindNotFound, worktree.KindOf(err))
	assert.Nil(t, st.Instance)
}

func TestDevServerRequiresCommand(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	_, err := o.DevServerStart(context.Background(), DevServerRequest{WorktreePath: root})
	assert.Equal(t, worktree.KindInvalid, worktree.KindOf(err))
}

func TestCloseRejectsNewProjects(t *testing.T) {
	root := initRepo(t)
	o := newOrchestrator(t, nil)
	require.NoError(t, o.Close(context.Background()))
	_, err := o.List(context.Background(), ListRequest{ProjectPath: root})
	assert.Equal(t, worktree.KindInvalid, worktree.KindOf(err))
}
