package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canopy/internal/worktree"
)

type recorder struct {
	mu     sync.Mutex
	states []Status
}

func (r *recorder) observe(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, info.Status)
}

func (r *recorder) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.states...)
}

func newSupervisor(t *testing.T, opts Options) (*Supervisor, *recorder) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	opts.Log = logger
	opts.OnChange = rec.observe
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s, rec
}

func worktreeDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(worktree.Clean(t.TempDir()), "wt")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func waitStatus(t *testing.T, s *Supervisor, path string, want Status) Info {
	t.Helper()
	var info Info
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = s.Status(path)
		return ok && info.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s", want)
	return info
}

func TestStartResolvesAddressAndRejectsSecondStart(t *testing.T) {
	s, rec := newSupervisor(t, Options{})
	dir := worktreeDir(t)
	ctx := context.Background()

	info, err := s.Start(ctx, Spec{Path: dir, Branch: "feature/x", Command: `echo "Local: http://localhost:5173/"; sleep 30`})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Greater(t, info.PID, 0)

	running := waitStatus(t, s, dir, StatusRunning)
	assert.Equal(t, "http://localhost:5173", running.ListenAddress)
	assert.True(t, s.Running(dir))

	_, err = s.Start(ctx, Spec{Path: dir, Command: "sleep 30"})
	assert.ErrorIs(t, err, worktree.ErrAlreadyRunning)

	stopped, err := s.Stop(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	_, ok := s.Status(dir)
	assert.False(t, ok)
	assert.Contains(t, rec.seen(), StatusStarting)
	assert.Contains(t, rec.seen(), StatusRunning)
	assert.Contains(t, rec.seen(), StatusStopped)
}

func TestStopEscalatesToKill(t *testing.T) {
	s, _ := newSupervisor(t, Options{GracePeriod: 200 * time.Millisecond})
	dir := worktreeDir(t)

	_, err := s.Start(context.Background(), Spec{Path: dir, Command: `trap '' TERM; echo "listening on port 4000"; while true; do sleep 0.1; done`})
	require.NoError(t, err)
	waitStatus(t, s, dir, StatusRunning)

	start := time.Now()
	info, err := s.Stop(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCrashIsObservableAndRestartable(t *testing.T) {
	s, _ := newSupervisor(t, Options{})
	dir := worktreeDir(t)
	ctx := context.Background()

	_, err := s.Start(ctx, Spec{Path: dir, Command: "echo boom; exit 3"})
	require.NoError(t, err)
	info := waitStatus(t, s, dir, StatusCrashed)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.False(t, s.Running(dir))

	require.Eventually(t, func() bool {
		lines, err := s.Logs(dir, 0)
		return err == nil && len(lines) == 1 && lines[0] == "boom"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Start(ctx, Spec{Path: dir, Command: "sleep 30"})
	require.NoError(t, err)
	waitStatus(t, s, dir, StatusStarting)
}

func TestLogsAreBounded(t *testing.T) {
	s, _ := newSupervisor(t, Options{LogLines: 3})
	dir := worktreeDir(t)

	_, err := s.Start(context.Background(), Spec{Path: dir, Command: "for i in 1 2 3 4 5; do echo line$i; done; sleep 30"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		lines, err := s.Logs(dir, 0)
		return err == nil && assert.ObjectsAreEqual([]string{"line3", "line4", "line5"}, lines)
	}, 2*time.Second, 10*time.Millisecond)

	lines, err := s.Logs(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"line5"}, lines)
	info, _ := s.Status(dir)
	assert.Equal(t, int64(2), info.DroppedLines)

	_, err = s.Stop(context.Background(), dir)
	require.NoError(t, err)
	_, err = s.Logs(dir, 0)
	assert.ErrorIs(t, err, worktree.ErrNotFound)
}

func TestDirectoryRemovalMarksCrashed(t *testing.T) {
	s, _ := newSupervisor(t, Options{})
	dir := worktreeDir(t)

	_, err := s.Start(context.Background(), Spec{Path: dir, Command: "sleep 30"})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	info := waitStatus(t, s, dir, StatusCrashed)
	assert.Equal(t, "worktree directory removed", info.Error)
}

func TestHandleRemoved(t *testing.T) {
	s, _ := newSupervisor(t, Options{})
	dir := worktreeDir(t)

	assert.False(t, s.HandleRemoved(dir, "gone"))
	_, err := s.Start(context.Background(), Spec{Path: dir, Command: "sleep 30"})
	require.NoError(t, err)
	assert.True(t, s.HandleRemoved(dir, "gone"))
	assert.False(t, s.HandleRemoved(dir, "gone"))

	info, ok := s.Status(dir)
	require.True(t, ok)
	assert.Equal(t, StatusCrashed, info.Status)
	assert.Equal(t, "gone", info.Error)
}

func TestReadinessProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := newSupervisor(t, Options{})
	dir := worktreeDir(t)
	_, err := s.Start(context.Background(), Spec{Path: dir, Command: "sleep 30", ReadyURL: srv.URL + "/health"})
	require.NoError(t, err)

	info := waitStatus(t, s, dir, StatusRunning)
	assert.Equal(t, srv.URL, info.ListenAddress)
}

func TestStartValidation(t *testing.T) {
	s, _ := newSupervisor(t, Options{})
	dir := worktreeDir(t)
	ctx := context.Background()

	_, err := s.Start(ctx, Spec{Path: dir, Command: "  "})
	assert.ErrorIs(t, err, worktree.ErrProcess)

	_, err = s.Start(ctx, Spec{Path: filepath.Join(dir, "missing"), Command: "sleep 1"})
	assert.ErrorIs(t, err, worktree.ErrProcess)

	_, err = s.Stop(ctx, dir)
	assert.ErrorIs(t, err, worktree.ErrNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Start(canceled, Spec{Path: dir, Command: "sleep 30"})
	assert.ErrorIs(t, err, worktree.ErrProcess)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := s.Status(dir)
	assert.False(t, ok)
}
