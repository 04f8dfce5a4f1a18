// Package initscript runs a project's worktree init script in the background
// and reports progress on the event stream.
package initscript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"canopy/internal/events"
	"canopy/internal/worktree"
)

const (
	DefaultPath = ".canopy/worktree-init.sh"
	waitDelay   = 2 * time.Second
)

// Locate reports where the init script of projectPath lives and whether it exists.
func Locate(projectPath, rel string) (string, bool) {
	if rel == "" {
		rel = DefaultPath
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, rel)
	}
	st, err := os.Stat(path)
	return path, err == nil && st.Mode().IsRegular()
}

type Request struct {
	ProjectPath  string
	WorktreePath string
	Branch       string
	Script       string
}

type Result struct {
	RunID    string
	Success  bool
	ExitCode int
	Err      error
}

type Runner struct {
	bus   events.Publisher
	log   logrus.FieldLogger
	shell string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]string
}

func NewRunner(bus events.Publisher, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		bus:     bus,
		log:     log.WithField("component", "initscript"),
		shell:   "/bin/sh",
		ctx:     ctx,
		cancel:  cancel,
		running: map[string]string{},
	}
}

// Run starts the script and returns at once. Progress goes to the event bus;
// the returned channel receives the single completion result.
func (r *Runner) Run(req Request) (string, <-chan Result, error) {
	op := "init script " + req.WorktreePath
	if _, err := os.Stat(req.Script); err != nil {
		return "", nil, worktree.E(worktree.KindNotFound, op, "init script not found: "+req.Script)
	}
	if st, err := os.Stat(req.WorktreePath); err != nil || !st.IsDir() {
		return "", nil, worktree.E(worktree.KindNotFound, op, "worktree directory not found: "+req.WorktreePath)
	}

	r.mu.Lock()
	if existing, ok := r.running[req.WorktreePath]; ok {
		r.mu.Unlock()
		return existing, nil, worktree.E(worktree.KindAlreadyRunning, op, "init script already running")
	}
	runID := uuid.NewString()
	r.running[req.WorktreePath] = runID
	r.mu.Unlock()

	done := make(chan Result, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.execute(runID, req)
		r.mu.Lock()
		delete(r.running, req.WorktreePath)
		r.mu.Unlock()
		done <- res
		close(done)
	}()
	return runID, done, nil
}

func (r *Runner) execute(runID string, req Request) Result {
	fields := logrus.Fields{"run": runID, "path": req.WorktreePath, "branch": req.Branch}
	base := events.Event{Project: req.ProjectPath, Path: req.WorktreePath, Branch: req.Branch, RunID: runID}
	r.publish(base, events.InitStarted, func(ev *events.Event) { ev.Message = req.Script })
	r.log.WithFields(fields).Info("init script started")

	cmd := exec.CommandContext(r.ctx, r.shell, req.Script)
	cmd.Dir = req.WorktreePath
	cmd.Env = append(os.Environ(),
		"CANOPY_PROJECT_PATH="+req.ProjectPath,
		"CANOPY_WORKTREE_PATH="+req.WorktreePath,
		"CANOPY_BRANCH="+req.Branch,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = waitDelay
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			r.publish(base, events.InitOutput, func(ev *events.Event) { ev.Message = line })
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	<-lines

	res := Result{RunID: runID, Success: err == nil}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Err = fmt.Errorf("init script exited with code %d", exitErr.ExitCode())
		} else {
			res.Err = worktree.Wrap(worktree.KindProcess, "init script "+req.WorktreePath, err)
		}
	}
	r.publish(base, events.InitCompleted, func(ev *events.Event) {
		code := res.ExitCode
		success := res.Success
		ev.ExitCode = &code
		ev.Success = &success
		if res.Err != nil {
			ev.Message = res.Err.Error()
		}
	})
	if res.Err != nil {
		r.log.WithFields(fields).WithError(res.Err).Warn("init script failed")
	} else {
		r.log.WithFields(fields).Info("init script completed")
	}
	return res
}

func (r *Runner) publish(base events.Event, typ events.Type, fill func(*events.Event)) {
	if r.bus == nil {
		return
	}
	ev := base
	ev.Type = typ
	fill(&ev)
	r.bus.Publish(ev)
}

// Running reports the run id active for worktreePath.
func (r *Runner) Running(worktreePath string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[worktreePath]
	return id, ok
}

// Close cancels in-flight scripts and waits for them to finish.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
