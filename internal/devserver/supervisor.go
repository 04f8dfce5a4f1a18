// Package devserver supervises one development-server process per worktree.
package devserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"canopy/internal/keylock"
	"canopy/internal/worktree"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Live reports whether the process is expected to be running.
func (s Status) Live() bool { return s == StatusStarting || s == StatusRunning }

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultReadyTimeout = 60 * time.Second
	DefaultLogLines     = 1000
	probeInterval       = 250 * time.Millisecond
	maxLineBytes        = 1024 * 1024
)

type Info struct {
	ID            string     `json:"id"`
	Path          string     `json:"worktreePath"`
	Branch        string     `json:"branch,omitempty"`
	Command       string     `json:"command"`
	PID           int        `json:"pid"`
	Status        Status     `json:"status"`
	ListenAddress string     `json:"listenAddress,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	Error         string     `json:"error,omitempty"`
	DroppedLines  int64      `json:"droppedLines,omitempty"`
}

type Spec struct {
	Path    string
	Branch  string
	Command string
	// ReadyURL, when set, is polled until it answers; the answer marks the server running.
	ReadyURL string
	Env      []string
}

type Options struct {
	GracePeriod  time.Duration
	ReadyTimeout time.Duration
	LogLines     int
	Shell        string
	Log          logrus.FieldLogger
	// OnChange observes every status transition.
	OnChange func(Info)
}

type instance struct {
	mu       sync.Mutex
	info     Info
	logs     *Ring
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
}

func (i *instance) snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.info
	if i.logs != nil {
		out.DroppedLines = i.logs.Dropped()
	}
	return out
}

type Supervisor struct {
	opts      Options
	log       logrus.FieldLogger
	locks     *keylock.Map
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	instances map[string]*instance
	wg        sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.LogLines <= 0 {
		opts.LogLines = DefaultLogLines
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Supervisor{
		opts:      opts,
		log:       log.WithField("component", "devserver"),
		locks:     keylock.New(),
		instances: map[string]*instance{},
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.WithError(err).Warn("directory watch unavailable; relying on reconciliation to detect removed worktrees")
	} else {
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop()
	}
	return s
}

// Start launches spec.Command in spec.Path. A ctx already done when the
// process would be spawned aborts the start.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (Info, error) {
	path := worktree.Clean(spec.Path)
	op := "dev server start " + path
	unlock := s.locks.Lock(path)
	defer unlock()

	if inst := s.get(path); inst != nil && inst.snapshot().Status.Live() {
		return inst.snapshot(), worktree.E(worktree.KindAlreadyRunning, op, "dev server already running")
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return Info{}, worktree.E(worktree.KindProcess, op, "no dev server command configured")
	}
	if st, err := os.Stat(path); err != nil || !st.IsDir() {
		return Info{}, worktree.E(worktree.KindProcess, op, "worktree directory is missing")
	}
	// ctx bounds the start request only; the server outlives it once spawned.
	if err := ctx.Err(); err != nil {
		return Info{}, worktree.Wrap(worktree.KindProcess, op, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Info{}, worktree.Wrap(worktree.KindProcess, op, err)
	}
	cmd := exec.Command(s.opts.Shell, "-c", command)
	cmd.Dir = path
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Info{}, worktree.Wrap(worktree.KindProcess, op, err)
	}
	pw.Close()

	inst := &instance{
		info: Info{
			ID:        uuid.NewString(),
			Path:      path,
			Branch:    spec.Branch,
			Command:   command,
			PID:       cmd.Process.Pid,
			Status:    StatusStarting,
			StartedAt: time.Now(),
		},
		logs:   NewRing(s.opts.LogLines),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.instances[path] = inst
	s.mu.Unlock()
	s.addWatch(path)

	go s.capture(inst, pr)
	go s.wait(inst)
	if spec.ReadyURL != "" {
		go s.probe(inst, spec.ReadyURL)
	}

	s.log.WithFields(logrus.Fields{"path": path, "pid": cmd.Process.Pid, "command": command}).Info("dev server started")
	info := inst.snapshot()
	s.emit(info)
	return info, nil
}

// Stop terminates the process group with SIGTERM, escalating to SIGKILL after
// the grace period, and forgets the instance and its logs.
func (s *Supervisor) Stop(ctx context.Context, path string) (Info, error) {
	path = worktree.Clean(path)
	op := "dev server stop " + path
	unlock := s.locks.Lock(path)
	defer unlock()

	inst := s.get(path)
	if inst == nil {
		return Info{}, worktree.E(worktree.KindNotFound, op, "no dev server for worktree")
	}
	if inst.snapshot().Status.Live() {
		inst.mu.Lock()
		inst.stopping = true
		inst.mu.Unlock()
		if err := s.terminate(ctx, inst); err != nil {
			return inst.snapshot(), worktree.Wrap(worktree.KindProcess, op, err)
		}
	}

	inst.mu.Lock()
	inst.info.Status = StatusStopped
	if inst.info.EndedAt == nil {
		now := time.Now()
		inst.info.EndedAt = &now
	}
	inst.logs = nil
	final := inst.info
	inst.mu.Unlock()

	s.mu.Lock()
	if s.instances[path] == inst {
		delete(s.instances, path)
	}
	s.mu.Unlock()
	s.removeWatch(path)

	s.log.WithField("path", path).Info("dev server stopped")
	s.emit(final)
	return final, nil
}

// Status returns the instance for path, if any.
func (s *Supervisor) Status(path string) (Info, bool) {
	inst := s.get(worktree.Clean(path))
	if inst == nil {
		return Info{}, false
	}
	return inst.snapshot(), true
}

// Running reports whether a live instance exists for path.
func (s *Supervisor) Running(path string) bool {
	info, ok := s.Status(path)
	return ok && info.Status.Live()
}

// Logs returns up to limit of the most recent output lines for path.
func (s *Supervisor) Logs(path string, limit int) ([]string, error) {
	inst := s.get(worktree.Clean(path))
	if inst == nil {
		return nil, worktree.E(worktree.KindNotFound, "dev server logs "+path, "no dev server for worktree")
	}
	inst.mu.Lock()
	logs := inst.logs
	inst.mu.Unlock()
	if logs == nil {
		return []string{}, nil
	}
	return logs.Lines(limit), nil
}

// List returns every known instance ordered by path.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HandleRemoved marks a live instance whose worktree directory vanished as
// crashed and kills what is left of its process group.
func (s *Supervisor) HandleRemoved(path, reason string) bool {
	path = worktree.Clean(path)
	inst := s.get(path)
	if inst == nil {
		return false
	}
	inst.mu.Lock()
	if !inst.info.Status.Live() || inst.stopping {
		inst.mu.Unlock()
		return false
	}
	inst.info.Status = StatusCrashed
	inst.info.Error = reason
	pid := inst.info.PID
	info := inst.info
	inst.mu.Unlock()

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		s.log.WithField("path", path).WithError(err).Warn("unable to kill orphaned dev server")
	}
	s.log.WithFields(logrus.Fields{"path": path, "reason": reason}).Warn("dev server marked crashed")
	s.emit(info)
	return true
}

// Close stops every live instance and the directory watcher.
func (s *Supervisor) Close(ctx context.Context) {
	for _, info := range s.List() {
		if !info.Status.Live() {
			continue
		}
		if _, err := s.Stop(ctx, info.Path); err != nil {
			s.log.WithField("path", info.Path).WithError(err).Warn("dev server stop on shutdown failed")
		}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
}

func (s *Supervisor) get(path string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[path]
}

func (s *Supervisor) emit(info Info) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(info)
	}
}

func (s *Supervisor) capture(inst *instance, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		inst.mu.Lock()
		if inst.logs != nil {
			inst.logs.Add(line)
		}
		inst.mu.Unlock()
		if addr := ParseListenAddress(line); addr != "" {
			s.markRunning(inst, addr)
		}
	}
}

func (s *Supervisor) markRunning(inst *instance, addr string) {
	inst.mu.Lock()
	if inst.info.Status != StatusStarting {
		inst.mu.Unlock()
		return
	}
	inst.info.Status = StatusRunning
	inst.info.ListenAddress = addr
	info := inst.info
	inst.mu.Unlock()
	s.log.WithFields(logrus.Fields{"path": info.Path, "address": addr}).Info("dev server ready")
	s.emit(info)
}

func (s *Supervisor) wait(inst *instance) {
	err := inst.cmd.Wait()
	code := -1
	if inst.cmd.ProcessState != nil {
		code = inst.cmd.ProcessState.ExitCode()
	}

	inst.mu.Lock()
	now := time.Now()
	inst.info.ExitCode = &code
	inst.info.EndedAt = &now
	crashed := false
	if !inst.stopping && inst.info.Status.Live() {
		inst.info.Status = StatusCrashed
		if err != nil {
			inst.info.Error = fmt.Sprintf("process exited unexpectedly: %v", err)
		} else {
			inst.info.Error = "process exited unexpectedly"
		}
		crashed = true
	}
	info := inst.info
	inst.mu.Unlock()
	close(inst.exited)

	if crashed {
		_ = signalGroup(info.PID, syscall.SIGTERM)
		s.removeWatch(info.Path)
		s.log.WithFields(logrus.Fields{"path": info.Path, "exit": code}).Warn("dev server crashed")
		s.emit(info)
	}
}

func (s *Supervisor) terminate(ctx context.Context, inst *instance) error {
	pid := inst.snapshot().PID
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-inst.exited:
		return nil
	case <-timer.C:
		s.log.WithField("pid", pid).Warn("dev server ignored SIGTERM; sending SIGKILL")
	case <-ctx.Done():
		s.log.WithField("pid", pid).Warn("stop cancelled; sending SIGKILL")
	}
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-inst.exited:
		return nil
	case <-time.After(s.opts.GracePeriod):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if p, findErr := os.FindProcess(pid); findErr == nil {
		if sigErr := p.Signal(sig); sigErr == nil || errors.Is(sigErr, os.ErrProcessDone) {
			return nil
		}
	}
	return fmt.Errorf("signal %s to process group %d: %w", sig, pid, err)
}

func (s *Supervisor) probe(inst *instance, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		s.log.WithField("url", rawURL).Warn("ignoring invalid readiness url")
		return
	}
	addr := u.Scheme + "://" + u.Host
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(s.opts.ReadyTimeout)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-inst.exited:
			return
		case <-ticker.C:
		}
		if inst.snapshot().Status != StatusStarting {
			return
		}
		resp, err := client.Get(rawURL)
		if err == nil {
			resp.Body.Close()
			s.markRunning(inst, addr)
			return
		}
		if time.Now().After(deadline) {
			s.log.WithFields(logrus.Fields{"path": inst.snapshot().Path, "url": rawURL}).Warn("readiness probe timed out")
			return
		}
	}
}
