package automode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// NopLauncher records state only; the loop runs until stopped.
type NopLauncher struct{}

func (NopLauncher) Launch(context.Context, Key, string) (Handle, error) {
	return &nopHandle{done: make(chan struct{})}, nil
}

type nopHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *nopHandle) Stop() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *nopHandle) Done() <-chan struct{} { return h.done }

// CommandLauncher runs Command through the shell as the external loop.
type CommandLauncher struct {
	Command string
	Shell   string
	// Dir resolves the working directory for a key.
	Dir func(Key) string
	Log logrus.FieldLogger
}

func (l CommandLauncher) Launch(_ context.Context, key Key, runID string) (Handle, error) {
	command := strings.TrimSpace(l.Command)
	if command == "" {
		return nil, errors.New("auto_mode.command is not configured")
	}
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", command)
	if l.Dir != nil {
		cmd.Dir = l.Dir(key)
	}
	cmd.Env = append(os.Environ(),
		"CANOPY_PROJECT_PATH="+key.Project,
		"CANOPY_BRANCH="+key.Branch,
		"CANOPY_RUN_ID="+runID,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &procHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if l.Log != nil {
			l.Log.WithFields(logrus.Fields{"key": key.String(), "run": runID}).WithError(err).Debug("auto-mode process exited")
		}
		close(h.done)
	}()
	return h, nil
}

type procHandle struct {
	pid  int
	done chan struct{}
}

func (h *procHandle) Stop() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := syscall.Kill(-h.pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (h *procHandle) Done() <-chan struct{} { return h.done }
