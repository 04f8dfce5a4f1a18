package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 45 * time.Second
	minTimeout     = 5 * time.Second
	maxTimeout     = 600 * time.Second
	maxErrOutput   = 600
)

// runner executes git with per-command timeouts and debug logging.
type runner struct {
	log     logrus.FieldLogger
	timeout time.Duration
}

// ClampTimeout bounds a configured git timeout. Zero selects the default.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

func (r *runner) bytes(ctx context.Context, dir string, allowedExitCodes []int, args ...string) ([]byte, error) {
	start := time.Now()
	fields := logrus.Fields{"dir": dir, "args": strings.Join(args, " ")}
	r.log.WithFields(fields).Debug("git start")

	cancel := func() {}
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	fields["dur"] = elapsed
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			for _, code := range allowedExitCodes {
				if exitErr.ExitCode() == code {
					fields["exit"] = code
					r.log.WithFields(fields).Debug("git ok (allowed exit)")
					return out, nil
				}
			}
		}
		trimmed := strings.TrimSpace(string(out))
		if len(trimmed) > maxErrOutput {
			trimmed = trimmed[:maxErrOutput] + "...(truncated)"
		}
		r.log.WithFields(fields).WithError(err).WithField("out", trimmed).Debug("git fail")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if trimmed != "" {
				return nil, fmt.Errorf("git %s timed out after %s: %s", strings.Join(args, " "), r.timeout, trimmed)
			}
			return nil, fmt.Errorf("git %s timed out after %s", strings.Join(args, " "), r.timeout)
		}
		if trimmed != "" {
			return nil, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, trimmed)
		}
		return nil, fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	fields["out_bytes"] = len(out)
	r.log.WithFields(fields).Debug("git ok")
	return out, nil
}

func (r *runner) output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.bytes(ctx, dir, nil, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (r *runner) outputAllowExitCodes(ctx context.Context, dir string, allowed []int, args ...string) (string, error) {
	out, err := r.bytes(ctx, dir, allowed, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (r *runner) quiet(ctx context.Context, dir string, args ...string) error {
	_, err := r.bytes(ctx, dir, nil, args...)
	return err
}

func errorContains(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

func shouldRetryWorktreeAdd(err error) bool {
	return errorContains(err, "timed out", "already registered", "unable to create", "cannot lock")
}

func shouldRetryWorktreeRemove(err error) bool {
	return errorContains(err, "timed out", "is locked", "cannot remove", "cannot lock")
}
