// Package lifecycle creates and deletes worktrees against the backend and
// keeps the registry in step with confirmed backend mutations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"canopy/internal/gitx"
	"canopy/internal/keylock"
	"canopy/internal/registry"
	"canopy/internal/worktree"
)

type Backend interface {
	Create(ctx context.Context, branch, path string) (worktree.Worktree, error)
	Remove(ctx context.Context, path string, opts gitx.RemoveOptions) ([]string, error)
	Switch(ctx context.Context, path, branch string) error
}

// DevServers is the part of the dev-server supervisor deletion needs.
type DevServers interface {
	Running(path string) bool
	Stop(ctx context.Context, path string) error
}

type Options struct {
	Backend  Backend
	Registry *registry.Registry
	Servers  DevServers
	// BasePath is the project root used when Create is given no base path.
	BasePath string
	// Dir holds linked worktrees, relative to the base path unless absolute.
	Dir string
	Log logrus.FieldLogger
}

type Manager struct {
	backend  Backend
	reg      *registry.Registry
	servers  DevServers
	basePath string
	dir      string
	locks    *keylock.Map
	log      logrus.FieldLogger
}

type DeleteOptions struct {
	DeleteBranch bool
	Force        bool
}

type DeleteResult struct {
	Path     string
	Branch   string
	Warnings []string
}

func New(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	dir := opts.Dir
	if dir == "" {
		dir = worktree.DefaultDir
	}
	return &Manager{
		backend:  opts.Backend,
		reg:      opts.Registry,
		servers:  opts.Servers,
		basePath: opts.BasePath,
		dir:      dir,
		locks:    keylock.New(),
		log:      log.WithField("component", "lifecycle"),
	}
}

// PathFor returns where a worktree for branch would be created.
func (m *Manager) PathFor(branch, basePath string) string {
	if basePath == "" {
		basePath = m.basePath
	}
	return worktree.Clean(worktree.PathFor(basePath, m.dir, branch))
}

// Create adds a worktree for branch under basePath and records it in the
// registry once the backend confirms.
func (m *Manager) Create(ctx context.Context, branch, basePath string) (worktree.Worktree, error) {
	op := "create " + branch
	if strings.TrimSpace(branch) == "" {
		return worktree.Worktree{}, worktree.E(worktree.KindInvalid, "create", "branch name is required")
	}
	path := m.PathFor(branch, basePath)

	unlock := m.locks.Lock(path)
	defer unlock()
	release := m.reg.Hold()
	defer release()

	if existing, ok := m.reg.ByBranch(branch); ok {
		return worktree.Worktree{}, worktree.E(worktree.KindAlreadyExists, op, "worktree already exists at "+existing.Path)
	}
	if existing, ok := m.reg.Lookup(path); ok {
		return worktree.Worktree{}, worktree.E(worktree.KindPathExists, op,
			fmt.Sprintf("%s is already used by branch %q", path, existing.Branch))
	}

	wt, err := m.backend.Create(ctx, branch, path)
	if err != nil {
		m.log.WithFields(logrus.Fields{"branch": branch, "path": path}).WithError(err).Warn("create failed")
		return worktree.Worktree{}, err
	}
	if err := m.reg.Insert(wt); err != nil {
		return worktree.Worktree{}, worktree.Wrap(worktree.KindBackend, op, err)
	}
	m.log.WithFields(logrus.Fields{"branch": branch, "path": wt.Path}).Info("worktree created")
	return wt, nil
}

// Delete removes the worktree at path. A running dev server is stopped first
// on a best-effort basis; its failure never blocks removal.
func (m *Manager) Delete(ctx context.Context, path string, opts DeleteOptions) (DeleteResult, error) {
	path = worktree.Clean(path)
	op := "delete " + path

	unlock := m.locks.Lock(path)
	defer unlock()

	if main, ok := m.reg.Main(); ok && main.Path == path {
		return DeleteResult{}, worktree.E(worktree.KindCannotDeleteMain, op, "")
	}
	res := DeleteResult{Path: path}
	if wt, ok := m.reg.Lookup(path); ok {
		res.Branch = wt.Branch
	}
	fields := logrus.Fields{"path": path, "branch": res.Branch}

	// Stopped under the path lock only; the registry hold covers the backend call.
	if m.servers != nil && m.servers.Running(path) {
		if err := m.servers.Stop(ctx, path); err != nil && !errors.Is(err, worktree.ErrNotFound) {
			m.log.WithFields(fields).WithError(err).Warn("dev server stop failed; removing worktree anyway")
			res.Warnings = append(res.Warnings, fmt.Sprintf("dev server did not stop cleanly: %v", err))
		}
	}

	release := m.reg.Hold()
	defer release()
	warnings, err := m.backend.Remove(ctx, path, gitx.RemoveOptions{DeleteBranch: opts.DeleteBranch, Force: opts.Force})
	if err != nil {
		m.log.WithFields(fields).WithError(err).Warn("delete failed")
		return DeleteResult{}, err
	}
	res.Warnings = append(res.Warnings, warnings...)
	m.reg.Remove(path)
	for _, w := range warnings {
		m.log.WithFields(fields).Warn(w)
	}
	m.log.WithFields(fields).WithField("delete_branch", opts.DeleteBranch).Info("worktree deleted")
	return res, nil
}

// SwitchBranch checks out target in place in the worktree at path. It refuses
// when target is the active branch of another worktree.
func (m *Manager) SwitchBranch(ctx context.Context, path, target string) (string, error) {
	path = worktree.Clean(path)
	op := "switch " + path
	if strings.TrimSpace(target) == "" {
		return "", worktree.E(worktree.KindInvalid, op, "target branch is required")
	}

	unlock := m.locks.Lock(path)
	defer unlock()
	release := m.reg.Hold()
	defer release()

	wt, ok := m.reg.Lookup(path)
	if !ok {
		return "", worktree.E(worktree.KindNotFound, op, "no worktree at "+path)
	}
	if wt.Branch == target {
		return wt.Branch, nil
	}
	if other, ok := m.reg.ByBranch(target); ok && other.Path != path {
		return wt.Branch, worktree.E(worktree.KindBranchInUse, op,
			fmt.Sprintf("branch %q is active in worktree %s", target, other.Path))
	}
	if err := m.backend.Switch(ctx, path, target); err != nil {
		return wt.Branch, err
	}
	if err := m.reg.Update(path, func(w worktree.Worktree) worktree.Worktree {
		w.Branch = target
		return w
	}); err != nil {
		return wt.Branch, worktree.Wrap(worktree.KindBackend, op, err)
	}
	m.log.WithFields(logrus.Fields{"path": path, "from": wt.Branch, "to": target}).Info("branch switched")
	return wt.Branch, nil
}
