package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"canopy/internal/worktree"
)

var ErrNotGitRepo = errors.New("not inside a git repository")

type Options struct {
	Timeout time.Duration
	// BaseRef is the start point for new branches. Empty means HEAD of the main worktree.
	BaseRef string
	Log     logrus.FieldLogger
}

// Repo is the git-backed worktree backend for one repository. It keeps no
// state beyond the repository root.
type Repo struct {
	root    string
	baseRef string
	git     *runner
	log     logrus.FieldLogger
}

// Entry is one record of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Branch   string
	Head     string
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
}

type FileStatus struct {
	Path   string
	Status string
}

type Status struct {
	Files []FileStatus
}

func (s Status) HasChanges() bool { return len(s.Files) > 0 }

type RemoveOptions struct {
	DeleteBranch bool
	Force        bool
}

// Open resolves dir to the main worktree of the repository that contains it.
func Open(ctx context.Context, dir string, opts Options) (*Repo, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &runner{log: log.WithField("component", "git"), timeout: ClampTimeout(opts.Timeout)}
	if _, err := r.output(ctx, dir, "rev-parse", "--show-toplevel"); err != nil {
		if errorContains(err, "not a git repository") {
			return nil, worktree.Wrap(worktree.KindNotFound, "open "+dir, ErrNotGitRepo)
		}
		return nil, worktree.Wrap(worktree.KindBackend, "open "+dir, err)
	}
	out, err := r.output(ctx, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, worktree.Wrap(worktree.KindBackend, "open "+dir, err)
	}
	entries := parseWorktreeList(out)
	if len(entries) == 0 {
		return nil, worktree.E(worktree.KindBackend, "open "+dir, "git reported no worktrees")
	}
	root := worktree.Clean(entries[0].Path)
	return &Repo{
		root:    root,
		baseRef: strings.TrimSpace(opts.BaseRef),
		git:     r,
		log:     log.WithFields(logrus.Fields{"component": "git", "project": root}),
	}, nil
}

func (r *Repo) Root() string { return r.root }

func parseWorktreeList(out string) []Entry {
	var res []Entry
	var cur Entry

	flush := func() {
		if cur.Path != "" {
			res = append(res, cur)
		}
		cur = Entry{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch ")
		case line == "bare":
			cur.Bare = true
		case line == "detached":
			cur.Detached = true
		case line == "locked" || strings.HasPrefix(line, "locked "):
			cur.Locked = true
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			cur.Prunable = true
		}
	}
	flush()
	return res
}

// Entries returns the raw worktree records, main first.
func (r *Repo) Entries(ctx context.Context) ([]Entry, error) {
	out, err := r.git.output(ctx, r.root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, worktree.Wrap(worktree.KindBackend, "list", err)
	}
	return parseWorktreeList(out), nil
}

// List returns the live worktrees, main first. Registrations whose directory
// is gone are skipped; they are stale until pruned.
func (r *Repo) List(ctx context.Context) ([]worktree.Worktree, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]worktree.Worktree, 0, len(entries))
	for i, e := range entries {
		if e.Bare {
			continue
		}
		if i > 0 {
			if e.Prunable {
				continue
			}
			if st, err := os.Stat(e.Path); err != nil || !st.IsDir() {
				continue
			}
		}
		res = append(res, worktree.Worktree{
			Path:   worktree.Clean(e.Path),
			Branch: e.Branch,
			IsMain: i == 0,
		})
	}
	return res, nil
}

func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.git.output(ctx, r.root, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Branches lists local branch names.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	out, err := r.git.output(ctx, r.root, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, worktree.Wrap(worktree.KindBackend, "branches", err)
	}
	var res []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			res = append(res, line)
		}
	}
	return res, nil
}

func (r *Repo) checkedOutAt(ctx context.Context, branch string) (string, bool) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.Branch == branch && !e.Prunable {
			return worktree.Clean(e.Path), true
		}
	}
	return "", false
}

// Create adds a linked worktree at path for branch. An existing branch is
// checked out; a missing one is created from the base ref.
func (r *Repo) Create(ctx context.Context, branch, path string) (worktree.Worktree, error) {
	op := "create " + branch
	path = worktree.Clean(path)
	if at, ok := r.checkedOutAt(ctx, branch); ok {
		return worktree.Worktree{}, worktree.E(worktree.KindBranchConflict, op, fmt.Sprintf("branch %q is already checked out at %s", branch, at))
	}
	if _, err := os.Stat(path); err == nil {
		return worktree.Worktree{}, worktree.E(worktree.KindPathExists, op, "target path already exists: "+path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return worktree.Worktree{}, worktree.Wrap(worktree.KindBackend, op, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return worktree.Worktree{}, worktree.Wrap(worktree.KindBackend, op, err)
	}

	var args []string
	if r.BranchExists(ctx, branch) {
		args = []string{path, branch}
	} else {
		base := r.baseRef
		if base == "" {
			base = "HEAD"
		}
		args = []string{"-b", branch, path, base}
	}
	if err := r.worktreeAdd(ctx, args...); err != nil {
		return worktree.Worktree{}, classifyAddError(op, err)
	}
	r.log.WithFields(logrus.Fields{"branch": branch, "path": path}).Info("worktree added")
	return worktree.Worktree{Path: path, Branch: branch}, nil
}

func classifyAddError(op string, err error) error {
	switch {
	case errorContains(err, "already checked out", "is already used by worktree"):
		return worktree.Wrap(worktree.KindBranchConflict, op, err)
	case errorContains(err, "already exists"):
		return worktree.Wrap(worktree.KindPathExists, op, err)
	default:
		return worktree.Wrap(worktree.KindBackend, op, err)
	}
}

func (r *Repo) worktreeAdd(ctx context.Context, args ...string) error {
	allArgs := append([]string{"worktree", "add"}, args...)
	err := r.git.quiet(ctx, r.root, allArgs...)
	if err == nil || !shouldRetryWorktreeAdd(err) {
		return err
	}
	_ = r.git.quiet(ctx, r.root, "worktree", "prune")
	return r.git.quiet(ctx, r.root, allArgs...)
}

// Remove deletes the linked worktree at path and optionally its branch. A
// branch that could not be deleted is reported as a warning because the
// worktree itself is already gone at that point.
func (r *Repo) Remove(ctx context.Context, path string, opts RemoveOptions) ([]string, error) {
	path = worktree.Clean(path)
	op := "remove " + path
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var target *Entry
	for i := range entries {
		if worktree.Clean(entries[i].Path) == path {
			target = &entries[i]
			if i == 0 {
				return nil, worktree.E(worktree.KindCannotDeleteMain, op, "")
			}
			break
		}
	}
	if target == nil {
		return nil, worktree.E(worktree.KindNotFound, op, "no worktree registered at "+path)
	}

	var warnings []string
	_, statErr := os.Stat(path)
	switch {
	case target.Prunable || errors.Is(statErr, os.ErrNotExist):
		if err := r.git.quiet(ctx, r.root, "worktree", "prune"); err != nil {
			return nil, worktree.Wrap(worktree.KindBackend, op, err)
		}
		warnings = append(warnings, "worktree directory was already gone; pruned its registration")
	default:
		if !opts.Force {
			st, err := r.Status(ctx, path)
			if err != nil {
				return nil, err
			}
			if st.HasChanges() {
				return nil, worktree.E(worktree.KindInUse, op, fmt.Sprintf("worktree has %d uncommitted change(s) (force to override)", len(st.Files)))
			}
		}
		if err := r.worktreeRemove(ctx, path, opts.Force); err != nil {
			if !shouldRetryWorktreeRemove(err) {
				return nil, classifyRemoveError(op, err)
			}
			_ = r.git.quiet(ctx, r.root, "worktree", "prune")
			if retryErr := r.worktreeRemove(ctx, path, opts.Force); retryErr != nil {
				return nil, classifyRemoveError(op, retryErr)
			}
			warnings = append(warnings, "worktree removal required a retry after cleanup")
		}
	}

	if opts.DeleteBranch && target.Branch != "" {
		if at, ok := r.checkedOutAt(ctx, target.Branch); ok {
			warnings = append(warnings, fmt.Sprintf("branch still checked out at %s, not deleting: %s", at, target.Branch))
		} else if err := r.git.quiet(ctx, r.root, "branch", "-D", target.Branch); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to delete branch %s: %v", target.Branch, err))
		}
	}
	r.log.WithFields(logrus.Fields{"path": path, "branch": target.Branch, "delete_branch": opts.DeleteBranch}).Info("worktree removed")
	return warnings, nil
}

func classifyRemoveError(op string, err error) error {
	if errorContains(err, "contains modified or untracked files", "is dirty") {
		return worktree.Wrap(worktree.KindInUse, op, err)
	}
	if errorContains(err, "is not a working tree") {
		return worktree.Wrap(worktree.KindNotFound, op, err)
	}
	return worktree.Wrap(worktree.KindBackend, op, err)
}

func (r *Repo) worktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.git.quiet(ctx, r.root, args...)
}

// Prune drops administrative records of worktrees whose directories are gone.
func (r *Repo) Prune(ctx context.Context) error {
	if err := r.git.quiet(ctx, r.root, "worktree", "prune"); err != nil {
		return worktree.Wrap(worktree.KindBackend, "prune", err)
	}
	return nil
}

// CurrentBranch returns the branch checked out at path, or "" when HEAD is detached.
func (r *Repo) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := r.git.outputAllowExitCodes(ctx, path, []int{1}, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		return "", worktree.Wrap(worktree.KindBackend, "current branch "+path, err)
	}
	return strings.TrimSpace(out), nil
}

// Status parses `git status --porcelain` for the worktree at path.
func (r *Repo) Status(ctx context.Context, path string) (Status, error) {
	out, err := r.git.output(ctx, path, "--no-pager", "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return Status{}, worktree.Wrap(worktree.KindBackend, "status "+path, err)
	}
	return Status{Files: parsePorcelainStatus(out)}, nil
}

func parsePorcelainStatus(out string) []FileStatus {
	lines := strings.Split(out, "\n")
	files := make([]FileStatus, 0, len(lines))
	seen := map[string]struct{}{}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		file := strings.TrimSpace(line[3:])
		if idx := strings.LastIndex(file, " -> "); idx >= 0 {
			file = strings.TrimSpace(file[idx+4:])
		}
		if file == "" {
			continue
		}
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		files = append(files, FileStatus{Path: file, Status: status})
	}
	return files
}

// AheadBehind counts commits of the worktree's HEAD against its upstream, or
// against the main worktree's branch when there is no upstream.
func (r *Repo) AheadBehind(ctx context.Context, path string) (int, int, error) {
	op := "ahead/behind " + path
	against := ""
	if up, err := r.git.output(ctx, path, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"); err == nil && strings.TrimSpace(up) != "" {
		against = strings.TrimSpace(up)
	} else {
		mainBranch, err := r.CurrentBranch(ctx, r.root)
		if err != nil {
			return 0, 0, err
		}
		if mainBranch == "" || worktree.Clean(path) == r.root {
			return 0, 0, nil
		}
		against = mainBranch
	}
	out, err := r.git.output(ctx, path, "rev-list", "--left-right", "--count", "HEAD..."+against)
	if err != nil {
		return 0, 0, worktree.Wrap(worktree.KindBackend, op, err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, worktree.E(worktree.KindBackend, op, fmt.Sprintf("unexpected rev-list output %q", out))
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, worktree.Wrap(worktree.KindBackend, op, err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, worktree.Wrap(worktree.KindBackend, op, err)
	}
	return ahead, behind, nil
}

// Switch checks out branch in place in the worktree at path.
func (r *Repo) Switch(ctx context.Context, path, branch string) error {
	op := "switch " + path
	if !r.BranchExists(ctx, branch) {
		return worktree.E(worktree.KindNotFound, op, "branch not found: "+branch)
	}
	if err := r.git.quiet(ctx, path, "switch", branch); err != nil {
		if errorContains(err, "already checked out", "is already used by worktree") {
			return worktree.Wrap(worktree.KindBranchInUse, op, err)
		}
		return worktree.Wrap(worktree.KindBackend, op, err)
	}
	return nil
}

// Version reports the git version string.
func (r *Repo) Version(ctx context.Context) (string, error) {
	return r.git.output(ctx, r.root, "version")
}
