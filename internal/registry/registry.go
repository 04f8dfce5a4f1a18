// Package registry holds the last-known-good set of worktrees for a project.
//
// Snapshots are immutable and published through an atomic pointer, so readers
// never block and never see a partially applied change. Every publish bumps
// the version; versions only grow.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"canopy/internal/worktree"
)

type Snapshot struct {
	Version   uint64
	Worktrees []worktree.Worktree
}

// Main returns the main worktree of the snapshot.
func (s Snapshot) Main() (worktree.Worktree, bool) {
	for _, wt := range s.Worktrees {
		if wt.IsMain {
			return wt, true
		}
	}
	return worktree.Worktree{}, false
}

func (s Snapshot) Lookup(path string) (worktree.Worktree, bool) {
	for _, wt := range s.Worktrees {
		if wt.Path == path {
			return wt, true
		}
	}
	return worktree.Worktree{}, false
}

func (s Snapshot) ByBranch(branch string) (worktree.Worktree, bool) {
	if branch == "" {
		return worktree.Worktree{}, false
	}
	for _, wt := range s.Worktrees {
		if wt.Branch == branch {
			return wt, true
		}
	}
	return worktree.Worktree{}, false
}

type Registry struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
	// active counts unreleased holds; holdGen counts every hold ever taken.
	active  int
	holdGen uint64
}

// Mark is the registry state a reconciliation pass starts from.
type Mark struct {
	version uint64
	holds   uint64
}

func New() *Registry {
	r := &Registry{}
	r.cur.Store(&Snapshot{})
	return r
}

// Snapshot returns a copy of the current snapshot.
func (r *Registry) Snapshot() Snapshot {
	s := r.cur.Load()
	out := make([]worktree.Worktree, len(s.Worktrees))
	copy(out, s.Worktrees)
	return Snapshot{Version: s.Version, Worktrees: out}
}

func (r *Registry) Version() uint64 { return r.cur.Load().Version }

func (r *Registry) Lookup(path string) (worktree.Worktree, bool) { return r.cur.Load().Lookup(path) }

func (r *Registry) ByBranch(branch string) (worktree.Worktree, bool) {
	return r.cur.Load().ByBranch(branch)
}

func (r *Registry) Main() (worktree.Worktree, bool) { return r.cur.Load().Main() }

// Mark records the current version and hold count for a later CommitIf.
func (r *Registry) Mark() Mark {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Mark{version: r.cur.Load().Version, holds: r.holdGen}
}

// Hold is taken by callers that mutate the backend and then the registry.
// It never waits on reconciliation: a pass that overlaps any hold is
// discarded by CommitIf instead.
func (r *Registry) Hold() (release func()) {
	r.mu.Lock()
	r.active++
	r.holdGen++
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.active--
			r.mu.Unlock()
		})
	}
}

// Replace publishes list as the new snapshot.
func (r *Registry) Replace(list []worktree.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(list)
}

// Insert adds wt, or replaces the entry with the same path.
func (r *Registry) Insert(wt worktree.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load().Worktrees
	next := make([]worktree.Worktree, 0, len(cur)+1)
	replaced := false
	for _, existing := range cur {
		if existing.Path == wt.Path {
			next = append(next, wt)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, wt)
	}
	return r.publishLocked(next)
}

// Remove drops the entry at path. It reports whether an entry was removed.
func (r *Registry) Remove(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load().Worktrees
	next := make([]worktree.Worktree, 0, len(cur))
	for _, existing := range cur {
		if existing.Path != path {
			next = append(next, existing)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	return r.publishLocked(next) == nil
}

// Update replaces the entry at path with fn applied to a copy of it.
func (r *Registry) Update(path string, fn func(worktree.Worktree) worktree.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load().Worktrees
	next := make([]worktree.Worktree, len(cur))
	copy(next, cur)
	for i := range next {
		if next[i].Path == path {
			next[i] = fn(next[i])
			next[i].Path = path
			return r.publishLocked(next)
		}
	}
	return worktree.E(worktree.KindNotFound, "registry update", "no worktree at "+path)
}

// CommitIf publishes list only if nothing changed since mark was taken: the
// version is the same, no hold is active and none was taken in between.
// before runs with the snapshot being replaced once the commit is certain. It
// runs with writers locked out, so it may read the registry but must not
// write to it or call Hold.
func (r *Registry) CommitIf(mark Mark, list []worktree.Worktree, before func(prev Snapshot)) (bool, error) {
	if err := Validate(list); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active > 0 || r.holdGen != mark.holds || r.cur.Load().Version != mark.version {
		return false, nil
	}
	if before != nil {
		before(r.Snapshot())
	}
	return true, r.publishLocked(list)
}

func (r *Registry) publishLocked(list []worktree.Worktree) error {
	if err := Validate(list); err != nil {
		return err
	}
	ordered := make([]worktree.Worktree, 0, len(list))
	for _, wt := range list {
		if wt.IsMain {
			ordered = append(ordered, wt)
		}
	}
	for _, wt := range list {
		if !wt.IsMain {
			ordered = append(ordered, wt)
		}
	}
	prev := r.cur.Load()
	r.cur.Store(&Snapshot{Version: prev.Version + 1, Worktrees: ordered})
	return nil
}

// Validate checks that list has exactly one main worktree and no duplicate
// paths or branches. Detached worktrees have no branch and are exempt from
// the branch check.
func Validate(list []worktree.Worktree) error {
	if len(list) == 0 {
		return nil
	}
	mains := 0
	paths := make(map[string]struct{}, len(list))
	branches := make(map[string]string, len(list))
	for _, wt := range list {
		if wt.IsMain {
			mains++
		}
		if wt.Path == "" {
			return fmt.Errorf("registry: worktree with empty path")
		}
		if _, dup := paths[wt.Path]; dup {
			return fmt.Errorf("registry: duplicate path %s", wt.Path)
		}
		paths[wt.Path] = struct{}{}
		if wt.Branch == "" {
			continue
		}
		if other, dup := branches[wt.Branch]; dup {
			return fmt.Errorf("registry: branch %s bound to both %s and %s", wt.Branch, other, wt.Path)
		}
		branches[wt.Branch] = wt.Path
	}
	if mains != 1 {
		return fmt.Errorf("registry: expected exactly one main worktree, got %d", mains)
	}
	return nil
}
