// Package reconcile periodically re-derives the registry from the backend and
// reports worktrees that disappeared outside of canopy.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"canopy/internal/gitx"
	"canopy/internal/registry"
	"canopy/internal/worktree"
)

const (
	DefaultInterval = 5 * time.Second
	statusFanOut    = 4
)

type Lister interface {
	List(ctx context.Context) ([]worktree.Worktree, error)
}

type StatusReader interface {
	Status(ctx context.Context, path string) (gitx.Status, error)
}

type Options struct {
	Lister   Lister
	Status   StatusReader
	Registry *registry.Registry
	Interval time.Duration
	// OnRemoved receives worktrees that vanished since the previous snapshot.
	// It runs before the registry is replaced and must not write to it.
	OnRemoved func(removed []worktree.Worktree)
	Log       logrus.FieldLogger
}

type Result struct {
	Skipped   bool
	Committed bool
	Added     []worktree.Worktree
	Removed   []worktree.Worktree
}

type Loop struct {
	lister    Lister
	status    StatusReader
	reg       *registry.Registry
	interval  time.Duration
	onRemoved func([]worktree.Worktree)
	log       logrus.FieldLogger

	inFlight atomic.Bool
	ticks    sync.WaitGroup
}

func New(opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		lister:    opts.Lister,
		status:    opts.Status,
		reg:       opts.Registry,
		interval:  interval,
		onRemoved: opts.OnRemoved,
		log:       log.WithField("component", "reconcile"),
	}
}

func (l *Loop) Interval() time.Duration { return l.interval }

// Run ticks until ctx is done. A tick that comes due while the previous one
// is still running is skipped.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.ticks.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.ticks.Add(1)
			go func() {
				defer l.ticks.Done()
				if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
					l.log.WithError(err).Warn("reconcile tick failed")
				}
			}()
		}
	}
}

// Tick performs one reconciliation pass.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.log.Debug("reconcile tick skipped; previous tick still running")
		return Result{Skipped: true}, nil
	}
	defer l.inFlight.Store(false)

	start := time.Now()
	mark := l.reg.Mark()
	list, err := l.lister.List(ctx)
	if err != nil {
		return Result{}, err
	}
	l.refreshStatus(ctx, list)

	var res Result
	committed, err := l.reg.CommitIf(mark, list, func(prev registry.Snapshot) {
		res.Added, res.Removed = diff(prev.Worktrees, list)
		if len(res.Removed) > 0 && l.onRemoved != nil {
			l.onRemoved(res.Removed)
		}
	})
	if err != nil {
		return Result{}, err
	}
	res.Committed = committed
	if !committed {
		l.log.Debug("registry changed during reconcile; discarding pass")
		return res, nil
	}
	for _, wt := range res.Removed {
		l.log.WithFields(logrus.Fields{"path": wt.Path, "branch": wt.Branch}).Info("worktree removed externally")
	}
	l.log.WithFields(logrus.Fields{
		"dur":     time.Since(start),
		"total":   len(list),
		"added":   len(res.Added),
		"removed": len(res.Removed),
	}).Debug("reconcile ok")
	return res, nil
}

func (l *Loop) refreshStatus(ctx context.Context, list []worktree.Worktree) {
	if l.status == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(statusFanOut)
	for i := range list {
		i := i
		g.Go(func() error {
			st, err := l.status.Status(ctx, list[i].Path)
			if err != nil {
				l.log.WithField("path", list[i].Path).WithError(err).Debug("status refresh failed")
				return nil
			}
			list[i].HasChanges = st.HasChanges()
			list[i].ChangedFilesCount = len(st.Files)
			return nil
		})
	}
	_ = g.Wait()
}

func diff(before, after []worktree.Worktree) (added, removed []worktree.Worktree) {
	afterSet := make(map[string]struct{}, len(after))
	for _, wt := range after {
		afterSet[wt.Path] = struct{}{}
	}
	beforeSet := make(map[string]struct{}, len(before))
	for _, wt := range before {
		beforeSet[wt.Path] = struct{}{}
		if _, ok := afterSet[wt.Path]; !ok {
			removed = append(removed, wt)
		}
	}
	for _, wt := range after {
		if _, ok := beforeSet[wt.Path]; !ok {
			added = append(added, wt)
		}
	}
	return added, removed
}
