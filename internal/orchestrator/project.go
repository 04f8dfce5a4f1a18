package orchestrator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"canopy/internal/config"
	"canopy/internal/devserver"
	"canopy/internal/gitx"
	"canopy/internal/lifecycle"
	"canopy/internal/reconcile"
	"canopy/internal/registry"
	"canopy/internal/worktree"
)

// Project is everything canopy keeps for one repository root.
type Project struct {
	Root   string
	Config config.Config

	repo    *gitx.Repo
	reg     *registry.Registry
	life    *lifecycle.Manager
	loop    *reconcile.Loop
	servers *devserver.Supervisor
	log     logrus.FieldLogger

	mu       sync.Mutex
	selected string

	cancel context.CancelFunc
	done   chan struct{}
}

// serverStopper narrows the supervisor to what deletion needs.
type serverStopper struct {
	*devserver.Supervisor
}

func (s serverStopper) Stop(ctx context.Context, path string) error {
	_, err := s.Supervisor.Stop(ctx, path)
	return err
}

func (o *Orchestrator) newProject(repo *gitx.Repo, cfg config.Config) *Project {
	root := repo.Root()
	log := o.log.WithField("project", root)
	p := &Project{
		Root:   root,
		Config: cfg,
		repo:   repo,
		reg:    registry.New(),
		log:    log,
	}
	p.servers = devserver.New(devserver.Options{
		GracePeriod:  cfg.DevServer.GracePeriod.Duration,
		ReadyTimeout: cfg.DevServer.ReadyTimeout.Duration,
		LogLines:     cfg.DevServer.LogLines,
		Log:          log,
		OnChange:     func(info devserver.Info) { o.publishDevServer(root, info) },
	})
	p.life = lifecycle.New(lifecycle.Options{
		Backend:  repo,
		Registry: p.reg,
		Servers:  serverStopper{p.servers},
		BasePath: root,
		Dir:      cfg.WorktreeDir,
		Log:      log,
	})
	p.loop = reconcile.New(reconcile.Options{
		Lister:    repo,
		Status:    repo,
		Registry:  p.reg,
		Interval:  cfg.Reconcile.Interval.Duration,
		OnRemoved: func(removed []worktree.Worktree) { o.handleRemoved(p, removed) },
		Log:       log,
	})
	return p
}

// start begins background reconciliation.
func (p *Project) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		_ = p.loop.Run(ctx)
	}()
}

func (p *Project) close(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.servers.Close(ctx)
}

// Selected returns the selected worktree, falling back to main.
func (p *Project) Selected() (worktree.Worktree, bool) {
	p.mu.Lock()
	path := p.selected
	p.mu.Unlock()
	if path != "" {
		if wt, ok := p.reg.Lookup(path); ok {
			return wt, true
		}
	}
	return p.reg.Main()
}

func (p *Project) selectPath(path string) {
	p.mu.Lock()
	p.selected = path
	p.mu.Unlock()
}

// clearSelection drops the selection when it points at path.
func (p *Project) clearSelection(path string) {
	p.mu.Lock()
	if p.selected == path {
		p.selected = ""
	}
	p.mu.Unlock()
}

// Snapshot returns the current worktree registry snapshot.
func (p *Project) Snapshot() registry.Snapshot { return p.reg.Snapshot() }

func (p *Project) Repo() *gitx.Repo { return p.repo }

func (p *Project) Servers() *devserver.Supervisor { return p.servers }
