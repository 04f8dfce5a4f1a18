// Package orchestrator composes the worktree backend, registry, lifecycle,
// reconciliation, dev servers, auto-mode and init scripts into the
// operations the transports expose.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"canopy/internal/automode"
	"canopy/internal/config"
	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/gitx"
	"canopy/internal/initscript"
	"canopy/internal/keylock"
	"canopy/internal/lifecycle"
	"canopy/internal/reconcile"
	"canopy/internal/worktree"
)

const detailFanOut = 4

type Options struct {
	// Config, when set, is used for every project instead of loading the
	// layered configuration from each repository root.
	Config *config.Config
	Log    logrus.FieldLogger
	Bus    *events.Bus
	// Launcher replaces the command launcher used for auto-mode runs.
	Launcher automode.Launcher
	// Reconcile starts a background reconciliation loop for every project.
	Reconcile bool
}

type Orchestrator struct {
	opts  Options
	log   logrus.FieldLogger
	bus   *events.Bus
	auto  *automode.Controller
	inits *initscript.Runner
	locks *keylock.Map

	mu       sync.RWMutex
	projects map[string]*Project
	// aliases maps every directory a project was opened from to its root.
	aliases map[string]string
	closed  bool
}

func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	o := &Orchestrator{
		opts:     opts,
		log:      log,
		bus:      bus,
		locks:    keylock.New(),
		projects: map[string]*Project{},
		aliases:  map[string]string{},
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = projectLauncher{o: o}
	}
	o.auto = automode.New(automode.Options{
		Launcher: launcher,
		Log:      log,
		OnChange: o.publishAutoMode,
	})
	o.inits = initscript.NewRunner(bus, log)
	return o
}

func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Project returns the project containing dir, opening it on first use.
func (o *Orchestrator) Project(ctx context.Context, dir string) (*Project, error) {
	dir = worktree.Clean(dir)
	if p := o.cached(dir); p != nil {
		return p, nil
	}
	op := "open project " + dir
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, worktree.E(worktree.KindNotFound, op, "directory not found")
	}

	cfg, err := o.configFor(dir)
	if err != nil {
		return nil, worktree.Wrap(worktree.KindInvalid, op, err)
	}
	repo, err := gitx.Open(ctx, dir, gitx.Options{
		Timeout: cfg.GitTimeout.Duration,
		BaseRef: cfg.BaseRef,
		Log:     o.log,
	})
	if err != nil {
		return nil, err
	}
	root := repo.Root()

	unlock := o.locks.Lock(root)
	defer unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, worktree.E(worktree.KindInvalid, op, "orchestrator is closed")
	}
	if p, ok := o.projects[root]; ok {
		o.aliases[dir] = root
		o.mu.Unlock()
		return p, nil
	}
	o.mu.Unlock()

	if dir != root {
		// Repository config lives at the main worktree.
		if cfg, err = o.configFor(root); err != nil {
			return nil, worktree.Wrap(worktree.KindInvalid, op, err)
		}
	}
	p := o.newProject(repo, cfg)
	if _, err := p.loop.Tick(ctx); err != nil {
		p.servers.Close(ctx)
		return nil, err
	}
	if o.opts.Reconcile {
		p.start()
	}

	o.mu.Lock()
	o.projects[root] = p
	o.aliases[dir] = root
	o.aliases[root] = root
	o.mu.Unlock()
	o.log.WithFields(logrus.Fields{"project": root, "worktrees": len(p.reg.Snapshot().Worktrees)}).Info("project opened")
	return p, nil
}

func (o *Orchestrator) cached(dir string) *Project {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if root, ok := o.aliases[dir]; ok {
		return o.projects[root]
	}
	return nil
}

func (o *Orchestrator) configFor(dir string) (config.Config, error) {
	if o.opts.Config != nil {
		return *o.opts.Config, nil
	}
	return config.Load(dir)
}

// Projects lists the open projects.
func (o *Orchestrator) Projects() []*Project {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		out = append(out, p)
	}
	return out
}

// projectForWorktree finds the open project that has path registered,
// opening the project containing path when none does.
func (o *Orchestrator) projectForWorktree(ctx context.Context, path string) (*Project, worktree.Worktree, error) {
	path = worktree.Clean(path)
	for _, p := range o.Projects() {
		if wt, ok := p.reg.Lookup(path); ok {
			return p, wt, nil
		}
	}
	p, err := o.Project(ctx, path)
	if err != nil {
		return nil, worktree.Worktree{}, err
	}
	if wt, ok := p.reg.Lookup(path); ok {
		return p, wt, nil
	}
	return nil, worktree.Worktree{}, worktree.E(worktree.KindNotFound, "resolve "+path, "no worktree at "+path)
}

func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return CreateResponse{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return CreateResponse{}, err
	}
	wt, err := p.life.Create(ctx, req.BranchName, "")
	if err != nil {
		return CreateResponse{}, err
	}
	o.bus.Publish(events.Event{Type: events.WorktreeCreated, Project: p.Root, Path: wt.Path, Branch: wt.Branch})
	return CreateResponse{WorktreePath: wt.Path, Branch: wt.Branch}, nil
}

func (o *Orchestrator) Delete(ctx context.Context, req DeleteRequest) (DeleteResponse, error) {
	if err := req.Validate(); err != nil {
		return DeleteResponse{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return DeleteResponse{}, err
	}
	res, err := p.life.Delete(ctx, req.WorktreePath, lifecycle.DeleteOptions{
		DeleteBranch: req.DeleteBranch,
		Force:        req.Force,
	})
	if err != nil {
		return DeleteResponse{}, err
	}
	p.clearSelection(res.Path)
	o.bus.Publish(events.Event{Type: events.WorktreeDeleted, Project: p.Root, Path: res.Path, Branch: res.Branch})
	return DeleteResponse{WorktreePath: res.Path, Branch: res.Branch, Warnings: res.Warnings}, nil
}

func (o *Orchestrator) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	if err := req.Validate(); err != nil {
		return ListResponse{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return ListResponse{}, err
	}
	snap := p.reg.Snapshot()
	selected, _ := p.Selected()
	infos := make([]WorktreeInfo, len(snap.Worktrees))
	for i, wt := range snap.Worktrees {
		infos[i] = o.describe(p, wt, selected.Path)
	}
	if req.IncludeDetails {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(detailFanOut)
		for i := range infos {
			g.Go(func() error {
				o.fillDetails(gctx, p, &infos[i])
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return ListResponse{}, err
		}
	}
	return ListResponse{ProjectPath: p.Root, Worktrees: infos}, nil
}

func (o *Orchestrator) describe(p *Project, wt worktree.Worktree, selectedPath string) WorktreeInfo {
	info := WorktreeInfo{
		Path:     wt.Path,
		Branch:   wt.Branch,
		IsMain:   wt.IsMain,
		Selected: wt.Path == selectedPath,
	}
	if ds, ok := p.servers.Status(wt.Path); ok {
		status := ds.Status
		info.DevServer = &status
	}
	key := automode.Key{Project: p.Root}
	if !wt.IsMain {
		key.Branch = wt.Branch
	}
	info.AutoModeRunning = o.auto.Status(key).Running
	return info
}

// fillDetails adds status and ahead/behind counts. Failures leave the
// fields unset.
func (o *Orchestrator) fillDetails(ctx context.Context, p *Project, info *WorktreeInfo) {
	fields := logrus.Fields{"path": info.Path, "branch": info.Branch}
	if st, err := p.repo.Status(ctx, info.Path); err != nil {
		p.log.WithFields(fields).WithError(err).Debug("status unavailable")
	} else {
		changed := st.HasChanges()
		count := len(st.Files)
		info.HasChanges = &changed
		info.ChangedFilesCount = &count
	}
	if info.Branch == "" {
		return
	}
	ahead, behind, err := p.repo.AheadBehind(ctx, info.Path)
	if err != nil {
		p.log.WithFields(fields).WithError(err).Debug("ahead/behind unavailable")
		return
	}
	info.AheadCount = &ahead
	info.BehindCount = &behind
}

// Select marks the worktree at req.WorktreePath as selected. An unknown path
// selects the main worktree. It never calls the backend.
func (o *Orchestrator) Select(ctx context.Context, req SelectRequest) (WorktreeInfo, error) {
	if err := req.Validate(); err != nil {
		return WorktreeInfo{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return WorktreeInfo{}, err
	}
	wt, ok := worktree.Worktree{}, false
	if req.WorktreePath != "" {
		wt, ok = p.reg.Lookup(worktree.Clean(req.WorktreePath))
	}
	if !ok {
		if wt, ok = p.reg.Main(); !ok {
			return WorktreeInfo{}, worktree.E(worktree.KindNotFound, "select", "project has no main worktree")
		}
	}
	p.selectPath(wt.Path)
	return o.describe(p, wt, wt.Path), nil
}

// Selected returns the selected worktree of the project.
func (o *Orchestrator) Selected(ctx context.Context, projectPath string) (WorktreeInfo, error) {
	p, err := o.Project(ctx, projectPath)
	if err != nil {
		return WorktreeInfo{}, err
	}
	wt, ok := p.Selected()
	if !ok {
		return WorktreeInfo{}, worktree.E(worktree.KindNotFound, "selected", "project has no main worktree")
	}
	return o.describe(p, wt, wt.Path), nil
}

func (o *Orchestrator) SwitchBranch(ctx context.Context, req SwitchBranchRequest) (SwitchBranchResponse, error) {
	if err := req.Validate(); err != nil {
		return SwitchBranchResponse{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return SwitchBranchResponse{}, err
	}
	path := worktree.Clean(req.WorktreePath)
	prev, err := p.life.SwitchBranch(ctx, path, req.TargetBranch)
	if err != nil {
		return SwitchBranchResponse{}, err
	}
	if prev != req.TargetBranch {
		o.bus.Publish(events.Event{
			Type:    events.WorktreeBranchSwitched,
			Project: p.Root,
			Path:    path,
			Branch:  req.TargetBranch,
			Message: prev,
		})
	}
	return SwitchBranchResponse{PreviousBranch: prev, CurrentBranch: req.TargetBranch}, nil
}

func (o *Orchestrator) DevServerStart(ctx context.Context, req DevServerRequest) (devserver.Info, error) {
	if err := req.Validate(); err != nil {
		return devserver.Info{}, err
	}
	p, wt, err := o.projectForWorktree(ctx, req.WorktreePath)
	if err != nil {
		return devserver.Info{}, err
	}
	op := "dev server start " + wt.Path
	cfg, err := p.Config.ForWorktree(wt.Path)
	if err != nil {
		return devserver.Info{}, worktree.Wrap(worktree.KindInvalid, op, err)
	}
	if cfg.Command == "" {
		return devserver.Info{}, worktree.E(worktree.KindInvalid, op, "dev_server.command is not configured")
	}
	env := []string{
		"CANOPY_PROJECT_PATH=" + p.Root,
		"CANOPY_WORKTREE_PATH=" + wt.Path,
		"CANOPY_BRANCH=" + wt.Branch,
	}
	if cfg.Port > 0 {
		env = append(env, "PORT="+strconv.Itoa(cfg.Port))
	}
	return p.servers.Start(ctx, devserver.Spec{
		Path:     wt.Path,
		Branch:   wt.Branch,
		Command:  cfg.Command,
		ReadyURL: cfg.ReadyURL,
		Env:      env,
	})
}

func (o *Orchestrator) DevServerStop(ctx context.Context, req DevServerRequest) (devserver.Info, error) {
	if err := req.Validate(); err != nil {
		return devserver.Info{}, err
	}
	p, err := o.serversFor(ctx, req.WorktreePath)
	if err != nil {
		return devserver.Info{}, err
	}
	return p.servers.Stop(ctx, req.WorktreePath)
}

func (o *Orchestrator) DevServerStatus(ctx context.Context, req DevServerRequest) (DevServerStatusResponse, error) {
	if err := req.Validate(); err != nil {
		return DevServerStatusResponse{}, err
	}
	p, err := o.serversFor(ctx, req.WorktreePath)
	if err != nil {
		return DevServerStatusResponse{}, err
	}
	info, ok := p.servers.Status(req.WorktreePath)
	if !ok {
		return DevServerStatusResponse{}, nil
	}
	return DevServerStatusResponse{Instance: &info}, nil
}

func (o *Orchestrator) DevServerLogs(ctx context.Context, req DevServerLogsRequest) (DevServerLogsResponse, error) {
	if err := req.Validate(); err != nil {
		return DevServerLogsResponse{}, err
	}
	p, err := o.serversFor(ctx, req.WorktreePath)
	if err != nil {
		return DevServerLogsResponse{}, err
	}
	lines, err := p.servers.Logs(req.WorktreePath, req.Limit)
	if err != nil {
		return DevServerLogsResponse{}, err
	}
	return DevServerLogsResponse{Lines: lines}, nil
}

// serversFor finds the project whose supervisor knows path. Instances stay
// reachable after their worktree has left the registry.
func (o *Orchestrator) serversFor(ctx context.Context, path string) (*Project, error) {
	for _, p := range o.Projects() {
		if _, ok := p.servers.Status(path); ok {
			return p, nil
		}
	}
	p, _, err := o.projectForWorktree(ctx, path)
	return p, err
}

func (o *Orchestrator) autoKey(ctx context.Context, req AutoModeRequest) (*Project, automode.Key, error) {
	if err := req.Validate(); err != nil {
		return nil, automode.Key{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return nil, automode.Key{}, err
	}
	key := automode.Key{Project: p.Root}
	if req.Branch != nil {
		key.Branch = *req.Branch
	}
	return p, key, nil
}

func (o *Orchestrator) AutoModeStart(ctx context.Context, req AutoModeRequest) (automode.Info, error) {
	p, key, err := o.autoKey(ctx, req)
	if err != nil {
		return automode.Info{}, err
	}
	// A run outlives its worktree until stopped, so a running key is not
	// checked against the registry.
	if key.Branch != "" && !o.auto.Status(key).Running {
		if _, ok := p.reg.ByBranch(key.Branch); !ok {
			return automode.Info{}, worktree.E(worktree.KindNotFound, "auto mode start "+key.String(), "no worktree for branch "+key.Branch)
		}
	}
	info, err := o.auto.Start(ctx, key)
	if err != nil {
		return info, worktree.Wrap(worktree.KindProcess, "auto mode start "+key.String(), err)
	}
	return info, nil
}

// AutoModeStop succeeds for keys whose worktree no longer exists.
func (o *Orchestrator) AutoModeStop(ctx context.Context, req AutoModeRequest) (automode.Info, error) {
	_, key, err := o.autoKey(ctx, req)
	if err != nil {
		return automode.Info{}, err
	}
	return o.auto.Stop(ctx, key)
}

func (o *Orchestrator) AutoModeStatus(ctx context.Context, req AutoModeRequest) (automode.Info, error) {
	_, key, err := o.autoKey(ctx, req)
	if err != nil {
		return automode.Info{}, err
	}
	return o.auto.Status(key), nil
}

// AutoModeRunning lists the running auto-mode keys of a project.
func (o *Orchestrator) AutoModeRunning(ctx context.Context, projectPath string) ([]automode.Info, error) {
	p, err := o.Project(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	return o.auto.Running(p.Root), nil
}

func (o *Orchestrator) GetInitScript(ctx context.Context, req InitScriptRequest) (InitScriptInfo, error) {
	if err := req.Validate(); err != nil {
		return InitScriptInfo{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return InitScriptInfo{}, err
	}
	path, ok := initscript.Locate(p.Root, p.Config.InitScript.Path)
	return InitScriptInfo{Exists: ok, Path: path}, nil
}

// RunInitScript starts the init script and returns its run id at once.
// Progress arrives on the event bus.
func (o *Orchestrator) RunInitScript(ctx context.Context, req RunInitScriptRequest) (RunInitScriptResponse, error) {
	if err := req.Validate(); err != nil {
		return RunInitScriptResponse{}, err
	}
	p, err := o.Project(ctx, req.ProjectPath)
	if err != nil {
		return RunInitScriptResponse{}, err
	}
	op := "run init script " + req.WorktreePath
	wt, ok := p.reg.Lookup(worktree.Clean(req.WorktreePath))
	if !ok {
		return RunInitScriptResponse{}, worktree.E(worktree.KindNotFound, op, "no worktree at "+req.WorktreePath)
	}
	script, ok := initscript.Locate(p.Root, p.Config.InitScript.Path)
	if !ok {
		return RunInitScriptResponse{}, worktree.E(worktree.KindNotFound, op, "no init script at "+script)
	}
	branch := req.Branch
	if branch == "" {
		branch = wt.Branch
	}
	runID, done, err := o.inits.Run(initscript.Request{
		ProjectPath:  p.Root,
		WorktreePath: wt.Path,
		Branch:       branch,
		Script:       script,
	})
	if err != nil {
		return RunInitScriptResponse{RunID: runID}, err
	}
	go func() {
		res := <-done
		entry := p.log.WithFields(logrus.Fields{"run": res.RunID, "path": wt.Path, "exit_code": res.ExitCode})
		if res.Err != nil {
			entry.WithError(res.Err).Warn("init script failed")
		}
	}()
	return RunInitScriptResponse{RunID: runID}, nil
}

// Refresh runs one reconciliation pass for the project.
func (o *Orchestrator) Refresh(ctx context.Context, projectPath string) (reconcile.Result, error) {
	p, err := o.Project(ctx, projectPath)
	if err != nil {
		return reconcile.Result{}, err
	}
	return p.loop.Tick(ctx)
}

// Close stops reconciliation, dev servers, auto-mode runs and init scripts.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	projects := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		projects = append(projects, p)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range projects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.close(ctx)
		}()
	}
	wg.Wait()
	o.auto.StopAll(ctx)
	o.inits.Close()
	return ctx.Err()
}

func (o *Orchestrator) handleRemoved(p *Project, removed []worktree.Worktree) {
	for _, wt := range removed {
		p.servers.HandleRemoved(wt.Path, "worktree removed externally")
		p.clearSelection(wt.Path)
		o.bus.Publish(events.Event{Type: events.WorktreeRemoved, Project: p.Root, Path: wt.Path, Branch: wt.Branch})
	}
}

func (o *Orchestrator) publishDevServer(project string, info devserver.Info) {
	ev := events.Event{
		Type:     events.DevServerStatus,
		Project:  project,
		Path:     info.Path,
		Branch:   info.Branch,
		Status:   string(info.Status),
		Message:  info.ListenAddress,
		ExitCode: info.ExitCode,
	}
	if info.Error != "" {
		ev.Message = info.Error
	}
	o.bus.Publish(ev)
}

func (o *Orchestrator) publishAutoMode(info automode.Info) {
	ev := events.Event{Type: events.AutoModeStopped, Project: info.Project, RunID: info.RunID}
	if info.Running {
		ev.Type = events.AutoModeStarted
	}
	if info.Branch != nil {
		ev.Branch = *info.Branch
	}
	o.bus.Publish(ev)
}

// projectLauncher runs the auto_mode.command of the key's project, or
// records state only when none is configured.
type projectLauncher struct {
	o *Orchestrator
}

func (l projectLauncher) Launch(ctx context.Context, key automode.Key, runID string) (automode.Handle, error) {
	p := l.o.cached(key.Project)
	if p == nil {
		return nil, fmt.Errorf("project %s is not open", key.Project)
	}
	if p.Config.AutoMode.Command == "" {
		return automode.NopLauncher{}.Launch(ctx, key, runID)
	}
	return automode.CommandLauncher{
		Command: p.Config.AutoMode.Command,
		Dir: func(k automode.Key) string {
			if k.Branch != "" {
				if wt, ok := p.reg.ByBranch(k.Branch); ok {
					return wt.Path
				}
			}
			return p.Root
		},
		Log: p.log,
	}.Launch(ctx, key, runID)
}
