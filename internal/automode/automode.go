// Package automode tracks autonomous runs per (project, branch) and hands
// control to an external execution loop.
package automode

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Key identifies a run. An empty Branch is the project's main worktree.
type Key struct {
	Project string
	Branch  string
}

func (k Key) String() string {
	if k.Branch == "" {
		return k.Project + "@main"
	}
	return k.Project + "@" + k.Branch
}

type Info struct {
	RunID     string    `json:"runId,omitempty"`
	Project   string    `json:"projectPath"`
	Branch    *string   `json:"branch"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt"`
}

// Handle controls a launched external loop.
type Handle interface {
	// Stop asks the loop to halt. It must not block on the loop's shutdown.
	Stop() error
	// Done is closed when the loop exits for any reason.
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, key Key, runID string) (Handle, error)
}

type run struct {
	id        string
	running   bool
	startedAt time.Time
	handle    Handle
}

type Options struct {
	Launcher Launcher
	Log      logrus.FieldLogger
	OnChange func(Info)
}

type Controller struct {
	launcher Launcher
	log      logrus.FieldLogger
	onChange func(Info)

	mu   sync.Mutex
	runs map[Key]*run
}

func New(opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = NopLauncher{}
	}
	return &Controller{
		launcher: launcher,
		log:      log.WithField("component", "automode"),
		onChange: opts.OnChange,
		runs:     map[Key]*run{},
	}
}

// Start transitions key to running. Starting a running key is a no-op.
func (c *Controller) Start(ctx context.Context, key Key) (Info, error) {
	c.mu.Lock()
	r, ok := c.runs[key]
	if ok && r.running {
		info := infoOf(key, r)
		c.mu.Unlock()
		return info, nil
	}
	id := uuid.NewString()
	handle, err := c.launcher.Launch(ctx, key, id)
	if err != nil {
		c.mu.Unlock()
		c.log.WithField("key", key.String()).WithError(err).Warn("auto-mode launch failed")
		return infoOf(key, r), err
	}
	r = &run{id: id, running: true, startedAt: time.Now(), handle: handle}
	c.runs[key] = r
	info := infoOf(key, r)
	c.mu.Unlock()

	go c.watch(key, r)
	c.log.WithFields(logrus.Fields{"key": key.String(), "run": id}).Info("auto-mode started")
	c.emit(info)
	return info, nil
}

// Stop transitions key to stopped. Unknown and already stopped keys are a no-op.
func (c *Controller) Stop(_ context.Context, key Key) (Info, error) {
	c.mu.Lock()
	r, ok := c.runs[key]
	if !ok || !r.running {
		info := infoOf(key, r)
		c.mu.Unlock()
		return info, nil
	}
	r.running = false
	handle := r.handle
	info := infoOf(key, r)
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Stop(); err != nil {
			c.log.WithField("key", key.String()).WithError(err).Warn("auto-mode loop did not acknowledge stop")
		}
	}
	c.log.WithFields(logrus.Fields{"key": key.String(), "run": r.id}).Info("auto-mode stopped")
	c.emit(info)
	return info, nil
}

func (c *Controller) Status(key Key) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return infoOf(key, c.runs[key])
}

// Running lists the running keys of project, main first.
func (c *Controller) Running(project string) []Info {
	c.mu.Lock()
	var out []Info
	for key, r := range c.runs {
		if key.Project == project && r.running {
			out = append(out, infoOf(key, r))
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		bi, bj := "", ""
		if out[i].Branch != nil {
			bi = *out[i].Branch
		}
		if out[j].Branch != nil {
			bj = *out[j].Branch
		}
		return bi < bj
	})
	return out
}

// StopAll stops every running key.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	var keys []Key
	for key, r := range c.runs {
		if r.running {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		_, _ = c.Stop(ctx, key)
	}
}

func (c *Controller) watch(key Key, r *run) {
	if r.handle == nil {
		return
	}
	<-r.handle.Done()
	c.mu.Lock()
	if c.runs[key] != r || !r.running {
		c.mu.Unlock()
		return
	}
	r.running = false
	info := infoOf(key, r)
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"key": key.String(), "run": r.id}).Info("auto-mode loop exited on its own")
	c.emit(info)
}

func (c *Controller) emit(info Info) {
	if c.onChange != nil {
		c.onChange(info)
	}
}

func infoOf(key Key, r *run) Info {
	info := Info{Project: key.Project}
	if key.Branch != "" {
		b := key.Branch
		info.Branch = &b
	}
	if r != nil {
		info.RunID = r.id
		info.Running = r.running
		info.StartedAt = r.startedAt
	}
	return info
}
