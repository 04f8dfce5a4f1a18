// Package events is the in-process, out-of-band notification stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Type string

const (
	WorktreeCreated        Type = "worktree.created"
	WorktreeDeleted        Type = "worktree.deleted"
	WorktreeRemoved        Type = "worktree.removed"
	WorktreeBranchSwitched Type = "worktree.branch_switched"
	DevServerStatus        Type = "devserver.status"
	AutoModeStarted        Type = "automode.started"
	AutoModeStopped        Type = "automode.stopped"
	InitStarted            Type = "init.started"
	InitOutput             Type = "init.output"
	InitCompleted          Type = "init.completed"
)

type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	Project  string    `json:"projectPath,omitempty"`
	Path     string    `json:"worktreePath,omitempty"`
	Branch   string    `json:"branch,omitempty"`
	RunID    string    `json:"runId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Success  *bool     `json:"success,omitempty"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	log     logrus.FieldLogger
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	dropped atomic.Int64
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{log: log.WithField("component", "events"), subs: map[uint64]*subscriber{}}
}

func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				b.log.WithFields(logrus.Fields{"type": ev.Type, "dropped_total": n}).Warn("slow event subscriber; dropping")
			}
		}
	}
}

// Subscribe returns a channel of events matching filter (nil matches all)
// and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer), filter: filter}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// ForProject matches events of a single project.
func ForProject(project string) func(Event) bool {
	return func(ev Event) bool { return ev.Project == project }
}
