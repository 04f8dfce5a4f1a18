package devserver

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func (s *Supervisor) addWatch(path string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Add(path); err != nil {
		s.log.WithField("path", path).WithError(err).Debug("unable to watch worktree directory")
	}
}

func (s *Supervisor) removeWatch(path string) {
	if s.watcher == nil {
		return
	}
	_ = s.watcher.Remove(path)
}

func (s *Supervisor) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if s.get(path) == nil {
				continue
			}
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				s.HandleRemoved(path, "worktree directory removed")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("directory watch error")
		}
	}
}
