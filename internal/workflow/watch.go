package workflow

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts invalidating the cache whenever the workflow file is created,
// written, renamed or removed by another process. The parent directory is
// watched so editors that replace the file are seen too.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch workflow: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch workflow: %w", err)
	}
	s.watcher = w

	s.watchWg.Add(1)
	go s.watchLoop(w)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher) {
	defer s.watchWg.Done()

	for {
		select {
		case <-s.stopWatch:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op.Has(fsnotify.Chmod) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			s.Invalidate()
			s.logger.Debug("workflow changed on disk", "path", s.path, "op", ev.Op.String())

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.Invalidate()
			s.logger.Warn("workflow watcher error", "error", err)
		}
	}
}

// Close stops watching. The store keeps serving Load and Save.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopWatch)
	w := s.watcher
	s.mu.Unlock()

	s.watchWg.Wait()
	if w != nil {
		return w.Close()
	}
	return nil
}
