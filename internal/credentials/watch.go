package credentials

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the profiles whenever a document of the directory is written, created, renamed or removed.
//
// It returns two channels: one for changes which result in a successful load and another for unrecoverable watcher errors.
// Both are closed once ctx is done.
func (s *Store) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", s.dir, err)
	}

	s.log.Info("Watching credentials directory", "dir", s.dir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if err := s.Load(); err != nil {
		s.log.Warn("Error loading initial credential profiles", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("Credentials watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if !isProfileDocument(filepath.Base(event.Name)) {
					continue
				}

				s.log.Debug("Credential profile changed. Reloading...", "file", event.Name)
				if err := s.Load(); err != nil {
					s.log.Warn("Error reloading credential profiles", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				s.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}
