package keys

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch watches the directory containing the Store's key file (fsnotify
// cannot reliably watch a single path across editor-style atomic renames)
// and reloads on any write/create/rename event that touches it, debounced
// so a burst of filesystem events triggers a single reload. onChange is
// called after every successful reload.
func (s *Store) Watch(ctx context.Context, onChange func(*Material)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		reload := func() {
			if err := s.Reload(); err != nil {
				log.Printf("keys: reload %s failed: %v", s.path, err)
				return
			}
			log.Printf("keys: reloaded %s", s.path)
			if onChange != nil {
				onChange(s.Current())
			}
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("keys: watch error: %v", err)
			}
		}
	}()
	return nil
}
