package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch watches path for writes and calls onReload with the freshly loaded
// Config after each one, debounced so a burst of writes from an editor's
// save-then-rename sequence only triggers a single reload. Only the
// non-identity fields a caller chooses to read from the reloaded Config
// are meant to be applied live (e.g. logging level); session/server
// identity fields are expected to require a restart regardless of this
// watch firing.
func Watch(ctx context.Context, path string, debounce time.Duration, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if cfg, err := Load(path); err == nil {
						onReload(cfg)
					}
				})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
