package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchFile watches path for writes and invokes onChange after a short
// debounce, so a config file saved by an editor (which may emit several
// write events) triggers one reload. Grounded on the teacher's directory
// watcher in cmd/bd/list.go (fsnotify.NewWatcher + a debounce timer around
// fsnotify.Write events). Returns a stop function; the watch runs until
// stop is called or the process exits.
func WatchFile(path string, debounce time.Duration, onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounceTimer *time.Timer
		base := filepath.Base(path)

		for {
			select {
			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, onChange)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
