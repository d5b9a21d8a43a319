package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and invokes
// onChange with the freshly parsed configuration. Parse or validation
// failures are logged and the previous configuration stays in effect.
//
// Watch returns a stop function. Editors that write via rename (vim, sed -i)
// produce Create/Rename events rather than Write, so the watcher observes the
// parent directory and filters by file name.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		// Debounce bursts of events from a single save.
		var pending <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			case <-pending:
				pending = nil
				cfg, err := LoadConfigFromFile(path)
				if err != nil {
					log.Printf("config reload failed, keeping previous config: %v", err)
					continue
				}
				log.Printf("config reloaded from %s", path)
				onChange(cfg)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
