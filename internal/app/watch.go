package app

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/huddle/internal/config"
)

// configWatcher reloads the config file whenever it is written and hands
// every valid version to onChange. Invalid edits are logged and skipped.
type configWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(config.Config)
	closed   chan struct{}
}

func watchConfig(path string, onChange func(config.Config)) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// The directory is watched, not the file: config saves replace the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &configWatcher{
		path:     path,
		watcher:  watcher,
		onChange: onChange,
		closed:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *configWatcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := config.Load(w.path)
			if err != nil {
				log.Warnf("config reload: %v", err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher: %v", err)
		}
	}
}

func (w *configWatcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
