package recovery

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ScenarioWatcher reloads scenario definitions when the definitions file
// changes on disk. A reload that fails validation keeps the previous
// definitions in place.
type ScenarioWatcher struct {
	registry *ScenarioRegistry
	path     string
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScenarioWatcher watches the directory containing path. Watching the
// directory instead of the file survives editors and config tooling that
// replace the file by rename.
func NewScenarioWatcher(registry *ScenarioRegistry, path string, logger *zap.Logger) (*ScenarioWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create scenario watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &ScenarioWatcher{
		registry: registry,
		path:     path,
		logger:   logger,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *ScenarioWatcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop closes the watcher and waits for the loop to exit.
func (w *ScenarioWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *ScenarioWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := w.registry.LoadFile(w.path); err != nil {
				w.logger.Error("scenario reload failed, keeping previous definitions",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.logger.Info("scenario definitions reloaded", zap.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("scenario watcher error", zap.Error(err))
		}
	}
}
