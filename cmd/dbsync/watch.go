package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/engine"
)

// watchConnectionsFile wakes the runner when the connections file changes,
// so adding a branch takes effect without waiting out the run interval.
// The parent directory is watched rather than the file: editors replace
// files by rename, which silently drops a watch held on the file itself.
func watchConnectionsFile(path string, runner *engine.Runner) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logs.App.Info("connections file changed, waking runner",
					zap.String("path", target),
					zap.String("op", ev.Op.String()),
				)
				runner.Wake()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logs.App.Warn("connections file watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
