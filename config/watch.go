package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path and calls onChange with the reloaded Config after
// every write. It runs until ctx is cancelled.
//
// The parent directory is watched so that editors saving through a
// rename are picked up. A file that fails to load is logged and ignored;
// the previous configuration stays in effect.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Printf("Watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Printf("Reload of %s failed, keeping previous config: %v", path, err)
				continue
			}
			logger.Printf("Reloaded %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("Watcher error: %v", err)
		}
	}
}
