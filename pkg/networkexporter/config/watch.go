package config

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the devices and defaults trees and calls onChange with the
// newly loaded inventory each time a file changes. It runs until ctx is
// cancelled.
//
// If a reload fails (e.g., invalid YAML or an invalid device entry), the error
// is logged and the previous inventory remains active; onChange is not called.
func Watch(ctx context.Context, paths Paths, logger *slog.Logger, onChange func(map[string]DeviceConfig)) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range []string{paths.Devices, paths.Defaults} {
		if err := addTree(watcher, root); err != nil {
			return err
		}
	}

	logger.Info("config: watching for inventory changes", "devices", paths.Devices, "defaults", paths.Defaults)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = addTree(watcher, event.Name)
				}
			}

			devices, err := LoadDevices(paths, logger)
			if err != nil {
				logger.Error("config: inventory reload failed, keeping previous inventory",
					"file", event.Name, "error", err.Error())
				continue
			}

			logger.Info("config: inventory reloaded", "file", event.Name, "devices", len(devices))
			onChange(devices)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config: watcher error", "error", err.Error())
		}
	}
}

// addTree watches root and every directory below it. A missing root is not
// an error.
func addTree(w *fsnotify.Watcher, root string) error {
	if root == "" {
		return nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
