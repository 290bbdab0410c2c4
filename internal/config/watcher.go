package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const (
	debounceDuration = 100 * time.Millisecond

	// configmap volumes publish updates by swapping this symlink
	configMapDataLink = "..data"
)

// Watcher reloads the configuration file when it changes and hands every
// valid configuration to onChange. Invalid files are logged and skipped so
// the last good configuration stays in effect.
type Watcher struct {
	path     string
	dataLink string
	env      *EnvOverrides
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	logger   logr.Logger
}

func NewWatcher(path string, env *EnvOverrides, onChange func(*Config), logger logr.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// watch the directory, editors replace the file and configmaps swap ..data
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return &Watcher{
		path:     absPath,
		dataLink: filepath.Join(filepath.Dir(absPath), configMapDataLink),
		env:      env,
		onChange: onChange,
		watcher:  watcher,
		logger:   logger.WithValues("path", absPath),
	}, nil
}

// Start runs the watch loop until ctx is done. Reloads run on the calling
// goroutine, so onChange is never invoked after Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(debounceDuration)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.isConfigEvent(event) {
				continue
			}
			debounceTimer.Reset(debounceDuration)
		case <-debounceTimer.C:
			if ctx.Err() != nil {
				return nil
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "configuration watcher error")
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if name != w.path && name != w.dataLink {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.env)
	if err != nil {
		w.logger.Error(err, "keeping previous configuration")
		return
	}

	w.logger.Info("configuration reloaded", "devices", len(cfg.Devices))
	w.onChange(cfg)
}
