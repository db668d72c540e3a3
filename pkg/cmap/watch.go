package cmap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher reloads a map file whenever it changes on disk. The directory is
// watched rather than the file so that editors replacing the file by a
// rename are followed.
type Watcher struct {
	path    string
	logger  hclog.Logger
	watcher *fsnotify.Watcher
	current *Map
}

// NewWatcher loads path once and starts watching it.
func NewWatcher(path string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	path = filepath.Clean(path)

	m, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot create file watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("cannot watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:    path,
		logger:  logger.Named("cmap"),
		watcher: fw,
		current: m,
	}, nil
}

// Current returns the last map that parsed.
func (w *Watcher) Current() *Map {
	return w.current
}

// Close stops watching. Run closes the watcher itself when it returns.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run calls onChange with the previous and the new map after every
// successful reload, until ctx is done. A file that fails to parse is
// logged and the previous map stays current.
func (w *Watcher) Run(ctx context.Context, onChange func(prev, next *Map)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != w.path {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			next, err := Load(w.path)
			if err != nil {
				w.logger.Warn("ignoring cmap change", "error", err)
				continue
			}

			prev := w.current
			w.current = next

			w.logger.Debug("cmap reloaded", "op", ev.Op.String())
			onChange(prev, next)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("file watcher failed", "error", err)
		}
	}
}
