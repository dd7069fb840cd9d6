// Package watch reports changes to a single file.
package watch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	appLog "billcal/internal/log"
)

// FileWatcher watches one file through its parent directory, so editors
// that save by writing a temp file and renaming it over the target are
// still seen.
type FileWatcher struct {
	path string
	w    *fsnotify.Watcher
}

// New starts watching path. The watch is registered before New returns.
func New(path string) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &FileWatcher{path: abs, w: w}, nil
}

// Path returns the absolute path being watched.
func (fw *FileWatcher) Path() string { return fw.path }

// Run calls onChange for every write, create or rename of the file until
// ctx is canceled. The watcher is closed when Run returns.
func (fw *FileWatcher) Run(ctx context.Context, onChange func()) {
	defer fw.w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				appLog.Debug("watched file changed", "file", fw.path, "op", ev.Op.String())
				onChange()
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			appLog.Error("file watch error", err, "file", fw.path)
		}
	}
}
