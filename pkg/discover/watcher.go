package discover

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher evicts discovery cache entries when watched files change on disk.
// Directories are watched rather than files so renames and editor
// write-via-tempfile patterns still trigger eviction.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger zerolog.Logger

	mu       sync.Mutex
	keys     map[string]string // absolute path -> cache key
	dirs     map[string]struct{}
	onChange func(key string)

	done chan struct{}
}

// NewWatcher starts a filesystem watcher. Close releases it.
func NewWatcher(logger zerolog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:     fs,
		logger: logger,
		keys:   make(map[string]string),
		dirs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers a file path against a cache key.
func (w *Watcher) Watch(location, key string) error {
	abs, err := filepath.Abs(location)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.keys[abs] = key
	dir := filepath.Dir(abs)
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = struct{}{}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			key, watched := w.keys[event.Name]
			cb := w.onChange
			w.mu.Unlock()
			if watched && cb != nil {
				w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("discovered file changed")
				cb(key)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
