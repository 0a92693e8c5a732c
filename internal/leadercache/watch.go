package leadercache

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

const configFile = "config"

// ConfigWatcher reports changes to the config file of watched repositories.
// It watches the repository directory because git replaces config by
// renaming config.lock over it.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	onChange func(key string)
	logger   pslog.Logger

	mu   sync.Mutex
	dirs map[string]string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewConfigWatcher starts a watcher that calls onChange with the repository
// key whose config changed.
func NewConfigWatcher(logger pslog.Logger, onChange func(key string)) (*ConfigWatcher, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("leadercache: create config watcher: %w", err)
	}
	cw := &ConfigWatcher{
		watcher:  w,
		onChange: onChange,
		logger:   logger,
		dirs:     make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

// Watch starts reporting config changes for the repository at key.
func (w *ConfigWatcher) Watch(key string) error {
	dir := filepath.Clean(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("leadercache: watch %q: %w", dir, err)
	}
	w.dirs[dir] = key
	return nil
}

// Unwatch stops reporting changes for key.
func (w *ConfigWatcher) Unwatch(key string) {
	dir := filepath.Clean(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; !ok {
		return
	}
	delete(w.dirs, dir)
	_ = w.watcher.Remove(dir)
}

// Watched reports how many repositories are watched.
func (w *ConfigWatcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *ConfigWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("leadercache.watch.error", "error", err)
		}
	}
}

func (w *ConfigWatcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != configFile {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	w.mu.Lock()
	key, ok := w.dirs[filepath.Dir(ev.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Debug("leadercache.config.changed", "repo", key, "op", ev.Op.String())
	if w.onChange != nil {
		// onChange unwatches, which must not run on the event loop.
		go w.onChange(key)
	}
}
