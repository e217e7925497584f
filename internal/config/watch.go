package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback receives the reloaded file.
type ChangeCallback func(Config)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce is how long the file must stay quiet before it is reloaded.
	// Zero means 500ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	callback  ChangeCallback
	logger    *slog.Logger

	mu   sync.Mutex
	last Config

	cancel    chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path and calls callback with each new version of
// the file. A change that parses to the same Config is not reported. The
// directory is watched rather than the file, so editors that replace the
// file by rename are seen too.
func Watch(path string, callback ChangeCallback, options WatchOptions) (*Watcher, error) {
	if options.Debounce <= 0 {
		options.Debounce = defaultDebounce
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	// A missing or broken file starts out as the zero Config.
	initial, _ := Load(path)

	w := &Watcher{
		path:      path,
		fsWatcher: fsW,
		debounce:  options.Debounce,
		callback:  callback,
		logger:    options.Logger.With("path", path),
		last:      initial,
		cancel:    make(chan struct{}),
	}

	go w.watchLoop()
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.cancel)
		err = w.fsWatcher.Close()
	})
	return err
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload reads the file and reports it if it changed.
func (w *Watcher) reload() {
	select {
	case <-w.cancel:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "error", err)
		return
	}

	w.mu.Lock()
	changed := cfg != w.last
	w.last = cfg
	w.mu.Unlock()

	if changed && w.callback != nil {
		w.logger.Debug("config reloaded")
		w.callback(cfg)
	}
}
