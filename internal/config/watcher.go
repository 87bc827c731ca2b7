package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the config before and after a reload together with
// their [Diff]. It is only called for reloads that changed something.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fileStamp identifies a version of the file without reading it.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// Watcher reloads a config file while a long-running command is active.
//
// A reload that fails to parse or validate is logged and ignored; the last
// good config stays current. Sections that are only read at startup are
// reported as needing a restart but still become part of [Watcher.Current].
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reloadMu serialises reloads from the poll loop and Reload.
	reloadMu sync.Mutex
	stamp    fileStamp
	sum      [sha256.Size]byte

	mu      sync.RWMutex
	current *Config

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum

	w.wg.Go(w.loop)
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends polling and waits for an in-progress reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Reload re-reads the file now, even if its size and modification time
// look unchanged. It returns the parse or validation error, if any.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if err := w.reload(false); err != nil {
				slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if (fileStamp{size: fi.Size(), mtime: fi.ModTime()}) == w.stamp {
			return nil
		}
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return err
	}
	w.stamp = stamp
	if sum == w.sum {
		return nil
	}
	w.sum = sum

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		return nil
	}
	slog.Info("config reloaded", "path", w.path)
	if len(d.RestartRequired) > 0 {
		slog.Warn("changed config sections take effect after a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return nil
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	return cfg, fileStamp{size: fi.Size(), mtime: fi.ModTime()}, sha256.Sum256(data), nil
}
