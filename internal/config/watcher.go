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

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes and reports each
// accepted change to a callback. It polls the file's size and modification
// time and only re-reads it when either moves; a rewrite with identical
// content is not reported. An invalid file is logged and skipped, leaving the
// previous config in force.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	prepare  func(*Config)
	log      *slog.Logger

	// reload serialises check and Reload so callbacks never overlap.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
	badSum  [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap change indicator checked on every poll.
type fileStamp struct {
	size  int64
	mtime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{size: fi.Size(), mtime: fi.ModTime()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling period. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithPrepare runs fn on every loaded config before it is compared or
// handed out, e.g. [ApplyEnv].
func WithPrepare(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.prepare = fn }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the file at path and starts polling it. The initial load
// must succeed; it is not reported to onChange.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum

	go w.run()
	return w, nil
}

// Current returns the config in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now regardless of its stamp, e.g. on SIGHUP. It
// returns the load error, if any, and reports an accepted change to the
// callback before returning.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	w.apply(cfg, stamp, sum)
	return nil
}

// Stop ends polling and waits for a callback in progress to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	w.reload.Lock()
	defer w.reload.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := stampOf(fi) == w.stamp
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		w.mu.Lock()
		w.stamp = stamp
		repeat := sum == w.badSum
		w.badSum = sum
		w.mu.Unlock()
		if !repeat {
			w.log.Warn("config: invalid configuration ignored, keeping the previous one", "path", w.path, "err", err)
		}
		return
	}
	w.apply(cfg, stamp, sum)
}

// apply installs cfg and reports it when the content differs. w.reload must
// be held.
func (w *Watcher) apply(cfg *Config, stamp fileStamp, sum [sha256.Size]byte) {
	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	w.log.Info("config: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file. The stamp and checksum are returned
// even when the content is invalid, so that the same bad content is not
// re-parsed on every poll.
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
	stamp, sum := stampOf(fi), sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, sum, err
	}
	if w.prepare != nil {
		w.prepare(cfg)
	}
	return cfg, stamp, sum, nil
}
