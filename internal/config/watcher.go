package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/linthost-dev/linthost/internal/logging"
)

// Watcher monitors a settings file and delivers reloaded snapshots when
// it changes. The parent directory is watched rather than the file
// itself so atomic-rename saves from editors are observed.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	current  func() Snapshot
	onChange func(Snapshot)
	logger   *logging.Logger
	debounce time.Duration

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the settle window applied after a file event before
// the file is re-read. Default 100ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher starts watching the settings file at path. current supplies
// the previous valid snapshot for merging; onChange receives each
// reloaded snapshot.
func NewWatcher(path string, current func() Snapshot, onChange func(Snapshot), logger *logging.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		fsw:      fsw,
		current:  current,
		onChange: onChange,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			// Collapse bursts of events into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher: %v", err)

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	snap, err := LoadFile(w.path, w.current(), w.logger)
	if err != nil {
		w.logger.Warn("settings reload failed: %v", err)
		return
	}
	w.onChange(snap)
}
