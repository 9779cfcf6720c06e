package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of fsnotify events editors emit
// for a single save.
const debounceWindow = 250 * time.Millisecond

// Tunables is the hot-reloadable subset of the configuration. Everything
// else (crypto, storage layout, index provider) requires a restart.
type Tunables struct {
	Search SearchConfig
	Ledger LedgerConfig
}

// Watcher reloads tunables when the config file changes. Invalid reloads
// are reported through onError and the previous snapshot stays active.
type Watcher struct {
	path     string
	onReload func(Tunables)
	onError  func(error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the given config file path.
// onReload receives each validated tunable snapshot; onError receives
// reload failures (the daemon keeps running on the old snapshot).
func NewWatcher(path string, onReload func(Tunables), onError func(error)) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("config: onReload callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files and the
	// inode-level watch would be lost on the first save.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		onError:  onError,
		watcher:  fsw,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

// reload parses and validates the file, then hands the tunable snapshot
// to the callback. A failed reload never replaces the active snapshot.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.onError(fmt.Errorf("config: reload rejected: %w", err))
		return
	}
	w.onReload(Tunables{Search: cfg.Search, Ledger: cfg.Ledger})
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
