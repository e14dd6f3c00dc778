package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last change before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Store when documents in its directory change and tells
// subscribers which policies changed. Compiled artifacts are never patched;
// subscribers recompile the named policies from scratch.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup

	debounce     time.Duration
	pendingTimer *time.Timer
	timerMu      sync.Mutex

	subMu       sync.Mutex
	subscribers []func(changed []string)
}

// NewWatcher creates a watcher for store. debounce <= 0 selects DefaultDebounce.
func NewWatcher(store *Store, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    store,
		watcher:  fsWatcher,
		stopChan: make(chan struct{}),
		debounce: debounce,
	}, nil
}

// Subscribe registers fn to be called after every reload that changed at least one policy.
func (w *Watcher) Subscribe(fn func(changed []string)) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Start begins watching the store directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.Dir()); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.run()
	log.Info("watching policy directory: %s", w.store.Dir())
	return nil
}

// Stop stops the watcher and cancels any pending reload.
func (w *Watcher) Stop() error {
	close(w.stopChan)
	w.wg.Wait()

	w.timerMu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.timerMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if _, ok := FormatForPath(event.Name); !ok {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	log.Debug("policy file changed: %s (%s)", filepath.Base(event.Name), event.Op)
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	changed, err := w.store.Load()
	if err != nil {
		log.Error("reloading policies failed, keeping previous set: %v", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	log.Info("policies changed: %v", changed)

	w.subMu.Lock()
	subs := append(([]func([]string))(nil), w.subscribers...)
	w.subMu.Unlock()
	for _, fn := range subs {
		fn(changed)
	}
}
