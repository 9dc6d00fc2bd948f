// Package notify watches the source message database for writes so the
// server can report a stale index. Watching is advisory: failures disable
// the stale flag but never affect indexing or queries.
package notify

import (
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces the bursts of writes Messages makes to the
// database and its WAL sidecar into a single change notification.
const debounceInterval = 2 * time.Second

// SourceWatcher watches the directory holding the source database and flags
// when the database (or its WAL) changes after the last index run.
type SourceWatcher struct {
	dbPath   string
	callback func(changedAt time.Time)

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu          sync.Mutex
	lastChange  time.Time
	lastIndexed time.Time
	timer       *time.Timer
}

// NewSourceWatcher creates a watcher for the database at dbPath. callback, if
// non-nil, fires once per debounced change burst.
func NewSourceWatcher(dbPath string, callback func(changedAt time.Time)) *SourceWatcher {
	return &SourceWatcher{
		dbPath:   dbPath,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the file
// itself, since SQLite swaps WAL sidecars in and out.
func (w *SourceWatcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.dbPath)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	log.Printf("notify: watching %s for changes", w.dbPath)
	return nil
}

// Stop shuts down the watcher.
func (w *SourceWatcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
		<-w.done
	}
}

// MarkIndexed records that the index now reflects the source as of t.
// Changes observed before t no longer count as stale.
func (w *SourceWatcher) MarkIndexed(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastIndexed = t
}

// Stale reports whether the source has changed since the last index run, and
// when the most recent change was observed.
func (w *SourceWatcher) Stale() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.lastChange.IsZero() && w.lastChange.After(w.lastIndexed), w.lastChange
}

func (w *SourceWatcher) loop() {
	defer close(w.done)
	base := filepath.Base(w.dbPath)

	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(evt.Name)
			if name != base && !strings.HasPrefix(name, base+"-") {
				continue
			}
			w.noteChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

// noteChange records a change and arms the debounce timer; further writes
// within the interval reset it.
func (w *SourceWatcher) noteChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastChange = time.Now()
	if w.callback == nil {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	changedAt := w.lastChange
	w.timer = time.AfterFunc(debounceInterval, func() {
		w.callback(changedAt)
	})
}
