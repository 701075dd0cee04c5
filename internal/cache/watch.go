package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a callback when another process appends to the shard
// directory, so a long-lived consumer (an LSP server, a TUI) can refresh
// its in-memory Load() result without polling. This plays the role of
// the teacher's FileWatcher (cmd/bd/daemon_watcher.go), generalized from
// watching one JSONL file plus .git refs to watching bones's whole
// events directory for any shard write, and simplified since bones has
// no polling-fallback mode to carry: a process that only ever reads its
// own cache doesn't need one, and a caller that needs liveness across a
// filesystem without inotify support can just call Load() directly.
type Watcher struct {
	fs        *fsnotify.Watcher
	onChange  func()
	debounce  time.Duration
	mu        sync.Mutex
	timer     *time.Timer
	done      chan struct{}
}

// WatchDir starts watching dir (typically a project's events directory)
// and calls onChange, debounced by debounce, after any write/create
// event settles.
func WatchDir(dir string, debounce time.Duration, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cache: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("cache: watch %s: %w", dir, err)
	}

	w := &Watcher{fs: fw, onChange: onChange, debounce: debounce, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.trigger()
			}
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Close stops the watcher and releases its filesystem handle.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}
