package importer

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// queueWatcher turns filesystem events on the shared queue file into a
// debounced wake signal so new shares import promptly instead of waiting out
// the poll interval. The watcher is an accelerator only: the poll loop is
// still the source of truth, and watch failures degrade to interval-only
// polling.
type queueWatcher struct {
	watcher  *fsnotify.Watcher
	wake     chan struct{}
	done     chan struct{}
	debounce time.Duration
}

func newQueueWatcher(queuePath string, debounce time.Duration, logger Logger) (*queueWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: the queue is replaced by rename on
	// every write, which would silently detach a file watch.
	if err := watcher.Add(filepath.Dir(queuePath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w := &queueWatcher{
		watcher:  watcher,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		debounce: debounce,
	}
	go w.run(filepath.Base(queuePath), logger)
	return w, nil
}

func (w *queueWatcher) C() <-chan struct{} { return w.wake }

func (w *queueWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *queueWatcher) run(queueName string, logger Logger) {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != queueName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logf(logger, "importer: queue watch error: %v", err)
		}
	}
}
