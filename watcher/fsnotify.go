package watcher

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stabilityWindow is how long a file's size must stop changing before
// a Write event is promoted to a ClosedWrite event. inotify has no
// native "closed after write" mask exposed through fsnotify, so this
// mirrors the double-stat stability check the buffer used before this
// watcher existed.
const stabilityWindow = 150 * time.Millisecond

// FSNotifyWatcher backs Watcher with fsnotify (inotify on Linux,
// kqueue on Darwin, ReadDirectoryChangesW on Windows).
type FSNotifyWatcher struct {
	w       *fsnotify.Watcher
	events  chan Event
	errs    chan error
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// WatchDir starts watching dir for created and stabilized-write files.
func WatchDir(dir string) (*FSNotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	fw := &FSNotifyWatcher{
		w:      w,
		events: make(chan Event, 64),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (fw *FSNotifyWatcher) run() {
	defer close(fw.events)
	pending := map[string]*time.Timer{}
	var mu sync.Mutex

	for {
		select {
		case <-fw.done:
			mu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			mu.Unlock()
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				select {
				case fw.events <- Event{Path: ev.Name, Kind: Created}:
				case <-fw.done:
				}
			case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
				path := ev.Name
				mu.Lock()
				if t, exists := pending[path]; exists {
					t.Stop()
				}
				pending[path] = time.AfterFunc(stabilityWindow, func() {
					if fw.stable(path) {
						select {
						case fw.events <- Event{Path: path, Kind: ClosedWrite}:
						case <-fw.done:
						}
					}
					mu.Lock()
					delete(pending, path)
					mu.Unlock()
				})
				mu.Unlock()
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			select {
			case fw.errs <- err:
			default:
				log.Printf("[watcher] dropped error, channel full: %v", err)
			}
		}
	}
}

func (fw *FSNotifyWatcher) stable(path string) bool {
	before, err := os.Stat(path)
	if err != nil {
		return false
	}
	time.Sleep(50 * time.Millisecond)
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return before.Size() == after.Size() && after.Size() > 0
}

func (fw *FSNotifyWatcher) Events() <-chan Event { return fw.events }
func (fw *FSNotifyWatcher) Errors() <-chan error { return fw.errs }

func (fw *FSNotifyWatcher) Close() error {
	fw.closeMu.Lock()
	defer fw.closeMu.Unlock()
	if fw.closed {
		return nil
	}
	fw.closed = true
	close(fw.done)
	return fw.w.Close()
}
