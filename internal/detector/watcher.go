package detector

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher recursively monitors a directory tree with fsnotify and feeds
// every create/write/remove event to a Pipeline. Unlike the poll-based
// shape it is adapted from, fsnotify delivers events as they happen, so
// there is no scan/diff step — only recursive watch registration and a
// dispatch loop.
type Watcher struct {
	root     string
	pipeline *Pipeline
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	done  chan struct{}
	ready chan struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// NewWatcher creates a Watcher rooted at root, dispatching classified
// events through pipeline.
func NewWatcher(root string, pipeline *Pipeline) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		pipeline: pipeline,
		logger:   slog.With("component", "detector.watcher"),
		fsw:      fsw,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start registers watches on root and every existing subdirectory, then
// begins dispatching events in a background goroutine. Safe to call once.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run()
	close(w.ready)
	return nil
}

// Ready returns a channel closed once initial watch registration completes.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Stop halts dispatch and releases the underlying fsnotify handle.
// Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if werr := w.fsw.Add(path); werr != nil {
				w.logger.Warn("failed to watch directory", "path", path, "error", werr)
			}
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if werr := w.fsw.Add(ev.Name); werr != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", werr)
			}
			return
		}
		go w.pipeline.HandleCreate(ev.Name)
	case ev.Op&(fsnotify.Write) != 0:
		go w.pipeline.HandleModify(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		go w.pipeline.HandleDelete(ev.Name)
	}
}
