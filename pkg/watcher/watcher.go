// Package watcher emits filesystem events for transcript files under a
// root directory, recursively. It wraps fsnotify, which only watches
// single directories, by adding a watch for every directory in the tree
// and for directories created while running.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

// defaultQueueSize bounds the event channel. The orchestrator is the
// single consumer; if it falls behind, events are dropped with a warning
// rather than blocking the notification thread.
const defaultQueueSize = 256

// transcriptExt is the file suffix the watcher cares about.
const transcriptExt = ".jsonl"

// StartupError wraps unrecoverable failures bringing the watcher up.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("watcher startup: %v", e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

// Watcher watches a directory tree for .jsonl changes.
type Watcher struct {
	mu      sync.Mutex
	fw      *fsnotify.Watcher
	root    string
	events  chan models.FileEvent
	done    chan struct{}
	loopEnd chan struct{}
	started bool
}

// New creates an unstarted Watcher.
func New() *Watcher {
	return &Watcher{
		events: make(chan models.FileEvent, defaultQueueSize),
	}
}

// Events returns the channel the watcher delivers on. The channel is
// never closed; consumers stop via their own shutdown signal.
func (w *Watcher) Events() <-chan models.FileEvent {
	return w.events
}

// Start begins watching root recursively. The root is created if it does
// not exist. Transcript files already present under root are announced
// as created events so pre-existing conversations are ingested.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return &StartupError{Err: fmt.Errorf("already watching %s", w.root)}
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return &StartupError{Err: fmt.Errorf("create watch root %s: %w", root, err)}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return &StartupError{Err: err}
	}

	if err := w.watchTree(fw, root, true); err != nil {
		_ = fw.Close()
		return &StartupError{Err: err}
	}

	w.fw = fw
	w.root = root
	w.done = make(chan struct{})
	w.loopEnd = make(chan struct{})
	w.started = true

	go w.run(fw, w.done, w.loopEnd)
	slog.Info("File watcher started", "root", root)
	return nil
}

// Stop tears down the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	close(w.done)
	err := w.fw.Close()
	<-w.loopEnd
	w.started = false
	slog.Info("File watcher stopped", "root", w.root)
	return err
}

// run is the single goroutine that drains fsnotify. Transient errors are
// logged and skipped; the loop exits when the fsnotify channels close.
func (w *Watcher) run(fw *fsnotify.Watcher, done, loopEnd chan struct{}) {
	defer close(loopEnd)
	for {
		select {
		case <-done:
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(fw, event)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher error, skipping", "error", err)
		}
	}
}

// handle translates one fsnotify event into zero or more FileEvents.
func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			// New directory — extend the recursive watch and announce
			// any transcript files it already contains (a directory
			// moved into the tree arrives with its contents).
			if err := w.watchTree(fw, event.Name, true); err != nil {
				slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		w.emit(models.FileCreated, event.Name, "")

	case event.Has(fsnotify.Write):
		w.emit(models.FileModified, event.Name, "")

	case event.Has(fsnotify.Remove):
		w.emit(models.FileDeleted, event.Name, "")

	case event.Has(fsnotify.Rename):
		// inotify reports a rename as two uncorrelated events (Rename on
		// the old name, Create on the new). Without the destination the
		// moved kind cannot be constructed, so the source half surfaces
		// as a delete; the create half re-ingests the file.
		w.emit(models.FileDeleted, event.Name, "")
	}
}

// emit sends one event for a transcript file path. Directories and
// non-.jsonl paths are suppressed. Never blocks.
func (w *Watcher) emit(kind models.FileEventKind, srcPath, destPath string) {
	if !isTranscript(srcPath) && !isTranscript(destPath) {
		return
	}

	ev, err := models.NewFileEvent(kind, srcPath, destPath, false)
	if err != nil {
		slog.Warn("Dropping invalid file event", "kind", kind, "path", srcPath, "error", err)
		return
	}

	select {
	case w.events <- ev:
	default:
		slog.Warn("Watcher queue full, dropping event", "kind", kind, "path", srcPath)
	}
}

// watchTree adds watches for dir and every directory below it. When
// announce is set, .jsonl files encountered are emitted as created.
func (w *Watcher) watchTree(fw *fsnotify.Watcher, dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory disappearing mid-walk is not fatal.
			slog.Warn("Skipping unreadable path during walk", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if announce && isTranscript(path) {
			w.emit(models.FileCreated, path, "")
		}
		return nil
	})
}

func isTranscript(path string) bool {
	return path != "" && strings.HasSuffix(path, transcriptExt)
}
