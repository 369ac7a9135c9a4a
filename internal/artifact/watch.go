package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/devswarm/internal/logging"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is one change notification. Content is empty for deletions.
type ChangeEvent struct {
	Kind    ChangeKind
	Path    string
	Content string
}

// Watcher turns fsnotify events under an FSStore root into ChangeEvents.
// Directories are registered recursively as they appear.
type Watcher struct {
	store   *FSStore
	fsw     *fsnotify.Watcher
	events  chan ChangeEvent
	logger  *logging.Logger
	mu      sync.Mutex
	known   map[string]bool
	closeMu sync.Once
}

func NewWatcher(store *FSStore, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		store:  store,
		fsw:    fsw,
		events: make(chan ChangeEvent, 256),
		logger: logger,
		known:  make(map[string]bool),
	}
	if err := w.addTree(context.Background(), store.Root(), false); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events is closed when Run returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Run pumps fsnotify events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeMu.Do(func() {
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, ok := w.store.Rel(ev.Name)
	if !ok || hidden(rel) {
		return
	}
	w.logger.Debugf("fsnotify event=%s file=%s", ev.Op, rel)

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.forget(ctx, rel)
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(ctx, ev.Name, true); err != nil {
				w.logger.Warnf("watch_dir_failed dir=%s error=%v", rel, err)
			}
			return
		}
		w.emitFile(ctx, rel)
	}
}

func (w *Watcher) emitFile(ctx context.Context, rel string) {
	content, err := w.store.Read(rel)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.logger.Warnf("read_failed file=%s error=%v", rel, err)
		}
		return
	}
	w.mu.Lock()
	kind := ChangeCreated
	if w.known[rel] {
		kind = ChangeUpdated
	}
	w.known[rel] = true
	w.mu.Unlock()

	w.send(ctx, ChangeEvent{Kind: kind, Path: rel, Content: content})
}

// forget emits deletions for rel and, when rel was a directory, for every
// known file beneath it.
func (w *Watcher) forget(ctx context.Context, rel string) {
	w.mu.Lock()
	var gone []string
	for p := range w.known {
		if p == rel || strings.HasPrefix(p, rel+"/") {
			gone = append(gone, p)
			delete(w.known, p)
		}
	}
	w.mu.Unlock()

	for _, p := range gone {
		w.send(ctx, ChangeEvent{Kind: ChangeDeleted, Path: p})
	}
}

func (w *Watcher) send(ctx context.Context, ev ChangeEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// addTree registers dir and its subdirectories. When emit is set, files that
// already exist inside (created before the watch was added) are reported.
func (w *Watcher) addTree(ctx context.Context, dir string, emit bool) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p != w.store.Root() && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		if rel, ok := w.store.Rel(p); ok {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !emit {
		w.mu.Lock()
		for _, f := range files {
			w.known[f] = true
		}
		w.mu.Unlock()
		return nil
	}
	for _, f := range files {
		w.emitFile(ctx, f)
	}
	return nil
}

func hidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
