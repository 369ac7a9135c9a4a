package story

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
)

// NodeRemover is told when a story disappears so its developer node goes too.
type NodeRemover interface {
	RemoveDeveloperNode(storyID string) bool
}

// ChangeFunc observes a story entering, changing in or leaving the index.
type ChangeFunc func(kind artifact.ChangeKind, meta model.StoryMetadata)

// Watcher maintains the story index keyed by path.
type Watcher struct {
	remover NodeRemover
	sink    events.Sink
	logger  *logging.Logger
	bus     *events.Bus
	now     func() time.Time

	mu        sync.RWMutex
	stories   map[string]model.StoryMetadata
	listeners []ChangeFunc
}

// NewWatcher returns an empty index. remover may be nil when no registry is attached.
func NewWatcher(remover NodeRemover, sink events.Sink, logger *logging.Logger) *Watcher {
	if sink == nil {
		sink = events.Discard
	}
	return &Watcher{
		remover: remover,
		sink:    sink,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		stories: make(map[string]model.StoryMetadata),
	}
}

// SetEventBus sets the bus that receives story_changed events.
func (w *Watcher) SetEventBus(bus *events.Bus) {
	w.bus = bus
}

// OnChange registers fn to run after every applied change.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Load replaces the index with every story the store lists. Files that
// vanish between listing and reading are skipped.
func (w *Watcher) Load(ctx context.Context, store artifact.Store) error {
	paths, err := artifact.ListStories(store)
	if err != nil {
		return fmt.Errorf("load stories: %w", err)
	}
	loaded := make(map[string]model.StoryMetadata, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := store.Read(p)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load stories: %w", err)
		}
		meta := ParseStoryMetadata(content, p)
		meta.LastModified = w.now()
		loaded[meta.Path] = meta
	}

	w.mu.Lock()
	w.stories = loaded
	w.mu.Unlock()

	w.logger.Infof("loaded %d stories", len(loaded))
	return nil
}

// Handle applies one change event. Events for non-story paths are ignored.
func (w *Watcher) Handle(ev artifact.ChangeEvent) {
	p := artifact.Clean(ev.Path)
	if !artifact.IsStoryPath(p) {
		return
	}

	switch ev.Kind {
	case artifact.ChangeCreated, artifact.ChangeUpdated:
		meta := ParseStoryMetadata(ev.Content, p)
		meta.LastModified = w.now()
		w.mu.Lock()
		w.stories[p] = meta
		w.mu.Unlock()
		w.logger.Debugf("story %s %s: status=%s tasks=%d", meta.ID, ev.Kind, meta.Status, meta.TaskCount)
		w.notify(ev.Kind, meta)

	case artifact.ChangeDeleted:
		w.mu.Lock()
		meta, ok := w.stories[p]
		delete(w.stories, p)
		if !ok {
			meta = model.StoryMetadata{ID: StoryID(p), Path: p}
		}
		shared := w.indexedLocked(meta.ID)
		w.mu.Unlock()
		if shared {
			w.logger.Debugf("story %s still indexed at another path; keeping its node", meta.ID)
		} else if w.remover != nil && w.remover.RemoveDeveloperNode(meta.ID) {
			w.sink.Append(fmt.Sprintf("Story %s removed; developer node released", meta.ID), model.LogInfo)
		}
		w.notify(ev.Kind, meta)

	default:
		w.logger.Warnf("unknown change kind %q for %s", ev.Kind, p)
	}
}

// indexedLocked reports whether any indexed path still carries id. w.mu must be held.
func (w *Watcher) indexedLocked(id string) bool {
	for _, meta := range w.stories {
		if meta.ID == id {
			return true
		}
	}
	return false
}

func (w *Watcher) notify(kind artifact.ChangeKind, meta model.StoryMetadata) {
	w.bus.Publish(events.EventStoryChanged, map[string]any{
		"kind":     string(kind),
		"story_id": meta.ID,
		"path":     meta.Path,
		"status":   string(meta.Status),
	})

	w.mu.RLock()
	listeners := append([]ChangeFunc(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		fn(kind, meta)
	}
}

// Run applies events from ch until it closes or ctx ends.
func (w *Watcher) Run(ctx context.Context, ch <-chan artifact.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.Handle(ev)
		}
	}
}

// Get returns the metadata for the story at p.
func (w *Watcher) Get(p string) (model.StoryMetadata, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	meta, ok := w.stories[artifact.Clean(p)]
	return meta, ok
}

// Len returns the number of indexed stories.
func (w *Watcher) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.stories)
}

// Stories returns every indexed story ordered by path.
func (w *Watcher) Stories() []model.StoryMetadata {
	w.mu.RLock()
	out := make([]model.StoryMetadata, 0, len(w.stories))
	for _, meta := range w.stories {
		out = append(out, meta)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Outstanding returns the indexed stories that are not done, ordered by path.
// Both the daemon and the CLI swarm select their work this way.
func (w *Watcher) Outstanding() []model.StoryMetadata {
	return Outstanding(w.Stories())
}

// Outstanding filters stories down to those not yet done, keeping their order.
func Outstanding(stories []model.StoryMetadata) []model.StoryMetadata {
	var out []model.StoryMetadata
	for _, meta := range stories {
		if !meta.IsDone() {
			out = append(out, meta)
		}
	}
	return out
}

// Pending returns the stories still waiting for a developer, ordered by path.
func (w *Watcher) Pending() []model.StoryMetadata {
	var out []model.StoryMetadata
	for _, meta := range w.Stories() {
		if meta.Status == model.StoryPending {
			out = append(out, meta)
		}
	}
	return out
}
