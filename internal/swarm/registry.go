// Package swarm tracks one developer node per story and runs developer tasks
// for a batch of stories under bounded concurrency.
package swarm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/metrics"
	"github.com/msageha/devswarm/internal/model"
)

// SpawnTarget is the soft deadline for a batch spawn. Exceeding it only warns.
const SpawnTarget = 2000 * time.Millisecond

// SpawnMetrics summarises the intervals between recorded spawns.
type SpawnMetrics struct {
	Available       bool          `json:"available"`
	Spawns          int           `json:"spawns"`
	AverageInterval time.Duration `json:"average_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

func (m SpawnMetrics) String() string {
	if !m.Available {
		return "unavailable"
	}
	return fmt.Sprintf("%d spawns, avg interval %s, max interval %s", m.Spawns, m.AverageInterval, m.MaxInterval)
}

// Registry holds the developer nodes, at most one per story.
type Registry struct {
	sink    events.Sink
	logger  *logging.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	nodes      map[string]*model.DeveloperSwarmNode
	storyToDev map[string]string
	spawnTimes []time.Time
}

func NewRegistry(sink events.Sink, logger *logging.Logger) *Registry {
	if sink == nil {
		sink = events.Discard
	}
	return &Registry{
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		nodes:      make(map[string]*model.DeveloperSwarmNode),
		storyToDev: make(map[string]string),
	}
}

func (r *Registry) SetEventBus(bus *events.Bus) { r.bus = bus }

func (r *Registry) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// AddDeveloperNode registers an IDLE node for story and returns its id. A story
// that already has a node keeps it and gets the existing id back.
func (r *Registry) AddDeveloperNode(story model.StoryMetadata) string {
	id, _ := r.add(story)
	return id
}

func (r *Registry) add(story model.StoryMetadata) (string, bool) {
	r.mu.Lock()
	if id, ok := r.storyToDev[story.ID]; ok {
		r.mu.Unlock()
		r.logger.Debugf("story %s already has node %s, skipping spawn", story.ID, id)
		return id, false
	}

	// ids embed the story id, and a story has at most one live node
	now := r.now()
	id := model.NodeID(story.ID, now)
	node := &model.DeveloperSwarmNode{
		ID:        id,
		StoryID:   story.ID,
		State:     model.NodeIdle,
		TaskCount: story.TaskCount,
		SpawnedAt: now,
	}
	r.nodes[id] = node
	r.storyToDev[story.ID] = id
	r.spawnTimes = append(r.spawnTimes, now)
	active := len(r.nodes)
	r.mu.Unlock()

	r.logger.Infof("spawned node %s for story %s", id, story.ID)
	r.metrics.NodeSpawned(active)
	r.bus.Publish(events.EventNodeSpawned, map[string]any{
		"node_id":  id,
		"story_id": story.ID,
	})
	return id, true
}

// UpdateDeveloperNodeState merges upd into the node of storyID and returns the
// updated copy. Progress is clamped to 0..100 and never decreases unless
// upd.ResetProgress is set. AssignedAt and CompletedAt are stamped once.
func (r *Registry) UpdateDeveloperNodeState(storyID string, upd model.NodeUpdate) (model.DeveloperSwarmNode, bool) {
	r.mu.Lock()
	id, ok := r.storyToDev[storyID]
	if !ok {
		r.mu.Unlock()
		return model.DeveloperSwarmNode{}, false
	}
	node := r.nodes[id]
	now := r.now()

	if upd.State != nil {
		if upd.State.IsValid() {
			node.State = *upd.State
			if node.State != model.NodeIdle && node.AssignedAt == nil {
				node.AssignedAt = &now
			}
			if node.State == model.NodeDone && node.CompletedAt == nil {
				node.CompletedAt = &now
			}
		} else {
			r.logger.Warnf("ignoring invalid state %q for node %s", *upd.State, id)
		}
	}
	if upd.ResetProgress {
		node.Progress = 0
	}
	if upd.Progress != nil {
		if p := clamp(*upd.Progress, 0, 100); p > node.Progress || upd.ResetProgress {
			node.Progress = p
		}
	}
	if upd.CompletedTasks != nil {
		node.CompletedTasks = max(*upd.CompletedTasks, 0)
	}
	out := copyNode(node)
	r.mu.Unlock()

	r.bus.Publish(events.EventNodeUpdated, map[string]any{
		"node_id":  out.ID,
		"story_id": out.StoryID,
		"state":    string(out.State),
		"progress": out.Progress,
	})
	return out, true
}

// RemoveDeveloperNode deletes the node of storyID. It reports false when the
// story has no node.
func (r *Registry) RemoveDeveloperNode(storyID string) bool {
	r.mu.Lock()
	id, ok := r.storyToDev[storyID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.storyToDev, storyID)
	delete(r.nodes, id)
	active := len(r.nodes)
	r.mu.Unlock()

	r.logger.Infof("removed node %s for story %s", id, storyID)
	r.metrics.SetActiveNodes(active)
	r.bus.Publish(events.EventNodeRemoved, map[string]any{
		"node_id":  id,
		"story_id": storyID,
	})
	return true
}

// SpawnDeveloperNodesFromStories adds a node for every story not yet mapped
// and returns only the newly created ids, in input order.
func (r *Registry) SpawnDeveloperNodesFromStories(stories []model.StoryMetadata) []string {
	start := r.now()
	spawned := []string{}
	for _, s := range stories {
		if id, created := r.add(s); created {
			spawned = append(spawned, id)
		}
	}
	elapsed := r.now().Sub(start)
	if elapsed > SpawnTarget {
		r.logger.Warnf("spawned %d nodes in %s, over the %s target", len(spawned), elapsed, SpawnTarget)
	}
	if len(spawned) > 0 {
		r.sink.Append(fmt.Sprintf("Spawned %d developer nodes in %s", len(spawned), elapsed.Round(time.Millisecond)), model.LogSuccess)
	}
	return spawned
}

// GetSpawnMetrics reports interval statistics over every spawn recorded so far.
func (r *Registry) GetSpawnMetrics() SpawnMetrics {
	r.mu.RLock()
	times := append([]time.Time(nil), r.spawnTimes...)
	r.mu.RUnlock()

	m := SpawnMetrics{Spawns: len(times)}
	if len(times) < 2 {
		return m
	}
	var total time.Duration
	for i := 1; i < len(times); i++ {
		d := times[i].Sub(times[i-1])
		total += d
		m.MaxInterval = max(m.MaxInterval, d)
	}
	m.Available = true
	m.AverageInterval = total / time.Duration(len(times)-1)
	return m
}

// Get returns a copy of the node of storyID.
func (r *Registry) Get(storyID string) (model.DeveloperSwarmNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.storyToDev[storyID]
	if !ok {
		return model.DeveloperSwarmNode{}, false
	}
	return copyNode(r.nodes[id]), true
}

// NodeIDFor returns the node id mapped to storyID.
func (r *Registry) NodeIDFor(storyID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.storyToDev[storyID]
	return id, ok
}

// Nodes returns copies of every node ordered by spawn time, then id.
func (r *Registry) Nodes() []model.DeveloperSwarmNode {
	r.mu.RLock()
	out := make([]model.DeveloperSwarmNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, copyNode(n))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func copyNode(n *model.DeveloperSwarmNode) model.DeveloperSwarmNode {
	c := *n
	if n.AssignedAt != nil {
		t := *n.AssignedAt
		c.AssignedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
