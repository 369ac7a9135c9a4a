package phase

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
)

// Director reacts to phase changes by running the agent bound to the new
// phase once. It keeps no state beyond the last phase it resolved, so it can
// be ticked repeatedly with stale snapshots.
type Director struct {
	store    artifact.Store
	executor agent.Executor
	llm      model.LlmConfig
	sink     events.Sink
	logger   *logging.Logger
	bus      *events.Bus
	group    singleflight.Group

	mu       sync.Mutex
	previous model.Phase
}

// NewDirector returns a Director starting from the idle phase.
func NewDirector(store artifact.Store, executor agent.Executor, llm model.LlmConfig, sink events.Sink, logger *logging.Logger) *Director {
	if sink == nil {
		sink = events.Discard
	}
	return &Director{
		store:    store,
		executor: executor,
		llm:      llm,
		sink:     sink,
		logger:   logger,
		previous: model.PhaseIdle,
	}
}

// SetEventBus sets the bus that receives phase_changed events.
func (d *Director) SetEventBus(bus *events.Bus) {
	d.bus = bus
}

// Current returns the last phase the director resolved.
func (d *Director) Current() model.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous
}

// Tick computes the phase for snap and, when it differs from the last
// resolved phase, drives it. The computed phase is returned either way.
// A failed drive leaves the previous phase in place so the next Tick retries.
func (d *Director) Tick(ctx context.Context, snap artifact.Snapshot) model.Phase {
	computed := ComputePhase(snap)
	if d.Current() == computed {
		return computed
	}

	// concurrent ticks for the same phase share one agent run
	_, _, _ = d.group.Do(string(computed), func() (any, error) {
		if d.Current() == computed {
			return nil, nil
		}
		if err := d.drive(ctx, computed, snap); err != nil {
			d.logger.Warnf("phase %s unresolved: %v", computed, err)
			d.sink.Append(fmt.Sprintf("%s phase failed: %v", computed, err), model.LogError)
			return nil, err
		}
		d.advance(computed)
		return nil, nil
	})
	return computed
}

func (d *Director) drive(ctx context.Context, p model.Phase, snap artifact.Snapshot) error {
	role, ok := RoleFor(p)
	if !ok {
		d.sink.Append(fmt.Sprintf("Entering %s phase", p), model.LogInfo)
		return nil
	}

	req := agent.Request{
		Role:       role,
		Phase:      p,
		OutputPath: OutputPath(p, snap),
		LLM:        d.llm,
		Attempt:    1,
	}
	for _, name := range RequiredInputs(p) {
		found, ok := snap.FindBase(name)
		if !ok {
			return fmt.Errorf("locate input %s: %w", name, artifact.ErrNotFound)
		}
		content, err := d.store.Read(found)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		req.Inputs = append(req.Inputs, agent.Input{Path: found, Content: content})
	}

	d.sink.Append(fmt.Sprintf("Starting %s phase with %s", p, role), model.LogCommand)
	action, err := d.executor.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("run %s: %w", role, err)
	}
	if action.Thought != "" {
		d.sink.Append(fmt.Sprintf("%s: %s", role, action.Thought), model.LogInfo)
	}

	w, ok := action.Write()
	if !ok {
		d.logger.Infof("%s returned tool %q, passed through", role, action.ToolName())
		d.sink.Append(fmt.Sprintf("%s returned %q without writing an artifact", role, action.ToolName()), model.LogInfo)
		return nil
	}
	if err := d.store.Write(w.Path, w.Content); err != nil {
		return fmt.Errorf("write %s: %w", w.Path, err)
	}
	d.sink.Append(fmt.Sprintf("%s wrote %s", role, artifact.Clean(w.Path)), model.LogSuccess)
	return nil
}

func (d *Director) advance(p model.Phase) {
	d.mu.Lock()
	from := d.previous
	d.previous = p
	d.mu.Unlock()

	d.logger.Infof("phase %s -> %s", from, p)
	d.bus.Publish(events.EventPhaseChanged, map[string]any{
		"from": string(from),
		"to":   string(p),
	})
}
