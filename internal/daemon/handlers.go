package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/uds"
)

// Status is the payload of the status command.
type Status struct {
	PID          int                         `json:"pid"`
	Root         string                      `json:"root"`
	Phase        model.Phase                 `json:"phase"`
	Stories      int                         `json:"stories"`
	Pending      int                         `json:"pending"`
	Nodes        int                         `json:"nodes"`
	SpawnMetrics string                      `json:"spawn_metrics"`
	Swarming     bool                        `json:"swarming"`
	LastSwarm    *model.SwarmExecutionResult `json:"last_swarm,omitempty"`
}

// SwarmParams overrides the configured swarm settings for one run.
type SwarmParams struct {
	MaxConcurrency int   `json:"max_concurrency,omitempty"`
	RetryAttempts  *int  `json:"retry_attempts,omitempty"`
	RetryDelayMs   *int  `json:"retry_delay_ms,omitempty"`
	TimeoutMs      int   `json:"timeout_ms,omitempty"`
	CheckFileLocks *bool `json:"check_file_locks,omitempty"`
}

// Apply returns base with every set field of p substituted.
func (p SwarmParams) Apply(base model.SwarmExecutionConfig) model.SwarmExecutionConfig {
	if p.MaxConcurrency > 0 {
		base.MaxConcurrency = p.MaxConcurrency
	}
	if p.RetryAttempts != nil {
		base.RetryAttempts = *p.RetryAttempts
	}
	if p.RetryDelayMs != nil {
		base.RetryDelayMs = *p.RetryDelayMs
	}
	if p.TimeoutMs > 0 {
		base.TimeoutMs = p.TimeoutMs
	}
	if p.CheckFileLocks != nil {
		base.CheckFileLocks = p.CheckFileLocks
	}
	return base
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(uds.CmdStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})
	d.server.Handle(uds.CmdPhase, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]model.Phase{"phase": d.director.Current()})
	})
	d.server.Handle(uds.CmdNodes, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.registry.Nodes())
	})
	d.server.Handle(uds.CmdStories, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.stories.Stories())
	})
	d.server.Handle(uds.CmdSwarm, d.handleSwarm)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSwarm(_ context.Context, req *uds.Request) *uds.Response {
	var params SwarmParams
	if err := req.Decode(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	cfg := params.Apply(d.config.Swarm)
	if cfg.MaxConcurrency < 1 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "max_concurrency must be >= 1")
	}

	n, err := d.StartSwarm(cfg)
	switch {
	case errors.Is(err, ErrSwarmRunning):
		return uds.ErrorResponse(uds.ErrCodeBusy, err.Error())
	case errors.Is(err, ErrShuttingDown):
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"status": "started", "stories": n})
}

// Status reports the daemon's current view of the pipeline.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	last := d.lastResult
	d.mu.Unlock()

	return Status{
		PID:          os.Getpid(),
		Root:         d.store.Root(),
		Phase:        d.director.Current(),
		Stories:      d.stories.Len(),
		Pending:      len(d.stories.Pending()),
		Nodes:        d.registry.Len(),
		SpawnMetrics: d.registry.GetSpawnMetrics().String(),
		Swarming:     d.swarming.Load(),
		LastSwarm:    last,
	}
}
