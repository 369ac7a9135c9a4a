package swarm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/lock"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/metrics"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/story"
)

// ErrTaskTimeout marks a task abandoned after running past its timeout.
var ErrTaskTimeout = errors.New("timeout")

var criterionPrefix = regexp.MustCompile(`^\d+\.\s*`)

// Engine runs one developer task per story. Task failures never escape
// ExecuteSwarm; they are reported in the per-story results.
type Engine struct {
	store    artifact.Store
	executor agent.Executor
	llm      model.LlmConfig
	locks    *lock.PathLocks
	sink     events.Sink
	logger   *logging.Logger
	registry *Registry
	bus      *events.Bus
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(store artifact.Store, executor agent.Executor, llm model.LlmConfig, sink events.Sink, logger *logging.Logger) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		store:    store,
		executor: executor,
		llm:      llm,
		locks:    lock.NewPathLocks(),
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRegistry attaches the node registry that tracks task progress.
func (e *Engine) SetRegistry(r *Registry) { e.registry = r }

func (e *Engine) SetEventBus(bus *events.Bus) { e.bus = bus }

func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Locks exposes the path lock table shared by every batch of this engine.
func (e *Engine) Locks() *lock.PathLocks { return e.locks }

// ParseStoryContext reads the story and builds the context handed to its
// developer. Every call generates a fresh node id.
func (e *Engine) ParseStoryContext(s model.StoryMetadata) (model.DeveloperTaskContext, error) {
	content, err := e.store.Read(s.Path)
	if err != nil {
		return model.DeveloperTaskContext{}, fmt.Errorf("parse story context %s: %w", s.ID, err)
	}
	criteria := []string{}
	for _, line := range story.AcceptanceCriteria(content) {
		criteria = append(criteria, criterionPrefix.ReplaceAllString(line, ""))
	}
	return model.DeveloperTaskContext{
		NodeID:             model.NodeID(s.ID, e.now()),
		StoryID:            s.ID,
		StoryPath:          s.Path,
		StoryTitle:         s.Title,
		StoryContent:       content,
		TaskCount:          s.TaskCount,
		AcceptanceCriteria: criteria,
	}, nil
}

type taskInput struct {
	task model.DeveloperTaskContext
	err  error
}

// ExecuteSwarm runs one task per story with at most cfg.MaxConcurrency in
// flight. NodeResults[i] belongs to stories[i]. Cancelling ctx stops tasks
// that have not started and cuts running ones short; nothing is rolled back.
func (e *Engine) ExecuteSwarm(ctx context.Context, stories []model.StoryMetadata, cfg model.SwarmExecutionConfig) model.SwarmExecutionResult {
	cfg = cfg.WithDefaults()
	result := model.SwarmExecutionResult{
		ExecutionID: model.NewExecutionID(),
		StartTime:   e.now(),
		NodeResults: make([]model.DeveloperTaskResult, len(stories)),
	}
	e.logger.Infof("swarm %s: %d stories, max_concurrency=%d retries=%d timeout=%s",
		result.ExecutionID, len(stories), cfg.MaxConcurrency, cfg.RetryAttempts, cfg.Timeout())
	e.sink.Append(fmt.Sprintf("Swarm starting: %d stories, up to %d in parallel", len(stories), cfg.MaxConcurrency), model.LogCommand)

	if e.registry != nil {
		e.registry.SpawnDeveloperNodesFromStories(stories)
	}

	inputs := make([]taskInput, len(stories))
	for i, s := range stories {
		inputs[i].task, inputs[i].err = e.ParseStoryContext(s)
		if inputs[i].err != nil {
			inputs[i].task = model.DeveloperTaskContext{NodeID: model.NodeID(s.ID, e.now()), StoryID: s.ID, StoryPath: s.Path, StoryTitle: s.Title}
		}
	}

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	var wg sync.WaitGroup
	for i := range inputs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(inputs); j++ {
				result.NodeResults[j] = e.notStarted(inputs[j].task, err)
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			result.NodeResults[i] = e.runTask(ctx, inputs[i], cfg)
		}(i)
	}
	wg.Wait()

	e.aggregate(&result)
	e.metrics.SwarmSettled(result)
	e.bus.Publish(events.EventSwarmCompleted, map[string]any{
		"execution_id": result.ExecutionID,
		"status":       string(result.Status),
		"success":      result.SuccessCount,
		"failure":      result.FailureCount,
	})

	msg := fmt.Sprintf("Swarm %s: %d succeeded, %d failed in %s (parallelism verified: %t)",
		result.Status, result.SuccessCount, result.FailureCount, result.TotalDuration.Round(time.Millisecond), result.ParallelismVerified)
	if result.Status == model.ExecutionFailed && len(stories) > 0 {
		e.sink.Append(msg, model.LogError)
	} else {
		e.sink.Append(msg, model.LogSuccess)
	}
	return result
}

// ExecuteFromStore runs every story the store lists that is not yet done.
// A store that cannot be enumerated yields a failed result with no node results.
func (e *Engine) ExecuteFromStore(ctx context.Context, cfg model.SwarmExecutionConfig) model.SwarmExecutionResult {
	paths, err := artifact.ListStories(e.store)
	if err != nil {
		now := e.now()
		e.logger.Errorf("swarm precondition: %v", err)
		e.sink.Append(fmt.Sprintf("Swarm failed: %v", err), model.LogError)
		return model.SwarmExecutionResult{
			ExecutionID: model.NewExecutionID(),
			Status:      model.ExecutionFailed,
			StartTime:   now,
			EndTime:     now,
			NodeResults: []model.DeveloperTaskResult{},
			Error:       err.Error(),
		}
	}

	var stories []model.StoryMetadata
	for _, p := range paths {
		content, err := e.store.Read(p)
		if err != nil {
			e.logger.Warnf("skip story %s: %v", p, err)
			continue
		}
		stories = append(stories, story.ParseStoryMetadata(content, p))
	}
	return e.ExecuteSwarm(ctx, story.Outstanding(stories), cfg)
}

func (e *Engine) notStarted(task model.DeveloperTaskContext, err error) model.DeveloperTaskResult {
	now := e.now()
	return model.DeveloperTaskResult{
		NodeID:        task.NodeID,
		StoryID:       task.StoryID,
		Status:        model.TaskError,
		StartTime:     now,
		EndTime:       now,
		FilesModified: []string{},
		Error:         fmt.Sprintf("not started: %v", err),
		Logs:          []string{},
	}
}

func (e *Engine) runTask(ctx context.Context, in taskInput, cfg model.SwarmExecutionConfig) model.DeveloperTaskResult {
	task := in.task
	res := model.DeveloperTaskResult{
		NodeID:        task.NodeID,
		StoryID:       task.StoryID,
		StartTime:     e.now(),
		FilesModified: []string{},
		Logs:          []string{},
	}
	logf := func(format string, args ...any) {
		res.Logs = append(res.Logs, fmt.Sprintf(format, args...))
	}

	e.bus.Publish(events.EventTaskStarted, map[string]any{"node_id": task.NodeID, "story_id": task.StoryID})
	e.updateNode(task.StoryID, model.NodeUpdate{State: model.StatePtr(model.NodeThinking)})

	err := in.err
	if err == nil {
		taskCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		err = e.attempts(taskCtx, task, cfg, &res, logf)
		cancel()
	}

	res.EndTime = e.now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	if err != nil {
		res.Status = model.TaskError
		res.Error = err.Error()
		e.logger.Warnf("task %s failed: %v", task.NodeID, err)
		e.sink.Append(fmt.Sprintf("Developer %s failed: %v", task.StoryID, err), model.LogError)
		e.updateNode(task.StoryID, model.NodeUpdate{State: model.StatePtr(model.NodeIdle), Progress: model.IntPtr(0), ResetProgress: true})
	} else {
		res.Status = model.TaskSuccess
		res.TasksCompleted = task.TaskCount
		e.sink.Append(fmt.Sprintf("Developer %s finished story %s", task.NodeID, task.StoryID), model.LogSuccess)
		e.updateNode(task.StoryID, model.NodeUpdate{
			State:          model.StatePtr(model.NodeDone),
			Progress:       model.IntPtr(100),
			CompletedTasks: model.IntPtr(task.TaskCount),
		})
	}

	e.metrics.TaskSettled(res)
	e.bus.Publish(events.EventTaskCompleted, map[string]any{
		"node_id":  task.NodeID,
		"story_id": task.StoryID,
		"status":   string(res.Status),
	})
	return res
}

// attempts runs the executor up to 1+RetryAttempts times with a fixed delay.
// A timeout ends the task without further retries.
func (e *Engine) attempts(ctx context.Context, task model.DeveloperTaskContext, cfg model.SwarmExecutionConfig, res *model.DeveloperTaskResult, logf func(string, ...any)) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts+1; attempt++ {
		if attempt > 1 {
			e.metrics.TaskRetried()
			logf("retrying in %s (attempt %d/%d)", cfg.RetryDelay(), attempt, cfg.RetryAttempts+1)
			if err := sleep(ctx, cfg.RetryDelay()); err != nil {
				return e.cutShort(ctx, err)
			}
		}

		files, err := e.attempt(ctx, task, cfg, attempt, logf)
		if err == nil {
			res.FilesModified = files
			return nil
		}
		if ctx.Err() != nil {
			logf("attempt %d abandoned: %v", attempt, err)
			return e.cutShort(ctx, err)
		}
		logf("attempt %d failed: %v", attempt, err)
		lastErr = err
	}
	return fmt.Errorf("exhausted %d attempts: %w", cfg.RetryAttempts+1, lastErr)
}

func (e *Engine) attempt(ctx context.Context, task model.DeveloperTaskContext, cfg model.SwarmExecutionConfig, attempt int, logf func(string, ...any)) ([]string, error) {
	req := agent.Request{
		Role:    agent.RoleDeveloper,
		Phase:   model.PhaseImplementation,
		Task:    &task,
		LLM:     e.llm,
		Attempt: attempt,
	}
	action, err := e.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if action.Thought != "" {
		logf("thought: %s", action.Thought)
	}

	w, ok := action.Write()
	if !ok {
		logf("tool %q passed through", action.ToolName())
		return []string{}, nil
	}

	e.updateNode(task.StoryID, model.NodeUpdate{State: model.StatePtr(model.NodeWorking), Progress: model.IntPtr(50)})
	target := artifact.Clean(w.Path)
	release := func() {}
	if cfg.FileLocksEnabled() {
		r, ok := e.locks.TryAcquire(target)
		if !ok {
			logf("waiting for lock on %s", target)
			waitStart := time.Now()
			var err error
			r, err = e.locks.Acquire(ctx, target)
			e.metrics.LockWaited(time.Since(waitStart))
			if err != nil {
				return nil, fmt.Errorf("write %s: %w", target, err)
			}
		}
		release = r
	}
	if err := e.write(ctx, target, w.Content, release); err != nil {
		return nil, fmt.Errorf("write %s: %w", target, err)
	}
	logf("wrote %s", target)
	return []string{target}, nil
}

// write races the store write against ctx. The path lock is released only
// once the write itself returns, so an abandoned write still excludes
// siblings from the same path.
func (e *Engine) write(ctx context.Context, target, content string, release func()) error {
	done := make(chan error, 1)
	go func() {
		defer release()
		done <- e.store.Write(target, content)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute races the executor against ctx. An executor that ignores ctx is
// abandoned; its late result is dropped.
func (e *Engine) execute(ctx context.Context, req agent.Request) (agent.Action, error) {
	type outcome struct {
		action agent.Action
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		action, err := e.executor.Execute(ctx, req)
		done <- outcome{action, err}
	}()

	select {
	case out := <-done:
		return out.action, out.err
	case <-ctx.Done():
		return agent.Action{}, ctx.Err()
	}
}

// cutShort maps a context failure to the error recorded on the task.
func (e *Engine) cutShort(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTaskTimeout
	}
	if ctx.Err() != nil {
		return fmt.Errorf("cancelled: %w", ctx.Err())
	}
	return cause
}

func (e *Engine) updateNode(storyID string, upd model.NodeUpdate) {
	if e.registry == nil {
		return
	}
	e.registry.UpdateDeveloperNodeState(storyID, upd)
}

func (e *Engine) aggregate(r *model.SwarmExecutionResult) {
	r.EndTime = e.now()
	r.TotalDuration = r.EndTime.Sub(r.StartTime)

	var total time.Duration
	for _, nr := range r.NodeResults {
		if nr.Status == model.TaskSuccess {
			r.SuccessCount++
		} else {
			r.FailureCount++
		}
		total += nr.Duration
	}

	switch {
	case r.FailureCount == 0:
		r.Status = model.ExecutionCompleted
	case r.SuccessCount == 0:
		r.Status = model.ExecutionFailed
	default:
		r.Status = model.ExecutionPartial
	}

	if n := len(r.NodeResults); n > 0 {
		avg := total / time.Duration(n)
		r.AverageSingleTaskTime = &avg
		r.ParallelismVerified = r.TotalDuration < 2*avg
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
