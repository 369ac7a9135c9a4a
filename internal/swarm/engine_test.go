package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/story"
)

func storyContent(id string) string {
	return fmt.Sprintf("# Story %s: Feature\nStatus: ready-for-dev\n\n## Acceptance Criteria\n1. It works\n2.  It is tested\n\n## Tasks\n- [ ] code\n- [x] docs\n", id)
}

// seed stores n stories and returns their metadata in input order.
func seed(t *testing.T, ids ...string) (*artifact.MemStore, []model.StoryMetadata) {
	t.Helper()
	store := artifact.NewMemStore(nil)
	var stories []model.StoryMetadata
	for _, id := range ids {
		p := "docs/stories/" + id + ".md"
		require.NoError(t, store.Write(p, storyContent(id)))
		stories = append(stories, story.ParseStoryMetadata(storyContent(id), p))
	}
	return store, stories
}

// sleeper writes src/<story>.txt after d, honouring cancellation.
func sleeper(d time.Duration) agent.ExecutorFunc {
	return func(ctx context.Context, req agent.Request) (agent.Action, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return agent.Action{}, ctx.Err()
		}
		return agent.Action{
			Thought: "implementing " + req.Task.StoryID,
			Tool:    agent.FSWrite{Path: "src/" + req.Task.StoryID + ".txt", Content: req.Task.StoryTitle},
		}, nil
	}
}

func cfg(maxConc, retries, delayMs, timeoutMs int) model.SwarmExecutionConfig {
	c := model.DefaultSwarmExecutionConfig()
	c.MaxConcurrency = maxConc
	c.RetryAttempts = retries
	c.RetryDelayMs = delayMs
	c.TimeoutMs = timeoutMs
	return c
}

func assertParallelismLaw(t *testing.T, r model.SwarmExecutionResult) {
	t.Helper()
	if r.AverageSingleTaskTime == nil {
		assert.False(t, r.ParallelismVerified)
		return
	}
	assert.Equal(t, r.TotalDuration < 2*(*r.AverageSingleTaskTime), r.ParallelismVerified)
}

func TestParseStoryContext(t *testing.T) {
	store, stories := seed(t, "4.1")
	e := NewEngine(store, sleeper(0), model.LlmConfig{}, nil, logging.Discard())

	tc, err := e.ParseStoryContext(stories[0])
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tc.NodeID, "dev-4.1-"), tc.NodeID)
	assert.Equal(t, "4.1", tc.StoryID)
	assert.Equal(t, "docs/stories/4.1.md", tc.StoryPath)
	assert.Equal(t, "Story 4.1: Feature", tc.StoryTitle)
	assert.Equal(t, storyContent("4.1"), tc.StoryContent)
	assert.Equal(t, 2, tc.TaskCount)
	assert.Equal(t, []string{"It works", "It is tested"}, tc.AcceptanceCriteria)

	_, err = e.ParseStoryContext(model.StoryMetadata{ID: "gone", Path: "docs/stories/gone.md"})
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestExecuteSwarm_AllSucceed(t *testing.T) {
	store, stories := seed(t, "1.1", "1.2", "1.3")
	var mu sync.Mutex
	var reqs []agent.Request
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		return sleeper(0)(ctx, req)
	})
	reg := NewRegistry(nil, logging.Discard())
	rec := &events.Recorder{}
	e := NewEngine(store, exec, model.LlmConfig{Model: "m1"}, rec, logging.Discard())
	e.SetRegistry(reg)

	r := e.ExecuteSwarm(context.Background(), stories, cfg(5, 2, 1, 1000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.Equal(t, 3, r.SuccessCount)
	assert.Zero(t, r.FailureCount)
	assert.NotEmpty(t, r.ExecutionID)
	require.NotNil(t, r.AverageSingleTaskTime)
	assertParallelismLaw(t, r)
	require.Len(t, r.NodeResults, 3)
	for i, nr := range r.NodeResults {
		assert.Equal(t, stories[i].ID, nr.StoryID)
		assert.Equal(t, model.TaskSuccess, nr.Status)
		assert.Equal(t, []string{"src/" + stories[i].ID + ".txt"}, nr.FilesModified)
		assert.Equal(t, 2, nr.TasksCompleted)
		assert.Empty(t, nr.Error)
		assert.False(t, nr.EndTime.Before(nr.StartTime))
	}

	content, err := store.Read("src/1.2.txt")
	require.NoError(t, err)
	assert.Equal(t, "Story 1.2: Feature", content)

	require.Len(t, reqs, 3)
	for _, req := range reqs {
		assert.Equal(t, agent.RoleDeveloper, req.Role)
		assert.Equal(t, model.PhaseImplementation, req.Phase)
		assert.Equal(t, "m1", req.LLM.Model)
		assert.Equal(t, 1, req.Attempt)
		require.NotNil(t, req.Task)
	}

	assert.Equal(t, 3, reg.Len())
	for _, s := range stories {
		node, ok := reg.Get(s.ID)
		require.True(t, ok)
		assert.Equal(t, model.NodeDone, node.State)
		assert.Equal(t, 100, node.Progress)
		assert.Equal(t, 2, node.CompletedTasks)
		assert.NotNil(t, node.AssignedAt)
		assert.NotNil(t, node.CompletedAt)
	}
	assert.Len(t, rec.OfKind(model.LogCommand), 1)
	assert.Len(t, rec.OfKind(model.LogSuccess), 4) // three tasks and the summary
}

func TestExecuteSwarm_ConcurrentWallTime(t *testing.T) {
	store, stories := seed(t, "s1", "s2", "s3")
	e := NewEngine(store, sleeper(100*time.Millisecond), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(2, 0, 0, 5000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.Less(t, r.TotalDuration, 300*time.Millisecond)
	assertParallelismLaw(t, r)
}

func TestExecuteSwarm_ParallelismVerified(t *testing.T) {
	store, stories := seed(t, "s1", "s2", "s3")
	e := NewEngine(store, sleeper(100*time.Millisecond), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(3, 0, 0, 5000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.True(t, r.ParallelismVerified, "total %s avg %s", r.TotalDuration, *r.AverageSingleTaskTime)
	assertParallelismLaw(t, r)
}

func TestExecuteSwarm_PartialAfterRetriesExhausted(t *testing.T) {
	store, stories := seed(t, "ok1", "bad", "ok2")
	var badCalls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		if req.Task.StoryID == "bad" {
			badCalls.Add(1)
			return agent.Action{}, fmt.Errorf("attempt %d: model refused", req.Attempt)
		}
		return sleeper(0)(ctx, req)
	})
	reg := NewRegistry(nil, logging.Discard())
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())
	e.SetRegistry(reg)

	r := e.ExecuteSwarm(context.Background(), stories, cfg(5, 2, 1, 5000))

	assert.Equal(t, model.ExecutionPartial, r.Status)
	assert.Equal(t, 2, r.SuccessCount)
	assert.Equal(t, 1, r.FailureCount)
	assert.Equal(t, int32(3), badCalls.Load())

	bad := r.NodeResults[1]
	assert.Equal(t, "bad", bad.StoryID)
	assert.Equal(t, model.TaskError, bad.Status)
	assert.Contains(t, bad.Error, "exhausted 3 attempts")
	assert.Contains(t, bad.Error, "attempt 3: model refused")
	assert.Len(t, bad.Logs, 5) // three failures, two retry notices
	assert.Empty(t, bad.FilesModified)

	node, _ := reg.Get("bad")
	assert.Equal(t, model.NodeIdle, node.State)
	assert.Zero(t, node.Progress)
	assert.NotNil(t, node.AssignedAt)
	assert.Nil(t, node.CompletedAt)
}

func TestExecuteSwarm_RetryThenSucceed(t *testing.T) {
	store, stories := seed(t, "flaky")
	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		if calls.Add(1) == 1 {
			return agent.Action{}, errors.New("rate limited")
		}
		assert.Equal(t, 2, req.Attempt)
		return sleeper(0)(ctx, req)
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	start := time.Now()
	r := e.ExecuteSwarm(context.Background(), stories, cfg(1, 2, 30, 5000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, r.NodeResults[0].Logs[0], "attempt 1 failed: rate limited")
}

func TestExecuteSwarm_AllFail(t *testing.T) {
	store, stories := seed(t, "a", "b")
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{}, errors.New("down")
	})
	rec := &events.Recorder{}
	e := NewEngine(store, exec, model.LlmConfig{}, rec, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(2, 0, 0, 1000))

	assert.Equal(t, model.ExecutionFailed, r.Status)
	assert.Equal(t, 2, r.FailureCount)
	assertParallelismLaw(t, r)
	assert.Len(t, rec.OfKind(model.LogError), 3)
}

func TestExecuteSwarm_TimeoutAbandonsWithoutRetry(t *testing.T) {
	store, stories := seed(t, "slow", "fast")
	var slowCalls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		if req.Task.StoryID == "slow" {
			slowCalls.Add(1)
			time.Sleep(400 * time.Millisecond) // ignores ctx
			return agent.Action{Tool: agent.FSWrite{Path: "late.txt", Content: "late"}}, nil
		}
		return sleeper(0)(ctx, req)
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	start := time.Now()
	r := e.ExecuteSwarm(context.Background(), stories, cfg(2, 2, 1, 50))

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, model.ExecutionPartial, r.Status)
	slow := r.NodeResults[0]
	assert.Equal(t, model.TaskError, slow.Status)
	assert.Equal(t, ErrTaskTimeout.Error(), slow.Error)
	assert.Equal(t, int32(1), slowCalls.Load())
	assert.Equal(t, model.TaskSuccess, r.NodeResults[1].Status)

	time.Sleep(450 * time.Millisecond)
	_, err := store.Read("late.txt")
	assert.ErrorIs(t, err, artifact.ErrNotFound, "abandoned attempt must not write")
}

func TestExecuteSwarm_ConcurrencyBound(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}
	store, stories := seed(t, ids...)
	var inFlight, peak atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return sleeper(20*time.Millisecond)(ctx, req)
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(3, 0, 0, 5000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(2))
}

func TestExecuteSwarm_PreservesInputOrder(t *testing.T) {
	store, stories := seed(t, "first", "second", "third", "fourth")
	delays := map[string]time.Duration{"first": 80 * time.Millisecond, "second": 40 * time.Millisecond, "third": 0, "fourth": 20 * time.Millisecond}
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		return sleeper(delays[req.Task.StoryID])(ctx, req)
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(4, 0, 0, 5000))

	require.Len(t, r.NodeResults, 4)
	for i, s := range stories {
		assert.Equal(t, s.ID, r.NodeResults[i].StoryID)
	}
}

func TestExecuteSwarm_WaitsForLockedPath(t *testing.T) {
	store, stories := seed(t, "a")
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.FSWrite{Path: "./src/shared.go", Content: "package src"}}, nil
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	release, err := e.Locks().Acquire(context.Background(), "src/shared.go")
	require.NoError(t, err)
	time.AfterFunc(80*time.Millisecond, release)

	r := e.ExecuteSwarm(context.Background(), stories, cfg(1, 0, 0, 2000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.GreaterOrEqual(t, r.NodeResults[0].Duration, 70*time.Millisecond)
	assert.Equal(t, []string{"src/shared.go"}, r.NodeResults[0].FilesModified)
	assert.Contains(t, r.NodeResults[0].Logs, "waiting for lock on src/shared.go")
	assert.False(t, e.Locks().Held("src/shared.go"))
}

func TestExecuteSwarm_LockHeldPastTimeout(t *testing.T) {
	store, stories := seed(t, "a")
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.FSWrite{Path: "src/shared.go", Content: "x"}}, nil
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	release, err := e.Locks().Acquire(context.Background(), "src/shared.go")
	require.NoError(t, err)
	defer release()

	r := e.ExecuteSwarm(context.Background(), stories, cfg(1, 3, 1, 60))

	assert.Equal(t, model.ExecutionFailed, r.Status)
	assert.Equal(t, "timeout", r.NodeResults[0].Error)
	_, err = store.Read("src/shared.go")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestExecuteSwarm_FileLocksDisabled(t *testing.T) {
	store, stories := seed(t, "a")
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.FSWrite{Path: "src/shared.go", Content: "x"}}, nil
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())
	release, err := e.Locks().Acquire(context.Background(), "src/shared.go")
	require.NoError(t, err)
	defer release()

	c := cfg(1, 0, 0, 1000)
	off := false
	c.CheckFileLocks = &off
	r := e.ExecuteSwarm(context.Background(), stories, c)

	assert.Equal(t, model.ExecutionCompleted, r.Status)
}

func TestExecuteSwarm_SiblingsShareOnePath(t *testing.T) {
	store, stories := seed(t, "a", "b", "c")
	var writing, overlap atomic.Int32
	inner := artifact.Store(store)
	guarded := &writeObserver{Store: inner, before: func() {
		if writing.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
	}, after: func() { writing.Add(-1) }}
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.FSWrite{Path: "go.mod", Content: "module x"}}, nil
	})
	e := NewEngine(guarded, exec, model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(3, 0, 0, 2000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.Zero(t, overlap.Load())
}

type writeObserver struct {
	artifact.Store
	before, after func()
}

func (w *writeObserver) Write(p, content string) error {
	w.before()
	defer w.after()
	return w.Store.Write(p, content)
}

func TestExecuteSwarm_SlowWriteTimesOut(t *testing.T) {
	store, stories := seed(t, "a")
	slow := &writeObserver{Store: store, before: func() { time.Sleep(200 * time.Millisecond) }, after: func() {}}
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.FSWrite{Path: "src/a.txt", Content: "a"}}, nil
	})
	e := NewEngine(slow, exec, model.LlmConfig{}, nil, logging.Discard())

	start := time.Now()
	r := e.ExecuteSwarm(context.Background(), stories, cfg(1, 2, 0, 20))

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, model.ExecutionFailed, r.Status)
	res := r.NodeResults[0]
	assert.Equal(t, model.TaskError, res.Status)
	assert.Equal(t, ErrTaskTimeout.Error(), res.Error)
	assert.Empty(t, res.FilesModified)
	assert.Less(t, res.Duration, 150*time.Millisecond)
}

func TestExecuteSwarm_MissingStoryIsIsolated(t *testing.T) {
	store, stories := seed(t, "a", "b")
	stories = append(stories, model.StoryMetadata{ID: "ghost", Path: "docs/stories/ghost.md"})
	e := NewEngine(store, sleeper(0), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(3, 2, 1, 1000))

	assert.Equal(t, model.ExecutionPartial, r.Status)
	assert.Equal(t, "ghost", r.NodeResults[2].StoryID)
	assert.Contains(t, r.NodeResults[2].Error, "not found")
}

func TestExecuteSwarm_PassthroughSucceedsWithoutFiles(t *testing.T) {
	store, stories := seed(t, "a")
	exec := agent.ExecutorFunc(func(context.Context, agent.Request) (agent.Action, error) {
		return agent.Action{Tool: agent.Passthrough{Name: "run_tests", Parameters: map[string]any{"pkg": "./..."}}}, nil
	})
	e := NewEngine(store, exec, model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), stories, cfg(1, 0, 0, 1000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.Empty(t, r.NodeResults[0].FilesModified)
	assert.Contains(t, r.NodeResults[0].Logs, `tool "run_tests" passed through`)
}

func TestExecuteSwarm_EmptyBatch(t *testing.T) {
	e := NewEngine(artifact.NewMemStore(nil), sleeper(0), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(context.Background(), nil, model.SwarmExecutionConfig{})

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	assert.NotNil(t, r.NodeResults)
	assert.Empty(t, r.NodeResults)
	assert.Nil(t, r.AverageSingleTaskTime)
	assert.False(t, r.ParallelismVerified)
}

func TestExecuteSwarm_CancelledContext(t *testing.T) {
	store, stories := seed(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(store, sleeper(time.Second), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteSwarm(ctx, stories, cfg(1, 2, 1, 5000))

	assert.Equal(t, model.ExecutionFailed, r.Status)
	require.Len(t, r.NodeResults, 3)
	for i, nr := range r.NodeResults {
		assert.Equal(t, stories[i].ID, nr.StoryID)
		assert.Equal(t, model.TaskError, nr.Status)
	}
}

func TestExecuteSwarm_ParallelismLawHolds(t *testing.T) {
	store, stories := seed(t, "a", "b", "c", "d")
	for _, k := range []int{1, 2, 4} {
		e := NewEngine(store, sleeper(15*time.Millisecond), model.LlmConfig{}, nil, logging.Discard())
		assertParallelismLaw(t, e.ExecuteSwarm(context.Background(), stories, cfg(k, 0, 0, 1000)))
	}
}

type failingList struct{ *artifact.MemStore }

func (failingList) List() (artifact.Snapshot, error) {
	return artifact.Snapshot{}, errors.New("permission denied")
}

func TestExecuteFromStore(t *testing.T) {
	store, _ := seed(t, "1.1", "1.2")
	require.NoError(t, store.Write("docs/stories/1.0.md", "# Done\nStatus: done"))
	require.NoError(t, store.Write("docs/prd.md", "# PRD"))
	e := NewEngine(store, sleeper(0), model.LlmConfig{}, nil, logging.Discard())

	r := e.ExecuteFromStore(context.Background(), cfg(2, 0, 0, 1000))

	assert.Equal(t, model.ExecutionCompleted, r.Status)
	require.Len(t, r.NodeResults, 2)
	assert.Equal(t, "1.1", r.NodeResults[0].StoryID)
	assert.Equal(t, "1.2", r.NodeResults[1].StoryID)
}

func TestExecuteFromStore_ListFailure(t *testing.T) {
	rec := &events.Recorder{}
	e := NewEngine(failingList{artifact.NewMemStore(nil)}, sleeper(0), model.LlmConfig{}, rec, logging.Discard())

	r := e.ExecuteFromStore(context.Background(), cfg(2, 0, 0, 1000))

	assert.Equal(t, model.ExecutionFailed, r.Status)
	assert.NotNil(t, r.NodeResults)
	assert.Empty(t, r.NodeResults)
	assert.Contains(t, r.Error, "permission denied")
	assert.Len(t, rec.OfKind(model.LogError), 1)
}
