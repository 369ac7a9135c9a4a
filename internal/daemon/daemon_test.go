package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/setup"
	"github.com/msageha/devswarm/internal/uds"
)

const pendingStory = "# Story 1.1: Login\nStatus: pending\n\n## Acceptance Criteria\n1. Users can log in\n\n## Tasks\n- [ ] form\n"

// fakeAgent writes the requested phase artifact, or src/<story>.txt for developers.
func fakeAgent() agent.ExecutorFunc {
	return func(ctx context.Context, req agent.Request) (agent.Action, error) {
		if req.Task != nil {
			return agent.Action{
				Thought: "implement",
				Tool:    agent.FSWrite{Path: "src/" + req.Task.StoryID + ".txt", Content: req.Task.StoryTitle},
			}, nil
		}
		return agent.Action{
			Thought: "draft",
			Tool:    agent.FSWrite{Path: req.OutputPath, Content: "# " + string(req.Role) + "\n"},
		}, nil
	}
}

// newTestDaemon initializes a project under /tmp (short socket paths) holding files.
func newTestDaemon(t *testing.T, files map[string]string, exec agent.Executor, mutate func(*model.Config)) (*Daemon, string) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "dsd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	require.NoError(t, setup.Run(dir, "test"))
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}

	stateDir := filepath.Join(dir, setup.StateDir)
	cfg, err := setup.LoadConfig(stateDir)
	require.NoError(t, err)
	cfg.Swarm.RetryDelayMs = 0
	cfg.Swarm.TimeoutMs = 5000
	cfg.Daemon.ShutdownTimeoutSec = 5
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := newDaemon(stateDir, cfg, exec, io.Discard, nil)
	require.NoError(t, err)
	return d, dir
}

// start runs d in the background and returns a client once the socket answers.
func start(t *testing.T, d *Daemon) *uds.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	client := uds.NewClient(filepath.Join(d.stateDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		return client.Ping() == nil
	}, 5*time.Second, 20*time.Millisecond)
	return client
}

func implementationProject() map[string]string {
	return map[string]string{
		"docs/prd.md":             "# PRD\n",
		"docs/architecture.md":    "# Architecture\n",
		"docs/stories/1.1.md":     pendingStory,
		"docs/stories/archive.md": "# Old\nStatus: done\n",
	}
}

func TestDaemon_ReportsPhaseStoriesAndNodes(t *testing.T) {
	d, _ := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	client := start(t, d)

	require.Eventually(t, func() bool {
		var ph map[string]model.Phase
		return client.Call(uds.CmdPhase, nil, &ph) == nil && ph["phase"] == model.PhaseImplementation
	}, 5*time.Second, 20*time.Millisecond)

	var stories []model.StoryMetadata
	require.NoError(t, client.Call(uds.CmdStories, nil, &stories))
	require.Len(t, stories, 2)
	assert.Equal(t, "1.1", stories[0].ID)

	var nodes []model.DeveloperSwarmNode
	require.NoError(t, client.Call(uds.CmdNodes, nil, &nodes))
	require.Len(t, nodes, 1, "only the pending story gets a node")
	assert.Equal(t, "1.1", nodes[0].StoryID)

	var st Status
	require.NoError(t, client.Call(uds.CmdStatus, nil, &st))
	assert.Equal(t, 2, st.Stories)
	assert.Equal(t, 1, st.Pending)
	assert.False(t, st.Swarming)
}

func TestDaemon_DirectorWritesBriefOnStart(t *testing.T) {
	d, dir := newTestDaemon(t, nil, fakeAgent(), nil)
	start(t, d)

	brief := filepath.Join(dir, "docs", "project_brief.md")
	require.Eventually(t, func() bool {
		_, err := os.Stat(brief)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	data, err := os.ReadFile(brief)
	require.NoError(t, err)
	assert.Contains(t, string(data), "analyst")
}

func TestDaemon_SwarmOverSocket(t *testing.T) {
	d, dir := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	client := start(t, d)

	var started map[string]any
	require.NoError(t, client.Call(uds.CmdSwarm, SwarmParams{MaxConcurrency: 2}, &started))
	assert.Equal(t, "started", started["status"])
	assert.EqualValues(t, 1, started["stories"])

	var st Status
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdStatus, nil, &st) == nil && st.LastSwarm != nil && !st.Swarming
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.ExecutionCompleted, st.LastSwarm.Status)

	data, err := os.ReadFile(filepath.Join(dir, "src", "1.1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Story 1.1: Login", string(data))

	recent, err := d.history.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, st.LastSwarm.ExecutionID, recent[0].ExecutionID)
}

func TestDaemon_SwarmIncludesInProgressStories(t *testing.T) {
	files := implementationProject()
	files["docs/stories/1.0.md"] = "# Story 1.0: Signup\nStatus: in-progress\n"
	d, dir := newTestDaemon(t, files, fakeAgent(), nil)
	client := start(t, d)

	var started map[string]any
	require.NoError(t, client.Call(uds.CmdSwarm, nil, &started))
	assert.EqualValues(t, 2, started["stories"])

	require.Eventually(t, func() bool {
		var st Status
		return client.Call(uds.CmdStatus, nil, &st) == nil && st.LastSwarm != nil && !st.Swarming
	}, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, "src", "1.0.txt"))
	assert.FileExists(t, filepath.Join(dir, "src", "1.1.txt"))
}

func TestDaemon_SwarmBusy(t *testing.T) {
	release := make(chan struct{})
	blocking := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Action, error) {
		if req.Task == nil {
			return fakeAgent()(ctx, req)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return agent.Action{}, ctx.Err()
		}
		return fakeAgent()(ctx, req)
	})
	d, _ := newTestDaemon(t, implementationProject(), blocking, nil)
	client := start(t, d)
	defer close(release)

	require.NoError(t, client.Call(uds.CmdSwarm, nil, nil))

	err := client.Call(uds.CmdSwarm, nil, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeBusy, detail.Code)
}

func TestDaemon_SwarmRejectsBadParams(t *testing.T) {
	d, _ := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	client := start(t, d)

	req := &uds.Request{ProtocolVersion: uds.ProtocolVersion, Command: uds.CmdSwarm, Params: []byte(`{"max_concurrency":"x"}`)}
	resp, err := client.Send(req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestDaemon_AutoSwarmOnEnteringImplementation(t *testing.T) {
	d, dir := newTestDaemon(t, implementationProject(), fakeAgent(), func(c *model.Config) {
		c.Watcher.AutoSwarm = true
	})
	client := start(t, d)

	var st Status
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdStatus, nil, &st) == nil && st.LastSwarm != nil && !st.Swarming
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, st.LastSwarm.SuccessCount)
	assert.FileExists(t, filepath.Join(dir, "src", "1.1.txt"))

	// staying in implementation does not start another run
	first := st.LastSwarm.ExecutionID
	d.tick()
	require.NoError(t, client.Call(uds.CmdStatus, nil, &st))
	assert.False(t, st.Swarming)
	assert.Equal(t, first, st.LastSwarm.ExecutionID)
}

func TestDaemon_IndexesNewStories(t *testing.T) {
	d, dir := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	client := start(t, d)

	path := filepath.Join(dir, "docs", "stories", "1.2.md")
	require.NoError(t, os.WriteFile(path, []byte("# Story 1.2: Logout\n"), 0644))

	require.Eventually(t, func() bool {
		var nodes []model.DeveloperSwarmNode
		return client.Call(uds.CmdNodes, nil, &nodes) == nil && len(nodes) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		var nodes []model.DeveloperSwarmNode
		return client.Call(uds.CmdNodes, nil, &nodes) == nil && len(nodes) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_IndexesStoryWrittenDuringStartup(t *testing.T) {
	d, dir := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	path := filepath.Join(dir, "docs", "stories", "1.3.md")
	d.afterLoad = func() {
		require.NoError(t, os.WriteFile(path, []byte("# Story 1.3: Reset\nStatus: pending\n"), 0644))
	}
	client := start(t, d)

	require.Eventually(t, func() bool {
		var stories []model.StoryMetadata
		return client.Call(uds.CmdStories, nil, &stories) == nil && len(stories) == 3
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		var nodes []model.DeveloperSwarmNode
		return client.Call(uds.CmdNodes, nil, &nodes) == nil && len(nodes) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	d, dir := newTestDaemon(t, implementationProject(), fakeAgent(), nil)
	client := start(t, d)

	cfg, err := setup.LoadConfig(filepath.Join(dir, setup.StateDir))
	require.NoError(t, err)
	cfg.History.Enabled = false
	second, err := newDaemon(d.stateDir, cfg, fakeAgent(), io.Discard, nil)
	require.NoError(t, err)

	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")

	// the running daemon keeps its socket
	assert.NoError(t, client.Call(uds.CmdPing, nil, nil))
}

func TestDaemon_ShutdownOverSocket(t *testing.T) {
	d, _ := newTestDaemon(t, nil, fakeAgent(), nil)
	client := start(t, d)

	require.NoError(t, client.Call(uds.CmdShutdown, nil, nil))
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not begin shutdown")
	}
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdPing, nil, nil) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_ShutdownIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t, nil, fakeAgent(), nil)
	d.Shutdown()
	d.Shutdown()

	_, err := d.StartSwarm(d.config.Swarm)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSwarmParams_Apply(t *testing.T) {
	base := model.DefaultSwarmExecutionConfig()

	got := SwarmParams{}.Apply(base)
	assert.Equal(t, base, got)

	zero := 0
	off := false
	got = SwarmParams{MaxConcurrency: 3, RetryAttempts: &zero, RetryDelayMs: &zero, TimeoutMs: 50, CheckFileLocks: &off}.Apply(base)
	assert.Equal(t, 3, got.MaxConcurrency)
	assert.Equal(t, 0, got.RetryAttempts)
	assert.Equal(t, 0, got.RetryDelayMs)
	assert.Equal(t, 50, got.TimeoutMs)
	assert.False(t, got.FileLocksEnabled())
}
