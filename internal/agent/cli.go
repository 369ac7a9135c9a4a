package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/msageha/devswarm/internal/logging"
)

// CLIExecutor runs the configured agent CLI (LlmConfig.CLICommand) once per
// request, feeding the rendered prompt on stdin and decoding the action from
// stdout.
type CLIExecutor struct {
	Dir    string
	Logger *logging.Logger
}

func NewCLIExecutor(dir string, logger *logging.Logger) *CLIExecutor {
	return &CLIExecutor{Dir: dir, Logger: logger}
}

func (e *CLIExecutor) Execute(ctx context.Context, req Request) (Action, error) {
	args := strings.Fields(req.LLM.CLICommand)
	if len(args) == 0 {
		return Action{}, fmt.Errorf("llm.cli_command is empty")
	}
	prompt, err := RenderPrompt(req)
	if err != nil {
		return Action{}, err
	}
	if req.LLM.Model != "" {
		args = append(args, "--model", req.LLM.Model)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(filterEnv(os.Environ(), "CLAUDECODE"), llmEnv(req)...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	e.Logger.Debugf("agent_exec role=%s phase=%s command=%s attempt=%d", req.Role, req.Phase, args[0], req.Attempt)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Action{}, fmt.Errorf("agent %s: %w", req.Role, ctx.Err())
		}
		return Action{}, fmt.Errorf("agent %s: %w: %s", req.Role, err, strings.TrimSpace(stderr.String()))
	}

	act, err := ExtractAction(stdout.String())
	if err != nil {
		return Action{}, fmt.Errorf("agent %s: %w", req.Role, err)
	}
	return act, nil
}

func llmEnv(req Request) []string {
	env := []string{
		"DEVSWARM_ROLE=" + string(req.Role),
		"DEVSWARM_PHASE=" + string(req.Phase),
	}
	if req.LLM.Provider != "" {
		env = append(env, "DEVSWARM_LLM_PROVIDER="+req.LLM.Provider)
	}
	if req.LLM.BaseURL != "" {
		env = append(env, "DEVSWARM_LLM_BASE_URL="+req.LLM.BaseURL)
	}
	if req.LLM.APIKey != "" {
		env = append(env, "DEVSWARM_LLM_API_KEY="+req.LLM.APIKey)
	}
	if req.Task != nil {
		env = append(env, "DEVSWARM_NODE_ID="+req.Task.NodeID, "DEVSWARM_STORY_ID="+req.Task.StoryID)
	}
	return env
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
