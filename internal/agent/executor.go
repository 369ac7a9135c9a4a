// Package agent is the boundary to the LLM-backed agent roles. The core only
// sees Executor; how a response is produced is up to the implementation.
package agent

import (
	"context"
	"regexp"

	"github.com/msageha/devswarm/internal/model"
)

type Role string

const (
	RoleAnalyst        Role = "analyst"
	RoleProductManager Role = "product_manager"
	RoleArchitect      Role = "architect"
	RoleScrumMaster    Role = "scrum_master"
	RoleDeveloper      Role = "developer"
)

// validRoleName permits only alphanumeric, underscore, and hyphen characters.
var validRoleName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (r Role) IsValid() bool {
	return validRoleName.MatchString(string(r))
}

// Input is one artifact handed to the agent as context.
type Input struct {
	Path    string
	Content string
}

// Request is everything an agent invocation receives. Phase roles get Inputs
// and OutputPath; developer roles get Task.
type Request struct {
	Role       Role
	Phase      model.Phase
	Inputs     []Input
	OutputPath string
	Task       *model.DeveloperTaskContext
	LLM        model.LlmConfig
	Attempt    int
}

// Executor runs one agent turn and returns the single action it chose.
type Executor interface {
	Execute(ctx context.Context, req Request) (Action, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Action, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Action, error) {
	return f(ctx, req)
}
