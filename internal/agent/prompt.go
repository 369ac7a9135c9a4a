package agent

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/msageha/devswarm/templates"
)

var (
	promptOnce sync.Once
	promptSet  *template.Template
	promptErr  error
)

func prompts() (*template.Template, error) {
	promptOnce.Do(func() {
		promptSet, promptErr = template.ParseFS(templates.FS, "prompts/*.md.tmpl")
	})
	return promptSet, promptErr
}

// RenderPrompt builds the prompt text for req from the embedded role template.
func RenderPrompt(req Request) (string, error) {
	if !req.Role.IsValid() {
		return "", fmt.Errorf("invalid role name %q: must be alphanumeric, underscore, or hyphen", req.Role)
	}
	if req.Role == RoleDeveloper && req.Task == nil {
		return "", fmt.Errorf("developer prompt requires a task context")
	}
	set, err := prompts()
	if err != nil {
		return "", fmt.Errorf("parse prompt templates: %w", err)
	}
	tmpl := set.Lookup(string(req.Role) + ".md.tmpl")
	if tmpl == nil {
		return "", fmt.Errorf("no prompt template for role %s", req.Role)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, req); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", req.Role, err)
	}
	return sb.String(), nil
}
