package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAction is returned when agent output holds no decodable action.
var ErrNoAction = errors.New("no agent action in output")

const ToolFSWrite = "fs_write"

// Tool is the closed set of tool invocations an action can carry: FSWrite or
// Passthrough.
type Tool interface {
	ToolName() string
	isTool()
}

// FSWrite asks the core to write Content to Path.
type FSWrite struct {
	Path    string
	Content string
}

func (FSWrite) ToolName() string { return ToolFSWrite }
func (FSWrite) isTool()          {}

// Passthrough carries any tool the core does not interpret. It is logged and
// otherwise ignored.
type Passthrough struct {
	Name       string
	Parameters map[string]any
}

func (p Passthrough) ToolName() string { return p.Name }
func (Passthrough) isTool()            {}

// Action is one agent decision. Tool may be nil when the agent only thought.
type Action struct {
	Thought string
	Tool    Tool
}

// Write returns the fs_write payload if the action carries one.
func (a Action) Write() (FSWrite, bool) {
	w, ok := a.Tool.(FSWrite)
	return w, ok
}

func (a Action) ToolName() string {
	if a.Tool == nil {
		return ""
	}
	return a.Tool.ToolName()
}

type wireAction struct {
	Thought    string         `json:"thought"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// ParseAction decodes the {thought, tool, parameters} wire form.
func ParseAction(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	act := Action{Thought: w.Thought}

	switch w.Tool {
	case "":
	case ToolFSWrite:
		p, _ := w.Parameters["path"].(string)
		if strings.TrimSpace(p) == "" {
			return Action{}, fmt.Errorf("fs_write: missing path parameter")
		}
		c, ok := w.Parameters["content"].(string)
		if !ok {
			return Action{}, fmt.Errorf("fs_write %s: missing content parameter", p)
		}
		act.Tool = FSWrite{Path: p, Content: c}
	default:
		params := w.Parameters
		if params == nil {
			params = map[string]any{}
		}
		act.Tool = Passthrough{Name: w.Tool, Parameters: params}
	}
	return act, nil
}

// MarshalJSON emits the wire form so actions can be logged and replayed.
func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{Thought: a.Thought}
	switch t := a.Tool.(type) {
	case FSWrite:
		w.Tool = ToolFSWrite
		w.Parameters = map[string]any{"path": t.Path, "content": t.Content}
	case Passthrough:
		w.Tool = t.Name
		w.Parameters = t.Parameters
	}
	return json.Marshal(w)
}

// ExtractAction finds the action object in free-form model output, which may
// wrap it in prose or a ```json fence.
func ExtractAction(output string) (Action, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return Action{}, ErrNoAction
	}
	if act, err := ParseAction([]byte(text)); err == nil {
		return act, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Action{}, ErrNoAction
	}
	act, err := ParseAction([]byte(text[start : end+1]))
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrNoAction, err)
	}
	return act, nil
}
