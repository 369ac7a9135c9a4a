package model

import "time"

type NodeState string

const (
	NodeIdle     NodeState = "IDLE"
	NodeThinking NodeState = "THINKING"
	NodeWorking  NodeState = "WORKING"
	NodeDone     NodeState = "DONE"
)

var validNodeStates = map[NodeState]bool{
	NodeIdle:     true,
	NodeThinking: true,
	NodeWorking:  true,
	NodeDone:     true,
}

func (s NodeState) IsValid() bool {
	return validNodeStates[s]
}

// DeveloperSwarmNode is the in-memory lifecycle record for one story's
// developer task. AssignedAt is stamped once, on the first transition away from
// IDLE; CompletedAt is stamped once, on the first transition into DONE.
type DeveloperSwarmNode struct {
	ID             string     `json:"id"`
	StoryID        string     `json:"story_id"`
	State          NodeState  `json:"state"`
	Progress       int        `json:"progress"`
	TaskCount      int        `json:"task_count"`
	CompletedTasks int        `json:"completed_tasks"`
	SpawnedAt      time.Time  `json:"spawned_at"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NodeUpdate is a partial update applied to a node. Nil fields are left
// unchanged. Progress never decreases unless ResetProgress is set.
type NodeUpdate struct {
	State          *NodeState
	Progress       *int
	CompletedTasks *int
	ResetProgress  bool
}

func StatePtr(s NodeState) *NodeState { return &s }

func IntPtr(v int) *int { return &v }
