// Package model defines the data structures shared by the phase director, story
// watcher, node registry and swarm engine.
package model

// Phase is a stage of the artifact-production pipeline. It is recomputed from
// the file tree on every poll and never persisted.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAnalysis       Phase = "analysis"
	PhasePlanning       Phase = "planning"
	PhaseDesign         Phase = "design"
	PhaseArchitecture   Phase = "architecture"
	PhaseScrum          Phase = "scrum"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseReview         Phase = "review"
	PhaseOptimize       Phase = "optimize"
	PhaseDeployment     Phase = "deployment"
	PhaseDocumentation  Phase = "documentation"
	PhaseFinished       Phase = "finished"
)

var allPhases = []Phase{
	PhaseIdle,
	PhaseAnalysis,
	PhasePlanning,
	PhaseDesign,
	PhaseArchitecture,
	PhaseScrum,
	PhaseImplementation,
	PhaseTesting,
	PhaseReview,
	PhaseOptimize,
	PhaseDeployment,
	PhaseDocumentation,
	PhaseFinished,
}

// AllPhases returns every phase in pipeline order.
func AllPhases() []Phase {
	out := make([]Phase, len(allPhases))
	copy(out, allPhases)
	return out
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	for _, known := range allPhases {
		if p == known {
			return true
		}
	}
	return false
}

// IsSwarm reports whether the phase is handled by the swarm engine rather than
// a single agent.
func (p Phase) IsSwarm() bool {
	return p == PhaseImplementation
}

func (p Phase) String() string {
	return string(p)
}
