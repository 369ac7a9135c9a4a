// Package phase derives the workflow phase from the artifacts present in the
// project tree and drives the single-agent phases.
package phase

import (
	"path"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/model"
)

// Artifact base names, matched anywhere in the tree.
const (
	BriefFile        = "project_brief.md"
	PRDFile          = "prd.md"
	ArchitectureFile = "architecture.md"
	StoriesDir       = "stories"
)

// DocsDir is where phase outputs go when no sibling artifact fixes a location.
const DocsDir = "docs"

// ComputePhase maps a snapshot to the phase it implies. It is pure and total:
// the highest-precedence artifact present wins and an empty tree is analysis.
func ComputePhase(snap artifact.Snapshot) model.Phase {
	switch {
	case snap.HasDir(StoriesDir):
		return model.PhaseImplementation
	case has(snap, ArchitectureFile):
		return model.PhaseScrum
	case has(snap, PRDFile):
		return model.PhaseArchitecture
	case has(snap, BriefFile):
		return model.PhasePlanning
	default:
		return model.PhaseAnalysis
	}
}

func has(snap artifact.Snapshot, name string) bool {
	_, ok := snap.FindBase(name)
	return ok
}

var roles = map[model.Phase]agent.Role{
	model.PhaseAnalysis:     agent.RoleAnalyst,
	model.PhasePlanning:     agent.RoleProductManager,
	model.PhaseArchitecture: agent.RoleArchitect,
	model.PhaseScrum:        agent.RoleScrumMaster,
}

// RoleFor returns the agent role bound to p. Phases handled elsewhere (the
// swarm) or not driven at all report false.
func RoleFor(p model.Phase) (agent.Role, bool) {
	r, ok := roles[p]
	return r, ok
}

var inputs = map[model.Phase][]string{
	model.PhasePlanning:     {BriefFile},
	model.PhaseArchitecture: {PRDFile},
	model.PhaseScrum:        {PRDFile, ArchitectureFile},
}

// RequiredInputs lists the artifact base names the phase's agent reads.
func RequiredInputs(p model.Phase) []string {
	return append([]string(nil), inputs[p]...)
}

// OutputPath is the path suggested to the agent for the artifact that ends p.
// It sits next to the newest input when one exists, under DocsDir otherwise.
func OutputPath(p model.Phase, snap artifact.Snapshot) string {
	dir := DocsDir
	if in := inputs[p]; len(in) > 0 {
		if found, ok := snap.FindBase(in[len(in)-1]); ok {
			dir = path.Dir(found)
		}
	}
	join := func(elem ...string) string { return artifact.Clean(path.Join(append([]string{dir}, elem...)...)) }
	switch p {
	case model.PhaseAnalysis:
		return join(BriefFile)
	case model.PhasePlanning:
		return join(PRDFile)
	case model.PhaseArchitecture:
		return join(ArchitectureFile)
	case model.PhaseScrum:
		return join(StoriesDir, "1.1.md")
	default:
		return ""
	}
}
