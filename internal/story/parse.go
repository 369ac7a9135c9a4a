// Package story keeps the canonical metadata of every story file current.
package story

import (
	"path"
	"regexp"
	"strings"

	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/model"
)

var (
	titleRe  = regexp.MustCompile(`(?m)^#[ \t]+(.+)$`)
	statusRe = regexp.MustCompile(`(?i)Status:\**\s*(done|in-progress|pending|ready-for-dev)`)
	taskRe   = regexp.MustCompile(`(?i)- \[( |x)\]`)
	acHeadRe = regexp.MustCompile(`(?i)^##[ \t]+Acceptance Criteria\b`)
	numberRe = regexp.MustCompile(`^\d+\.`)
)

// ParseStoryMetadata extracts metadata from a story document. It never fails:
// anything it cannot find takes the documented default. LastModified is left
// for the caller to stamp.
func ParseStoryMetadata(content, p string) model.StoryMetadata {
	meta := model.StoryMetadata{
		ID:     StoryID(p),
		Path:   artifact.Clean(p),
		Title:  model.DefaultStoryTitle,
		Status: model.StoryPending,
	}

	if m := titleRe.FindStringSubmatch(content); m != nil {
		if title := strings.TrimSpace(m[1]); title != "" {
			meta.Title = title
		}
	}
	if m := statusRe.FindStringSubmatch(content); m != nil {
		meta.Status = normalizeStatus(m[1])
	}
	criteria := AcceptanceCriteria(content)
	meta.AcceptanceCriteriaCount = len(criteria)
	meta.TaskCount = len(taskRe.FindAllStringIndex(content, -1))
	return meta
}

// StoryID is the file name of p without its extension. The root path has no id.
func StoryID(p string) string {
	clean := artifact.Clean(p)
	if clean == "" {
		return ""
	}
	base := path.Base(clean)
	return strings.TrimSuffix(base, path.Ext(base))
}

func normalizeStatus(s string) model.StoryStatus {
	switch strings.ToLower(s) {
	case "done":
		return model.StoryDone
	case "in-progress":
		return model.StoryInProgress
	default:
		return model.StoryPending
	}
}

// AcceptanceCriteria returns the top-level numbered lines of the
// "## Acceptance Criteria" section, up to the next level one or two heading.
func AcceptanceCriteria(content string) []string {
	var (
		out     []string
		inBlock bool
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if acHeadRe.MatchString(line) {
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		if isSectionHeading(line) {
			break
		}
		if numberRe.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

func isSectionHeading(line string) bool {
	return line == "#" || line == "##" ||
		strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") ||
		strings.HasPrefix(line, "#\t") || strings.HasPrefix(line, "##\t")
}
