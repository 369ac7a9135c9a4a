package model

import "time"

type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in-progress"
	StoryDone       StoryStatus = "done"
)

// DefaultStoryTitle is used when a story file carries no level-one heading.
const DefaultStoryTitle = "Untitled Story"

// StoryMetadata is the canonical view of one story file. It is replaced, not
// merged, whenever the file changes.
type StoryMetadata struct {
	ID                      string      `json:"id" yaml:"id"`
	Path                    string      `json:"path" yaml:"path"`
	Title                   string      `json:"title" yaml:"title"`
	Status                  StoryStatus `json:"status" yaml:"status"`
	AcceptanceCriteriaCount int         `json:"acceptance_criteria_count" yaml:"acceptance_criteria_count"`
	TaskCount               int         `json:"task_count" yaml:"task_count"`
	LastModified            time.Time   `json:"last_modified" yaml:"last_modified"`
}

// IsDone reports whether the story has been completed.
func (s StoryMetadata) IsDone() bool {
	return s.Status == StoryDone
}
