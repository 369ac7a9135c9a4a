package model

import "time"

const (
	DefaultMaxConcurrency = 5
	DefaultRetryAttempts  = 2
	DefaultRetryDelayMs   = 1000
	DefaultTimeoutMs      = 120000
)

// SwarmExecutionConfig controls a single ExecuteSwarm call. It is treated as
// immutable for the duration of the call.
type SwarmExecutionConfig struct {
	MaxConcurrency int   `yaml:"max_concurrency" json:"max_concurrency"`
	RetryAttempts  int   `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelayMs   int   `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	TimeoutMs      int   `yaml:"timeout_ms" json:"timeout_ms"`
	CheckFileLocks *bool `yaml:"check_file_locks" json:"check_file_locks"`
}

func DefaultSwarmExecutionConfig() SwarmExecutionConfig {
	check := true
	return SwarmExecutionConfig{
		MaxConcurrency: DefaultMaxConcurrency,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelayMs:   DefaultRetryDelayMs,
		TimeoutMs:      DefaultTimeoutMs,
		CheckFileLocks: &check,
	}
}

// WithDefaults fills zero-valued fields. RetryAttempts and RetryDelayMs accept
// zero as an explicit value; only negatives are replaced.
func (c SwarmExecutionConfig) WithDefaults() SwarmExecutionConfig {
	d := DefaultSwarmExecutionConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelayMs < 0 {
		c.RetryDelayMs = d.RetryDelayMs
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = d.TimeoutMs
	}
	if c.CheckFileLocks == nil {
		c.CheckFileLocks = d.CheckFileLocks
	}
	return c
}

func (c SwarmExecutionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c SwarmExecutionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c SwarmExecutionConfig) FileLocksEnabled() bool {
	return c.CheckFileLocks == nil || *c.CheckFileLocks
}

// DeveloperTaskContext is built once per story at batch start.
type DeveloperTaskContext struct {
	NodeID             string   `json:"node_id"`
	StoryID            string   `json:"story_id"`
	StoryPath          string   `json:"story_path"`
	StoryTitle         string   `json:"story_title"`
	StoryContent       string   `json:"story_content"`
	TaskCount          int      `json:"task_count"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
)

type DeveloperTaskResult struct {
	NodeID         string        `json:"node_id"`
	StoryID        string        `json:"story_id"`
	Status         TaskStatus    `json:"status"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	FilesModified  []string      `json:"files_modified"`
	TasksCompleted int           `json:"tasks_completed"`
	Error          string        `json:"error,omitempty"`
	Logs           []string      `json:"logs"`
}

type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
)

// SwarmExecutionResult is produced once per batch. NodeResults[i] always
// corresponds to the i-th input story.
type SwarmExecutionResult struct {
	ExecutionID           string                `json:"execution_id"`
	Status                ExecutionStatus       `json:"status"`
	StartTime             time.Time             `json:"start_time"`
	EndTime               time.Time             `json:"end_time"`
	TotalDuration         time.Duration         `json:"total_duration"`
	NodeResults           []DeveloperTaskResult `json:"node_results"`
	SuccessCount          int                   `json:"success_count"`
	FailureCount          int                   `json:"failure_count"`
	ParallelismVerified   bool                  `json:"parallelism_verified"`
	AverageSingleTaskTime *time.Duration        `json:"average_single_task_time,omitempty"`
	Error                 string                `json:"error,omitempty"`
}
