package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeID builds the developer node id for a story spawned at t. Uniqueness
// relies on millisecond granularity.
func NodeID(storyID string, t time.Time) string {
	return fmt.Sprintf("dev-%s-%d", storyID, t.UnixMilli())
}

// NewExecutionID returns a fresh identifier for one swarm execution.
func NewExecutionID() string {
	return "swarm_" + uuid.New().String()
}
