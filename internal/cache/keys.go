package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// WorkflowStatsKey holds the projector's aggregate view. Every workflow write deletes it.
func WorkflowStatsKey() string {
	return "workflow:stats"
}

func ApprovalStatsKey() string {
	return "approval:stats"
}
