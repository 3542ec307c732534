package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobTypeClassify    = "classify"
	JobTypeAnalyze     = "analyze"
	JobTypeRefine      = "refine"
	JobTypeCreatePR    = "create_pr"
	JobTypeVerifyBuild = "verify_build"
	JobTypeCreateBug   = "create_bug"
)

// Job tracks one asynchronous external call made on behalf of a workflow.
// Clients poll GET /api/v1/jobs/{job_id} until status is completed or failed.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	BuildID      string     `db:"build_id"      json:"build_id"`
	Type         string     `db:"type"          json:"type"`
	Status       string     `db:"status"        json:"status"`
	RefID        *uuid.UUID `db:"ref_id"        json:"ref_id,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
