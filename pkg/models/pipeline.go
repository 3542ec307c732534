package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage is the healing stage of a PipelineItem.
type Stage string

const (
	StageAIAnalysis    Stage = "ai_analysis"
	StageHumanApproval Stage = "human_approval"
	StagePRCreated     Stage = "pr_created"
	StageBuildRunning  Stage = "build_running"
	StageBuildPassed   Stage = "build_passed"
	StageBuildFailed   Stage = "build_failed"
	StageJiraCreated   Stage = "jira_created"
)

var stageRank = map[Stage]int{
	StageAIAnalysis:    0,
	StageHumanApproval: 1,
	StagePRCreated:     2,
	StageBuildRunning:  3,
	StageBuildPassed:   4,
	StageBuildFailed:   4,
	StageJiraCreated:   5,
}

// Rank orders stages; a pipeline never moves to a lower rank.
// build_passed and build_failed share a rank since they are alternatives.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// PipelineStatus qualifies the current stage.
type PipelineStatus string

const (
	PipelineActive PipelineStatus = "active"
	// PipelineInFlight means an external call for the next stage has been dispatched.
	PipelineInFlight PipelineStatus = "in_flight"
	// PipelineFailed is the terminal sub-state after an external call failed or timed out.
	PipelineFailed   PipelineStatus = "failed"
	PipelineRejected PipelineStatus = "rejected"
)

// BuildStatus is the verification result reported by CI for a fix branch.
type BuildStatus string

const (
	BuildPending BuildStatus = "pending"
	BuildRunning BuildStatus = "running"
	BuildPassed  BuildStatus = "passed"
	BuildFailed  BuildStatus = "failed"
)

// Done reports whether the build reached a final result.
func (b BuildStatus) Done() bool {
	return b == BuildPassed || b == BuildFailed
}

// PipelineItem tracks the code-fix branch of one workflow run.
type PipelineItem struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	BuildID      string         `db:"build_id"      json:"build_id"`
	AnalysisID   uuid.UUID      `db:"analysis_id"   json:"analysis_id"`
	Stage        Stage          `db:"stage"         json:"stage"`
	Status       PipelineStatus `db:"status"        json:"status"`
	PRNumber     *int           `db:"pr_number"     json:"pr_number,omitempty"`
	PRURL        *string        `db:"pr_url"        json:"pr_url,omitempty"`
	Branch       *string        `db:"branch"        json:"branch,omitempty"`
	BuildStatus  *BuildStatus   `db:"build_status"  json:"build_status,omitempty"`
	JiraKey      *string        `db:"jira_key"      json:"jira_key,omitempty"`
	JiraURL      *string        `db:"jira_url"      json:"jira_url,omitempty"`
	ApprovedBy   *string        `db:"approved_by"   json:"approved_by,omitempty"`
	RejectedBy   *string        `db:"rejected_by"   json:"rejected_by,omitempty"`
	RejectReason *string        `db:"reject_reason" json:"reject_reason,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"    json:"updated_at"`
}

// Live reports whether the pipeline is still working toward a build result.
// A build has at most one live pipeline.
func (p *PipelineItem) Live() bool {
	if p.Status != PipelineActive && p.Status != PipelineInFlight {
		return false
	}
	return p.Stage.Rank() < StageBuildPassed.Rank()
}
