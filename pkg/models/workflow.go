package models

import "time"

// Phase is the overall workflow state of a failure. It is derived from the
// stored entities and never persisted itself.
type Phase string

const (
	PhaseTriggered               Phase = "TRIGGERED"
	PhaseClassificationFailed    Phase = "CLASSIFICATION_FAILED"
	PhasePendingApproval         Phase = "PENDING_APPROVAL"
	PhaseResolved                Phase = "RESOLVED"
	PhaseRejected                Phase = "REJECTED"
	PhaseAIAnalysis              Phase = "AI_ANALYSIS"
	PhaseAnalysisFailed          Phase = "ANALYSIS_FAILED"
	PhaseFixProposed             Phase = "FIX_PROPOSED"
	PhaseFixPendingApproval      Phase = "FIX_PENDING_APPROVAL"
	PhasePRCreated               Phase = "PR_CREATED"
	PhasePRFailed                Phase = "PR_FAILED"
	PhaseBuildRunning            Phase = "BUILD_RUNNING"
	PhaseBuildPassed             Phase = "BUILD_PASSED"
	PhaseBuildFailed             Phase = "BUILD_FAILED"
	PhaseBuildVerificationFailed Phase = "BUILD_VERIFICATION_FAILED"
	PhaseJiraFailed              Phase = "JIRA_FAILED"
	PhaseJiraCreated             Phase = "JIRA_CREATED"
	PhaseUntriggered             Phase = "UNTRIGGERED"
)

// Workflow aggregates every entity that belongs to one build_id.
// Store implementations load it from a single consistent snapshot.
type Workflow struct {
	Failure     FailureRecord       `json:"failure"`
	Approval    *ApprovalItem       `json:"approval,omitempty"`
	Analysis    *AnalysisRecord     `json:"analysis,omitempty"`
	Refinements []*RefinementRecord `json:"refinements"`
	Pipelines   []*PipelineItem     `json:"pipelines"`
	Jobs        []*Job              `json:"jobs"`
}

// Pipeline returns the most recent pipeline item, or nil.
func (w *Workflow) Pipeline() *PipelineItem {
	if len(w.Pipelines) == 0 {
		return nil
	}
	return w.Pipelines[len(w.Pipelines)-1]
}

// LatestJob returns the most recent job of the given type, or nil.
func (w *Workflow) LatestJob(jobType string) *Job {
	for i := len(w.Jobs) - 1; i >= 0; i-- {
		if w.Jobs[i].Type == jobType {
			return w.Jobs[i]
		}
	}
	return nil
}

// ActiveItem is one row of the in-flight view polled by dashboards.
type ActiveItem struct {
	BuildID    string    `json:"build_id"`
	JobName    string    `json:"job_name"`
	Phase      Phase     `json:"phase"`
	Stage      *Stage    `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Refining   bool      `json:"refining"`
	Error      *string   `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	AnalysisID *string   `json:"analysis_id,omitempty"`
}

// HistoryEntry is a full workflow view with its derived phase.
type HistoryEntry struct {
	Workflow
	Phase    Phase `json:"phase"`
	Terminal bool  `json:"terminal"`
}

// WorkflowStats is the aggregate view returned by the status projector.
type WorkflowStats struct {
	Total             int                      `json:"total"`
	Active            int                      `json:"active"`
	ByPhase           map[Phase]int            `json:"by_phase"`
	ByStage           map[Stage]int            `json:"by_stage"`
	ByReviewStatus    map[ReviewStatus]int     `json:"by_review_status"`
	ByValidation      map[ValidationStatus]int `json:"by_validation_status"`
	PendingRefinement int                      `json:"pending_refinements"`
	GeneratedAt       time.Time                `json:"generated_at"`
}
