package workflow

import "github.com/kiranshivaraju/cihealer/pkg/models"

var phaseProgress = map[models.Phase]int{
	models.PhaseUntriggered:             0,
	models.PhaseTriggered:               10,
	models.PhaseClassificationFailed:    10,
	models.PhasePendingApproval:         20,
	models.PhaseAIAnalysis:              35,
	models.PhaseAnalysisFailed:          35,
	models.PhaseFixProposed:             50,
	models.PhaseFixPendingApproval:      60,
	models.PhasePRFailed:                60,
	models.PhasePRCreated:               70,
	models.PhaseBuildRunning:            80,
	models.PhaseBuildVerificationFailed: 80,
	models.PhaseBuildPassed:             90,
	models.PhaseJiraFailed:              90,
	models.PhaseBuildFailed:             100,
	models.PhaseResolved:                100,
	models.PhaseRejected:                100,
	models.PhaseJiraCreated:             100,
}

var terminalPhases = map[models.Phase]bool{
	models.PhaseResolved:                true,
	models.PhaseRejected:                true,
	models.PhaseJiraCreated:             true,
	models.PhaseBuildFailed:             true,
	models.PhaseClassificationFailed:    true,
	models.PhaseAnalysisFailed:          true,
	models.PhasePRFailed:                true,
	models.PhaseBuildVerificationFailed: true,
	models.PhaseJiraFailed:              true,
}

// Progress is the completion percentage shown for a phase.
func Progress(p models.Phase) int {
	return phaseProgress[p]
}

// Terminal reports whether no further automatic progress happens in phase p.
// Failed phases only move again on an explicit restart or resubmission.
func Terminal(p models.Phase) bool {
	return terminalPhases[p]
}

// Active reports whether p should appear in the in-flight view.
func Active(p models.Phase) bool {
	return p != models.PhaseUntriggered && !Terminal(p)
}

// DerivePhase computes the overall state of a workflow from its entities.
// The newest of the latest classify job, approval and pipeline decides which
// entity is authoritative, so a restart or re-trigger supersedes older rows.
func DerivePhase(w *models.Workflow) models.Phase {
	approval := w.Approval
	p := w.Pipeline()

	if job := w.LatestJob(models.JobTypeClassify); job != nil && newerThan(job, approval, p) {
		switch job.Status {
		case models.JobStatusFailed:
			return models.PhaseClassificationFailed
		case models.JobStatusCompleted:
			return models.PhasePendingApproval
		default:
			return models.PhaseTriggered
		}
	}

	if p != nil && (approval == nil || !p.CreatedAt.Before(approval.CreatedAt)) {
		return pipelinePhase(p, w.Analysis)
	}

	if approval == nil {
		return models.PhaseUntriggered
	}
	switch approval.ReviewStatus {
	case models.ReviewRejected:
		return models.PhaseRejected
	case models.ReviewApproved:
		return models.PhaseResolved
	case models.ReviewEscalated:
		// Escalation always creates a pipeline; reaching here means it is not visible yet.
		return models.PhaseAIAnalysis
	default:
		return models.PhasePendingApproval
	}
}

func newerThan(job *models.Job, approval *models.ApprovalItem, p *models.PipelineItem) bool {
	if approval != nil && !job.CreatedAt.After(approval.CreatedAt) {
		return false
	}
	if p != nil && !job.CreatedAt.After(p.CreatedAt) {
		return false
	}
	return true
}

func pipelinePhase(p *models.PipelineItem, analysis *models.AnalysisRecord) models.Phase {
	if p.Status == models.PipelineRejected {
		return models.PhaseRejected
	}
	failed := p.Status == models.PipelineFailed

	switch p.Stage {
	case models.StageAIAnalysis:
		if failed {
			return models.PhaseAnalysisFailed
		}
		return models.PhaseAIAnalysis
	case models.StageHumanApproval:
		switch {
		case analysis != nil && analysis.ID == p.AnalysisID && analysis.ValidationStatus == models.ValidationRejected:
			return models.PhaseRejected
		case failed:
			return models.PhasePRFailed
		case p.Status == models.PipelineInFlight:
			return models.PhaseFixPendingApproval
		case analysis != nil && analysis.ID == p.AnalysisID &&
			(analysis.ValidationStatus == models.ValidationAccepted || analysis.ValidationStatus == models.ValidationRefined):
			return models.PhaseFixPendingApproval
		}
		return models.PhaseFixProposed
	case models.StagePRCreated:
		if failed {
			return models.PhaseBuildVerificationFailed
		}
		return models.PhasePRCreated
	case models.StageBuildRunning:
		if failed {
			return models.PhaseBuildVerificationFailed
		}
		return models.PhaseBuildRunning
	case models.StageBuildPassed:
		if failed {
			return models.PhaseJiraFailed
		}
		return models.PhaseBuildPassed
	case models.StageBuildFailed:
		return models.PhaseBuildFailed
	case models.StageJiraCreated:
		return models.PhaseJiraCreated
	}
	return models.PhaseAIAnalysis
}
