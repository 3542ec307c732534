package models

import (
	"time"

	"github.com/google/uuid"
)

// ReviewStatus is the state of an ApprovalItem. Everything but pending is terminal.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewEscalated ReviewStatus = "escalated"
)

// DecisionAction is a reviewer's decision on an ApprovalItem.
type DecisionAction string

const (
	ActionApprove  DecisionAction = "approve"
	ActionReject   DecisionAction = "reject"
	ActionEscalate DecisionAction = "escalate"
)

// Status returns the terminal review status the action produces.
func (a DecisionAction) Status() (ReviewStatus, bool) {
	switch a {
	case ActionApprove:
		return ReviewApproved, true
	case ActionReject:
		return ReviewRejected, true
	case ActionEscalate:
		return ReviewEscalated, true
	}
	return "", false
}

// ApprovalItem is a pending (or decided) human review of a classification.
type ApprovalItem struct {
	ID                uuid.UUID    `db:"id"                 json:"id"`
	BuildID           string       `db:"build_id"           json:"build_id"`
	JobName           string       `db:"job_name"           json:"job_name"`
	ErrorCategory     Category     `db:"error_category"     json:"error_category"`
	Suggestion        string       `db:"suggestion"         json:"suggestion"`
	Confidence        float64      `db:"confidence"         json:"confidence"`
	ReviewStatus      ReviewStatus `db:"review_status"      json:"review_status"`
	Reviewer          *string      `db:"reviewer"           json:"reviewer,omitempty"`
	Feedback          *string      `db:"feedback"           json:"feedback,omitempty"`
	CorrectedCategory *Category    `db:"corrected_category" json:"corrected_category,omitempty"`
	AnalysisID        *uuid.UUID   `db:"analysis_id"        json:"analysis_id,omitempty"`
	CreatedAt         time.Time    `db:"created_at"         json:"created_at"`
	ReviewedAt        *time.Time   `db:"reviewed_at"        json:"reviewed_at,omitempty"`
}

// ApprovalEvent is a permanent audit row written for every decision.
type ApprovalEvent struct {
	ID         uuid.UUID      `db:"id"          json:"id"`
	ApprovalID uuid.UUID      `db:"approval_id" json:"approval_id"`
	BuildID    string         `db:"build_id"    json:"build_id"`
	Action     DecisionAction `db:"action"      json:"action"`
	Reviewer   string         `db:"reviewer"    json:"reviewer"`
	Feedback   string         `db:"feedback"    json:"feedback,omitempty"`
	Category   Category       `db:"category"    json:"category"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
}

// ApprovalStats aggregates review outcomes.
type ApprovalStats struct {
	Total                 int                     `json:"total"`
	Pending               int                     `json:"pending"`
	Approved              int                     `json:"approved"`
	Rejected              int                     `json:"rejected"`
	Escalated             int                     `json:"escalated"`
	AvgConfidence         float64                 `json:"avg_confidence"`
	ApprovedAvgConfidence float64                 `json:"approved_avg_confidence"`
	RejectedAvgConfidence float64                 `json:"rejected_avg_confidence"`
	ByCategory            []CategoryApprovalStats `json:"by_category"`
}

// CategoryApprovalStats is the per-category slice of ApprovalStats.
type CategoryApprovalStats struct {
	Category     Category `json:"error_category"`
	Total        int      `json:"total"`
	Approved     int      `json:"approved"`
	Rejected     int      `json:"rejected"`
	Escalated    int      `json:"escalated"`
	ApprovalRate float64  `json:"approval_rate"`
}
