package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackType is the kind of human feedback submitted on an analysis.
type FeedbackType string

const (
	FeedbackAccept FeedbackType = "accept"
	FeedbackReject FeedbackType = "reject"
	FeedbackRefine FeedbackType = "refine"
)

// RefinementState tags a RefinementRecord. Only StatePending records are
// awaiting a re-analysis; StateComplete records always carry Refined.
type RefinementState string

const (
	RefinementPending  RefinementState = "pending"
	RefinementComplete RefinementState = "complete"
	RefinementFailed   RefinementState = "failed"
	// RefinementClosed marks reject feedback, which never re-analyzes.
	RefinementClosed RefinementState = "closed"
)

// RefinementRecord is one entry of the append-only feedback history of a failure.
type RefinementRecord struct {
	ID             uuid.UUID        `db:"id"              json:"id"`
	BuildID        string           `db:"build_id"        json:"build_id"`
	AnalysisID     uuid.UUID        `db:"analysis_id"     json:"analysis_id"`
	FeedbackType   FeedbackType     `db:"feedback_type"   json:"feedback_type"`
	Reviewer       string           `db:"reviewer"        json:"reviewer,omitempty"`
	Reason         string           `db:"reason"          json:"reason,omitempty"`
	Comment        string           `db:"comment"         json:"comment,omitempty"`
	Suggestion     string           `db:"suggestion"      json:"suggestion,omitempty"`
	Options        []string         `db:"options"         json:"refinement_options,omitempty"`
	Original       AnalysisContent  `db:"original"        json:"original_analysis"`
	PreviousStatus ValidationStatus `db:"previous_status" json:"previous_status"`
	State          RefinementState  `db:"state"           json:"state"`
	Refined        *AnalysisContent `db:"refined"         json:"refined_analysis"`
	ErrorMessage   *string          `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time        `db:"created_at"      json:"created_at"`
	CompletedAt    *time.Time       `db:"completed_at"    json:"completed_at,omitempty"`
}

// Outcome returns the refined analysis and true once the re-analysis has completed.
func (r *RefinementRecord) Outcome() (AnalysisContent, bool) {
	if r.State != RefinementComplete || r.Refined == nil {
		return AnalysisContent{}, false
	}
	return *r.Refined, true
}

// Outstanding reports whether the record is still awaiting its re-analysis.
func (r *RefinementRecord) Outstanding() bool {
	return r.State == RefinementPending
}
