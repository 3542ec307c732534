package models

import (
	"time"

	"github.com/google/uuid"
)

// ValidationStatus is the human verdict on an AI analysis.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationAccepted ValidationStatus = "accepted"
	ValidationRejected ValidationStatus = "rejected"
	ValidationRefining ValidationStatus = "refining"
	ValidationRefined  ValidationStatus = "refined"
)

// AnalysisContent is the payload produced by the analysis engine.
// It is kept separate from AnalysisRecord so refinement history can snapshot it.
type AnalysisContent struct {
	Classification    Category      `json:"classification"`
	Severity          string        `json:"severity"`
	Confidence        float64       `json:"confidence"`
	RootCause         string        `json:"root_cause"`
	FixRecommendation string        `json:"fix_recommendation"`
	CodePatch         *CodePatch    `json:"code_patch,omitempty"`
	SimilarCases      []SimilarCase `json:"similar_cases,omitempty"`
}

// CodePatch is a proposed change to a single file.
type CodePatch struct {
	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
	Before   string `json:"before"`
	After    string `json:"after"`
}

// SimilarCase is a previously seen failure sharing the same fingerprint.
type SimilarCase struct {
	BuildID      string    `json:"build_id"`
	JobName      string    `json:"job_name"`
	ErrorMessage string    `json:"error_message"`
	OccurredAt   time.Time `json:"timestamp"`
}

// AnalysisFeedback records the most recent human verdict on an analysis.
type AnalysisFeedback struct {
	Type     FeedbackType `json:"type"`
	Reviewer string       `json:"reviewer,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Comment  string       `json:"comment,omitempty"`
	At       time.Time    `json:"at"`
}

// AnalysisRecord is the current AI root-cause analysis for a failure.
// Refinement replaces Content in place; earlier content lives in RefinementRecord history.
type AnalysisRecord struct {
	ID               uuid.UUID         `db:"id"                json:"id"`
	BuildID          string            `db:"build_id"          json:"build_id"`
	Content          AnalysisContent   `db:"content"           json:"content"`
	ValidationStatus ValidationStatus  `db:"validation_status" json:"validation_status"`
	Feedback         *AnalysisFeedback `db:"feedback"          json:"feedback,omitempty"`
	Provider         string            `db:"provider"          json:"provider"`
	CreatedAt        time.Time         `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"        json:"updated_at"`
}
