package models

import "context"

// Classifier labels a failure with an error category.
// Workflow code depends on this interface, never on a concrete classifier.
type Classifier interface {
	Classify(ctx context.Context, failure FailureRecord) (Classification, error)
	Name() string
}

// Classification is the output of a Classifier, including the retrieval-backed suggestion.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Suggestion string   `json:"suggestion"`
}

// AnalysisEngine performs deep root-cause analysis on a failure.
type AnalysisEngine interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisContent, error)
	Name() string
}

// AnalysisRequest is the input to an AnalysisEngine. Feedback and Previous
// are set only on refinement runs.
type AnalysisRequest struct {
	Failure      FailureRecord       `json:"failure"`
	Category     Category            `json:"category"`
	SimilarCases []SimilarCase       `json:"similar_cases,omitempty"`
	Previous     *AnalysisContent    `json:"previous_analysis,omitempty"`
	Feedback     *RefinementFeedback `json:"feedback,omitempty"`
}

// RefinementFeedback is the extra context a reviewer supplies when refining.
type RefinementFeedback struct {
	Suggestion string   `json:"suggestion"`
	Options    []string `json:"refinement_options"`
	Comment    string   `json:"comment,omitempty"`
}

// CodeHost opens pull requests and reports build verification.
type CodeHost interface {
	CreatePR(ctx context.Context, req PRRequest) (PullRequest, error)
	GetBuildStatus(ctx context.Context, ref string) (BuildStatus, error)
	Name() string
}

// PRRequest describes the fix to publish.
type PRRequest struct {
	BuildID string
	Title   string
	Body    string
	Branch  string
	Base    string
	Patch   CodePatch
}

// PullRequest is the result of CodeHost.CreatePR. Ref is what GetBuildStatus accepts.
type PullRequest struct {
	Number int
	URL    string
	Branch string
	Ref    string
}

// IssueTracker files bug tickets.
type IssueTracker interface {
	CreateBug(ctx context.Context, req BugRequest) (Bug, error)
	Name() string
}

// BugRequest is the content of a bug ticket.
type BugRequest struct {
	Summary  string
	Details  string
	Labels   []string
	Priority string
}

// Bug identifies a created ticket.
type Bug struct {
	Key string
	URL string
}
