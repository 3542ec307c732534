package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional write finds the entity in a
// state other than the one the caller expected. Nothing is written.
var ErrConflict = errors.New("state conflict")

// Store is the data access interface. All persistence goes through here.
// Every method that changes more than one row does so atomically.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	// CreateFailure inserts f unless a failure with the same build_id exists.
	// It reports whether a row was inserted.
	CreateFailure(ctx context.Context, f *models.FailureRecord) (bool, error)
	GetFailure(ctx context.Context, buildID string) (*models.FailureRecord, error)
	ListSimilarFailures(ctx context.Context, fingerprint, excludeBuildID string, limit int) ([]*models.FailureRecord, error)
	// ListUntriggeredFailures returns failures older than olderThan that have never had a job.
	ListUntriggeredFailures(ctx context.Context, olderThan time.Time, limit int) ([]*models.FailureRecord, error)

	// CreateApproval returns ErrConflict if the build already has a pending item.
	CreateApproval(ctx context.Context, item *models.ApprovalItem) error
	GetApproval(ctx context.Context, id uuid.UUID) (*models.ApprovalItem, error)
	GetLatestApproval(ctx context.Context, buildID string) (*models.ApprovalItem, error)
	// DecideApproval moves a pending item to its terminal status, appends
	// an ApprovalEvent and inserts d.Pipeline when set. Returns ErrConflict
	// if the item is no longer pending.
	DecideApproval(ctx context.Context, id uuid.UUID, d Decision) (*models.ApprovalItem, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalItem, error)
	ListApprovalEvents(ctx context.Context, buildID string) ([]*models.ApprovalEvent, error)
	GetApprovalStats(ctx context.Context) (*models.ApprovalStats, error)

	CreateAnalysis(ctx context.Context, a *models.AnalysisRecord) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.AnalysisRecord, error)
	GetCurrentAnalysis(ctx context.Context, buildID string) (*models.AnalysisRecord, error)
	// ApplyFeedback moves the analysis from -> to and, when entry is non-nil,
	// appends it to the refinement history. Returns ErrConflict if the status
	// is not from or if entry is pending while another pending entry exists.
	ApplyFeedback(ctx context.Context, analysisID uuid.UUID, from, to models.ValidationStatus, fb models.AnalysisFeedback, entry *models.RefinementRecord) error
	// CompleteRefinement records the refined content and replaces the current analysis with it.
	CompleteRefinement(ctx context.Context, refinementID uuid.UUID, refined models.AnalysisContent) error
	// FailRefinement marks the attempt failed and restores the analysis' previous status.
	FailRefinement(ctx context.Context, refinementID uuid.UUID, msg string) error
	GetRefinement(ctx context.Context, id uuid.UUID) (*models.RefinementRecord, error)
	ListRefinements(ctx context.Context, buildID string) ([]*models.RefinementRecord, error)

	CreatePipelineItem(ctx context.Context, p *models.PipelineItem) error
	GetPipelineItem(ctx context.Context, id uuid.UUID) (*models.PipelineItem, error)
	GetPipelineByAnalysis(ctx context.Context, analysisID uuid.UUID) (*models.PipelineItem, error)
	GetLatestPipeline(ctx context.Context, buildID string) (*models.PipelineItem, error)
	// UpdatePipeline applies opts only if the item matches guard; otherwise ErrConflict.
	UpdatePipeline(ctx context.Context, id uuid.UUID, guard PipelineGuard, opts ...PipelineUpdateOption) (*models.PipelineItem, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error

	// LoadWorkflows reads matching workflows from one consistent snapshot.
	LoadWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
}

// Decision is the terminal outcome written by DecideApproval.
type Decision struct {
	Action            models.DecisionAction
	Status            models.ReviewStatus
	Reviewer          string
	Feedback          string
	CorrectedCategory *models.Category
	// RoutedCategory is the category the decision was routed on, kept in the audit row.
	RoutedCategory models.Category
	AnalysisID     *uuid.UUID
	DecidedAt      time.Time
	// Pipeline is created in the same transaction when the decision routes to AI analysis.
	Pipeline *models.PipelineItem
}

type ApprovalFilter struct {
	Status  models.ReviewStatus
	BuildID string
	Page    int
	Limit   int
}

type WorkflowFilter struct {
	BuildID string
	Since   time.Time
	Limit   int
}

const (
	defaultWorkflowLimit = 500
	maxWorkflowLimit     = 5000
)

func (f WorkflowFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultWorkflowLimit
	case f.Limit > maxWorkflowLimit:
		return maxWorkflowLimit
	}
	return f.Limit
}

func (f ApprovalFilter) pagination() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// PipelineGuard restricts UpdatePipeline to items in one of the listed
// stages and statuses. Empty lists match anything.
type PipelineGuard struct {
	Stages   []models.Stage
	Statuses []models.PipelineStatus
}

func (g PipelineGuard) matches(p *models.PipelineItem) bool {
	return containsOrEmpty(g.Stages, p.Stage) && containsOrEmpty(g.Statuses, p.Status)
}

func containsOrEmpty[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type pipelineUpdateParams struct {
	Stage        *models.Stage
	Status       *models.PipelineStatus
	PRNumber     *int
	PRURL        *string
	Branch       *string
	BuildStatus  *models.BuildStatus
	JiraKey      *string
	JiraURL      *string
	ApprovedBy   *string
	RejectedBy   *string
	RejectReason *string
	ErrorMessage *string
	ClearError   bool
}

type PipelineUpdateOption func(*pipelineUpdateParams)

func ToStage(s models.Stage) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.Stage = &s }
}

func ToStatus(s models.PipelineStatus) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.Status = &s }
}

func WithPR(number int, url, branch string) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) {
		p.PRNumber = &number
		p.PRURL = &url
		p.Branch = &branch
	}
}

func WithBuildStatus(s models.BuildStatus) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.BuildStatus = &s }
}

func WithJira(key, url string) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) {
		p.JiraKey = &key
		p.JiraURL = &url
	}
}

func WithApprover(name string) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.ApprovedBy = &name }
}

func WithRejection(by, reason string) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) {
		p.RejectedBy = &by
		p.RejectReason = &reason
	}
}

func WithPipelineError(msg string) PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.ErrorMessage = &msg }
}

func ClearPipelineError() PipelineUpdateOption {
	return func(p *pipelineUpdateParams) { p.ClearError = true }
}

func (u *pipelineUpdateParams) apply(p *models.PipelineItem, now time.Time) {
	if u.Stage != nil {
		p.Stage = *u.Stage
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.PRNumber != nil {
		p.PRNumber, p.PRURL, p.Branch = u.PRNumber, u.PRURL, u.Branch
	}
	if u.BuildStatus != nil {
		p.BuildStatus = u.BuildStatus
	}
	if u.JiraKey != nil {
		p.JiraKey, p.JiraURL = u.JiraKey, u.JiraURL
	}
	if u.ApprovedBy != nil {
		p.ApprovedBy = u.ApprovedBy
	}
	if u.RejectedBy != nil {
		p.RejectedBy, p.RejectReason = u.RejectedBy, u.RejectReason
	}
	if u.ClearError {
		p.ErrorMessage = nil
	}
	if u.ErrorMessage != nil {
		p.ErrorMessage = u.ErrorMessage
	}
	p.UpdatedAt = now
}

type jobUpdateParams struct {
	ErrorMessage *string
	RefID        *uuid.UUID
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithRefID(id uuid.UUID) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RefID = &id
	}
}

var validJobTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed},
}

func validJobTransition(from, to string) bool {
	for _, a := range validJobTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
