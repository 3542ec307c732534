package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// MemoryStore is a Store kept entirely in process memory. It backs tests and
// single-node deployments without Postgres. Every read returns copies, so
// callers never observe a later write through a value they already hold.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	apiKeys     map[uuid.UUID]*models.APIKey
	failures    map[string]*models.FailureRecord
	approvals   []*models.ApprovalItem
	events      []*models.ApprovalEvent
	analyses    []*models.AnalysisRecord
	refinements []*models.RefinementRecord
	pipelines   []*models.PipelineItem
	jobs        []*models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		apiKeys:  make(map[uuid.UUID]*models.APIKey),
		failures: make(map[string]*models.FailureRecord),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			keys = append(keys, cloneAPIKey(k))
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyPrefix == key.KeyPrefix || k.ID == key.ID {
			return ErrDuplicateKey
		}
	}
	s.apiKeys[key.ID] = cloneAPIKey(key)
	return nil
}

func (s *MemoryStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			keys = append(keys, cloneAPIKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Failures ---

func (s *MemoryStore) CreateFailure(_ context.Context, f *models.FailureRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[f.BuildID]; ok {
		return false, nil
	}
	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.failures[f.BuildID] = &cp
	return true, nil
}

func (s *MemoryStore) GetFailure(_ context.Context, buildID string) (*models.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.failures[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListSimilarFailures(_ context.Context, fingerprint, excludeBuildID string, limit int) ([]*models.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FailureRecord
	for _, f := range s.failures {
		if f.Fingerprint == fingerprint && f.BuildID != excludeBuildID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUntriggeredFailures(_ context.Context, olderThan time.Time, limit int) ([]*models.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	triggered := make(map[string]bool)
	for _, j := range s.jobs {
		triggered[j.BuildID] = true
	}
	for _, a := range s.approvals {
		triggered[a.BuildID] = true
	}
	var out []*models.FailureRecord
	for _, f := range s.failures {
		if !triggered[f.BuildID] && f.OccurredAt.Before(olderThan) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Approvals ---

func (s *MemoryStore) CreateApproval(_ context.Context, item *models.ApprovalItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[item.BuildID]; !ok {
		return ErrNotFound
	}
	for _, a := range s.approvals {
		if a.BuildID == item.BuildID && a.ReviewStatus == models.ReviewPending {
			return ErrConflict
		}
	}
	cp := *item
	s.approvals = append(s.approvals, &cp)
	return nil
}

func (s *MemoryStore) findApproval(id uuid.UUID) *models.ApprovalItem {
	for _, a := range s.approvals {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id uuid.UUID) (*models.ApprovalItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.findApproval(id)
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) latestApproval(buildID string) *models.ApprovalItem {
	for i := len(s.approvals) - 1; i >= 0; i-- {
		if s.approvals[i].BuildID == buildID {
			return s.approvals[i]
		}
	}
	return nil
}

func (s *MemoryStore) GetLatestApproval(_ context.Context, buildID string) (*models.ApprovalItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.latestApproval(buildID)
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DecideApproval(_ context.Context, id uuid.UUID, d Decision) (*models.ApprovalItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findApproval(id)
	if a == nil {
		return nil, ErrNotFound
	}
	if a.ReviewStatus != models.ReviewPending {
		return nil, ErrConflict
	}
	at := d.DecidedAt
	if at.IsZero() {
		at = s.now()
	}
	reviewer, feedback := d.Reviewer, d.Feedback
	a.ReviewStatus = d.Status
	a.Reviewer = &reviewer
	a.Feedback = &feedback
	a.CorrectedCategory = d.CorrectedCategory
	a.AnalysisID = d.AnalysisID
	a.ReviewedAt = &at

	s.events = append(s.events, &models.ApprovalEvent{
		ID:         uuid.New(),
		ApprovalID: a.ID,
		BuildID:    a.BuildID,
		Action:     d.Action,
		Reviewer:   d.Reviewer,
		Feedback:   d.Feedback,
		Category:   d.RoutedCategory,
		CreatedAt:  at,
	})
	if d.Pipeline != nil {
		pcp := *d.Pipeline
		s.pipelines = append(s.pipelines, &pcp)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*models.ApprovalItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.ApprovalItem
	for i := len(s.approvals) - 1; i >= 0; i-- {
		a := s.approvals[i]
		if filter.Status != "" && a.ReviewStatus != filter.Status {
			continue
		}
		if filter.BuildID != "" && a.BuildID != filter.BuildID {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	limit, offset := filter.pagination()
	if offset >= len(matched) {
		return []*models.ApprovalItem{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

func (s *MemoryStore) ListApprovalEvents(_ context.Context, buildID string) ([]*models.ApprovalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ApprovalEvent{}
	for _, e := range s.events {
		if e.BuildID == buildID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetApprovalStats(context.Context) (*models.ApprovalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st models.ApprovalStats
	var sum, approvedSum, rejectedSum float64
	byCat := make(map[models.Category]*models.CategoryApprovalStats)
	for _, a := range s.approvals {
		st.Total++
		sum += a.Confidence
		c, ok := byCat[a.ErrorCategory]
		if !ok {
			c = &models.CategoryApprovalStats{Category: a.ErrorCategory}
			byCat[a.ErrorCategory] = c
		}
		c.Total++
		switch a.ReviewStatus {
		case models.ReviewPending:
			st.Pending++
		case models.ReviewApproved:
			st.Approved++
			approvedSum += a.Confidence
			c.Approved++
		case models.ReviewRejected:
			st.Rejected++
			rejectedSum += a.Confidence
			c.Rejected++
		case models.ReviewEscalated:
			st.Escalated++
			c.Escalated++
		}
	}
	st.AvgConfidence = avg(sum, st.Total)
	st.ApprovedAvgConfidence = avg(approvedSum, st.Approved)
	st.RejectedAvgConfidence = avg(rejectedSum, st.Rejected)

	st.ByCategory = make([]models.CategoryApprovalStats, 0, len(byCat))
	for _, c := range byCat {
		c.ApprovalRate = approvalRate(c.Approved, c.Total)
		st.ByCategory = append(st.ByCategory, *c)
	}
	sort.Slice(st.ByCategory, func(i, j int) bool {
		return st.ByCategory[i].Category < st.ByCategory[j].Category
	})
	return &st, nil
}

func avg(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(sum/float64(n)*1000) / 1000
}

// approvalRate is the approved share of all items in percent, rounded to one decimal.
func approvalRate(approved, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(1000*float64(approved)/float64(total)) / 10
}

// --- Analyses ---

func (s *MemoryStore) CreateAnalysis(_ context.Context, a *models.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[a.BuildID]; !ok {
		return ErrNotFound
	}
	if s.findAnalysis(a.ID) != nil {
		return ErrDuplicateKey
	}
	s.analyses = append(s.analyses, cloneAnalysis(a))
	return nil
}

func (s *MemoryStore) findAnalysis(id uuid.UUID) *models.AnalysisRecord {
	for _, a := range s.analyses {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) currentAnalysis(buildID string) *models.AnalysisRecord {
	for i := len(s.analyses) - 1; i >= 0; i-- {
		if s.analyses[i].BuildID == buildID {
			return s.analyses[i]
		}
	}
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, id uuid.UUID) (*models.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.findAnalysis(id)
	if a == nil {
		return nil, ErrNotFound
	}
	return cloneAnalysis(a), nil
}

func (s *MemoryStore) GetCurrentAnalysis(_ context.Context, buildID string) (*models.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.currentAnalysis(buildID)
	if a == nil {
		return nil, ErrNotFound
	}
	return cloneAnalysis(a), nil
}

func (s *MemoryStore) ApplyFeedback(_ context.Context, analysisID uuid.UUID, from, to models.ValidationStatus, fb models.AnalysisFeedback, entry *models.RefinementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findAnalysis(analysisID)
	if a == nil {
		return ErrNotFound
	}
	if a.ValidationStatus != from {
		return ErrConflict
	}
	if entry != nil && entry.State == models.RefinementPending {
		for _, r := range s.refinements {
			if r.BuildID == entry.BuildID && r.State == models.RefinementPending {
				return ErrConflict
			}
		}
	}
	a.ValidationStatus = to
	a.Feedback = &fb
	a.UpdatedAt = s.now()
	if entry != nil {
		s.refinements = append(s.refinements, cloneRefinement(entry))
	}
	return nil
}

func (s *MemoryStore) findRefinement(id uuid.UUID) *models.RefinementRecord {
	for _, r := range s.refinements {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) CompleteRefinement(_ context.Context, refinementID uuid.UUID, refined models.AnalysisContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findRefinement(refinementID)
	if r == nil {
		return ErrNotFound
	}
	a := s.findAnalysis(r.AnalysisID)
	if a == nil {
		return ErrNotFound
	}
	if r.State != models.RefinementPending || a.ValidationStatus != models.ValidationRefining {
		return ErrConflict
	}
	now := s.now()
	content := cloneContent(refined)
	r.State = models.RefinementComplete
	r.Refined = &content
	r.CompletedAt = &now

	a.Content = cloneContent(refined)
	a.ValidationStatus = models.ValidationRefined
	a.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailRefinement(_ context.Context, refinementID uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findRefinement(refinementID)
	if r == nil {
		return ErrNotFound
	}
	if r.State != models.RefinementPending {
		return ErrConflict
	}
	now := s.now()
	r.State = models.RefinementFailed
	r.ErrorMessage = &msg
	r.CompletedAt = &now

	if a := s.findAnalysis(r.AnalysisID); a != nil && a.ValidationStatus == models.ValidationRefining {
		a.ValidationStatus = r.PreviousStatus
		a.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) GetRefinement(_ context.Context, id uuid.UUID) (*models.RefinementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.findRefinement(id)
	if r == nil {
		return nil, ErrNotFound
	}
	return cloneRefinement(r), nil
}

func (s *MemoryStore) ListRefinements(_ context.Context, buildID string) ([]*models.RefinementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refinementsFor(buildID), nil
}

func (s *MemoryStore) refinementsFor(buildID string) []*models.RefinementRecord {
	out := []*models.RefinementRecord{}
	for _, r := range s.refinements {
		if r.BuildID == buildID {
			out = append(out, cloneRefinement(r))
		}
	}
	return out
}

// --- Pipeline ---

func (s *MemoryStore) CreatePipelineItem(_ context.Context, p *models.PipelineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[p.BuildID]; !ok {
		return ErrNotFound
	}
	cp := *p
	s.pipelines = append(s.pipelines, &cp)
	return nil
}

func (s *MemoryStore) findPipeline(id uuid.UUID) *models.PipelineItem {
	for _, p := range s.pipelines {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) GetPipelineItem(_ context.Context, id uuid.UUID) (*models.PipelineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.findPipeline(id)
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPipelineByAnalysis(_ context.Context, analysisID uuid.UUID) (*models.PipelineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.pipelines) - 1; i >= 0; i-- {
		if s.pipelines[i].AnalysisID == analysisID {
			cp := *s.pipelines[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetLatestPipeline(_ context.Context, buildID string) (*models.PipelineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.pipelines) - 1; i >= 0; i-- {
		if s.pipelines[i].BuildID == buildID {
			cp := *s.pipelines[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdatePipeline(_ context.Context, id uuid.UUID, guard PipelineGuard, opts ...PipelineUpdateOption) (*models.PipelineItem, error) {
	params := &pipelineUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findPipeline(id)
	if p == nil {
		return nil, ErrNotFound
	}
	if !guard.matches(p) {
		return nil, ErrConflict
	}
	params.apply(p, s.now())
	cp := *p
	return &cp, nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[job.BuildID]; !ok {
		return ErrNotFound
	}
	cp := *job
	s.jobs = append(s.jobs, &cp)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var j *models.Job
	for _, cand := range s.jobs {
		if cand.ID == id {
			j = cand
			break
		}
	}
	if j == nil {
		return ErrNotFound
	}
	if !validJobTransition(j.Status, status) {
		return fmt.Errorf("%w: invalid job status transition: %s -> %s", ErrConflict, j.Status, status)
	}

	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusRunning {
		j.StartedAt = &now
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	if params.RefID != nil {
		ref := *params.RefID
		j.RefID = &ref
	}
	return nil
}

// --- Workflows ---

func (s *MemoryStore) LoadWorkflows(_ context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failures []*models.FailureRecord
	for _, f := range s.failures {
		if filter.BuildID != "" && f.BuildID != filter.BuildID {
			continue
		}
		if !filter.Since.IsZero() && f.OccurredAt.Before(filter.Since) {
			continue
		}
		failures = append(failures, f)
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].OccurredAt.After(failures[j].OccurredAt) })
	if limit := filter.limit(); len(failures) > limit {
		failures = failures[:limit]
	}

	out := make([]*models.Workflow, 0, len(failures))
	for _, f := range failures {
		w := &models.Workflow{
			Failure:     *f,
			Refinements: s.refinementsFor(f.BuildID),
			Pipelines:   []*models.PipelineItem{},
			Jobs:        []*models.Job{},
		}
		if a := s.latestApproval(f.BuildID); a != nil {
			cp := *a
			w.Approval = &cp
		}
		if a := s.currentAnalysis(f.BuildID); a != nil {
			w.Analysis = cloneAnalysis(a)
		}
		for _, p := range s.pipelines {
			if p.BuildID == f.BuildID {
				cp := *p
				w.Pipelines = append(w.Pipelines, &cp)
			}
		}
		for _, j := range s.jobs {
			if j.BuildID == f.BuildID {
				cp := *j
				w.Jobs = append(w.Jobs, &cp)
			}
		}
		out = append(out, w)
	}
	return out, nil
}

func cloneAPIKey(k *models.APIKey) *models.APIKey {
	cp := *k
	cp.Scopes = slices.Clone(k.Scopes)
	return &cp
}

func cloneContent(c models.AnalysisContent) models.AnalysisContent {
	if c.CodePatch != nil {
		p := *c.CodePatch
		c.CodePatch = &p
	}
	c.SimilarCases = slices.Clone(c.SimilarCases)
	return c
}

func cloneAnalysis(a *models.AnalysisRecord) *models.AnalysisRecord {
	cp := *a
	cp.Content = cloneContent(a.Content)
	if a.Feedback != nil {
		fb := *a.Feedback
		cp.Feedback = &fb
	}
	return &cp
}

func cloneRefinement(r *models.RefinementRecord) *models.RefinementRecord {
	cp := *r
	cp.Options = slices.Clone(r.Options)
	cp.Original = cloneContent(r.Original)
	if r.Refined != nil {
		refined := cloneContent(*r.Refined)
		cp.Refined = &refined
	}
	return &cp
}
