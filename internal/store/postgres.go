package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) listAPIKeys(ctx context.Context, query string, args ...any) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	keys, err := s.listAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, nonNil(key.Scopes), key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	keys, err := s.listAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Failures ---

const failureColumns = `build_id, job_name, test_name, error_message, stack_trace, fingerprint, occurred_at, created_at`

func scanFailure(row rowScanner) (*models.FailureRecord, error) {
	var f models.FailureRecord
	err := row.Scan(&f.BuildID, &f.JobName, &f.TestName, &f.ErrorMessage, &f.StackTrace,
		&f.Fingerprint, &f.OccurredAt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFailures(rows pgx.Rows) ([]*models.FailureRecord, error) {
	defer rows.Close()
	var out []*models.FailureRecord
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateFailure(ctx context.Context, f *models.FailureRecord) (bool, error) {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO failures (`+failureColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (build_id) DO NOTHING`,
		f.BuildID, f.JobName, f.TestName, f.ErrorMessage, f.StackTrace, f.Fingerprint, f.OccurredAt, createdAt)
	if err != nil {
		return false, fmt.Errorf("create failure: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetFailure(ctx context.Context, buildID string) (*models.FailureRecord, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM failures WHERE build_id = $1`, buildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListSimilarFailures(ctx context.Context, fingerprint, excludeBuildID string, limit int) ([]*models.FailureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+failureColumns+` FROM failures
		 WHERE fingerprint = $1 AND build_id <> $2
		 ORDER BY occurred_at DESC LIMIT $3`, fingerprint, excludeBuildID, limit)
	if err != nil {
		return nil, fmt.Errorf("list similar failures: %w", err)
	}
	return collectFailures(rows)
}

func (s *PostgresStore) ListUntriggeredFailures(ctx context.Context, olderThan time.Time, limit int) ([]*models.FailureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+failureColumns+` FROM failures f
		 WHERE f.occurred_at < $1
		   AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.build_id = f.build_id)
		   AND NOT EXISTS (SELECT 1 FROM approvals a WHERE a.build_id = f.build_id)
		 ORDER BY f.occurred_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list untriggered failures: %w", err)
	}
	return collectFailures(rows)
}

// --- Approvals ---

const approvalColumns = `id, build_id, job_name, error_category, suggestion, confidence, review_status,
	reviewer, feedback, corrected_category, analysis_id, created_at, reviewed_at`

func scanApproval(row rowScanner) (*models.ApprovalItem, error) {
	var a models.ApprovalItem
	err := row.Scan(&a.ID, &a.BuildID, &a.JobName, &a.ErrorCategory, &a.Suggestion, &a.Confidence,
		&a.ReviewStatus, &a.Reviewer, &a.Feedback, &a.CorrectedCategory, &a.AnalysisID,
		&a.CreatedAt, &a.ReviewedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateApproval(ctx context.Context, item *models.ApprovalItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (id, build_id, job_name, error_category, suggestion, confidence, review_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.BuildID, item.JobName, item.ErrorCategory, item.Suggestion, item.Confidence,
		item.ReviewStatus, item.CreatedAt)
	switch {
	case err == nil:
		return nil
	case isDuplicateKeyError(err):
		return ErrConflict
	case isForeignKeyError(err):
		return ErrNotFound
	}
	return fmt.Errorf("create approval: %w", err)
}

func (s *PostgresStore) GetApproval(ctx context.Context, id uuid.UUID) (*models.ApprovalItem, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetLatestApproval(ctx context.Context, buildID string) (*models.ApprovalItem, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE build_id = $1 ORDER BY created_at DESC LIMIT 1`, buildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest approval: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) DecideApproval(ctx context.Context, id uuid.UUID, d Decision) (*models.ApprovalItem, error) {
	at := d.DecidedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var decided *models.ApprovalItem
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		a, err := scanApproval(tx.QueryRow(ctx,
			`UPDATE approvals SET review_status = $2, reviewer = $3, feedback = $4,
			   corrected_category = $5, analysis_id = $6, reviewed_at = $7
			 WHERE id = $1 AND review_status = 'pending'
			 RETURNING `+approvalColumns,
			id, d.Status, d.Reviewer, d.Feedback, d.CorrectedCategory, d.AnalysisID, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return existsOrConflict(ctx, tx, `SELECT 1 FROM approvals WHERE id = $1`, id)
		}
		if err != nil {
			return fmt.Errorf("decide approval: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO approval_events (id, approval_id, build_id, action, reviewer, feedback, category, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), a.ID, a.BuildID, d.Action, d.Reviewer, d.Feedback, d.RoutedCategory, at)
		if err != nil {
			return fmt.Errorf("insert approval event: %w", err)
		}
		if d.Pipeline != nil {
			if err := insertPipeline(ctx, tx, d.Pipeline); err != nil {
				return err
			}
		}
		decided = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalItem, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("review_status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.BuildID != "" {
		conditions = append(conditions, fmt.Sprintf("build_id = $%d", argIdx))
		args = append(args, filter.BuildID)
		argIdx++
	}

	limit, offset := filter.pagination()
	query := fmt.Sprintf(
		`SELECT %s FROM approvals WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		approvalColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := []*models.ApprovalItem{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListApprovalEvents(ctx context.Context, buildID string) ([]*models.ApprovalEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, approval_id, build_id, action, reviewer, feedback, category, created_at
		 FROM approval_events WHERE build_id = $1 ORDER BY created_at`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list approval events: %w", err)
	}
	defer rows.Close()

	events := []*models.ApprovalEvent{}
	for rows.Next() {
		var e models.ApprovalEvent
		if err := rows.Scan(&e.ID, &e.ApprovalID, &e.BuildID, &e.Action, &e.Reviewer,
			&e.Feedback, &e.Category, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetApprovalStats(ctx context.Context) (*models.ApprovalStats, error) {
	var st models.ApprovalStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE review_status = 'pending'),
		        COUNT(*) FILTER (WHERE review_status = 'approved'),
		        COUNT(*) FILTER (WHERE review_status = 'rejected'),
		        COUNT(*) FILTER (WHERE review_status = 'escalated'),
		        COALESCE(AVG(confidence), 0),
		        COALESCE(AVG(confidence) FILTER (WHERE review_status = 'approved'), 0),
		        COALESCE(AVG(confidence) FILTER (WHERE review_status = 'rejected'), 0)
		 FROM approvals`,
	).Scan(&st.Total, &st.Pending, &st.Approved, &st.Rejected, &st.Escalated,
		&st.AvgConfidence, &st.ApprovedAvgConfidence, &st.RejectedAvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("approval stats: %w", err)
	}
	st.AvgConfidence = round3(st.AvgConfidence)
	st.ApprovedAvgConfidence = round3(st.ApprovedAvgConfidence)
	st.RejectedAvgConfidence = round3(st.RejectedAvgConfidence)

	rows, err := s.pool.Query(ctx,
		`SELECT error_category, COUNT(*),
		        COUNT(*) FILTER (WHERE review_status = 'approved'),
		        COUNT(*) FILTER (WHERE review_status = 'rejected'),
		        COUNT(*) FILTER (WHERE review_status = 'escalated')
		 FROM approvals GROUP BY error_category ORDER BY error_category`)
	if err != nil {
		return nil, fmt.Errorf("approval stats by category: %w", err)
	}
	defer rows.Close()

	st.ByCategory = []models.CategoryApprovalStats{}
	for rows.Next() {
		var c models.CategoryApprovalStats
		if err := rows.Scan(&c.Category, &c.Total, &c.Approved, &c.Rejected, &c.Escalated); err != nil {
			return nil, fmt.Errorf("scan category stats: %w", err)
		}
		c.ApprovalRate = approvalRate(c.Approved, c.Total)
		st.ByCategory = append(st.ByCategory, c)
	}
	return &st, rows.Err()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// --- Analyses ---

const analysisColumns = `id, build_id, content, validation_status, feedback, provider, created_at, updated_at`

func scanAnalysis(row rowScanner) (*models.AnalysisRecord, error) {
	var (
		a        models.AnalysisRecord
		content  []byte
		feedback []byte
	)
	err := row.Scan(&a.ID, &a.BuildID, &content, &a.ValidationStatus, &feedback,
		&a.Provider, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &a.Content); err != nil {
		return nil, fmt.Errorf("decode analysis content: %w", err)
	}
	if len(feedback) > 0 {
		var fb models.AnalysisFeedback
		if err := json.Unmarshal(feedback, &fb); err != nil {
			return nil, fmt.Errorf("decode analysis feedback: %w", err)
		}
		a.Feedback = &fb
	}
	return &a, nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.AnalysisRecord) error {
	content, err := json.Marshal(a.Content)
	if err != nil {
		return fmt.Errorf("encode analysis content: %w", err)
	}
	feedback, err := marshalNullable(a.Feedback)
	if err != nil {
		return fmt.Errorf("encode analysis feedback: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (`+analysisColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.BuildID, content, a.ValidationStatus, feedback, a.Provider, a.CreatedAt, a.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case isDuplicateKeyError(err):
		return ErrDuplicateKey
	case isForeignKeyError(err):
		return ErrNotFound
	}
	return fmt.Errorf("create analysis: %w", err)
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.AnalysisRecord, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetCurrentAnalysis(ctx context.Context, buildID string) (*models.AnalysisRecord, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE build_id = $1 ORDER BY created_at DESC LIMIT 1`, buildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current analysis: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ApplyFeedback(ctx context.Context, analysisID uuid.UUID, from, to models.ValidationStatus, fb models.AnalysisFeedback, entry *models.RefinementRecord) error {
	feedback, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode analysis feedback: %w", err)
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE analyses SET validation_status = $3, feedback = $4, updated_at = $5
			 WHERE id = $1 AND validation_status = $2`,
			analysisID, from, to, feedback, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("apply feedback: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return existsOrConflict(ctx, tx, `SELECT 1 FROM analyses WHERE id = $1`, analysisID)
		}
		if entry == nil {
			return nil
		}
		if err := insertRefinement(ctx, tx, entry); err != nil {
			if isDuplicateKeyError(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert refinement: %w", err)
		}
		return nil
	})
}

// --- Refinements ---

const refinementColumns = `id, build_id, analysis_id, feedback_type, reviewer, reason, comment, suggestion,
	options, original, previous_status, state, refined, error_message, created_at, completed_at`

func insertRefinement(ctx context.Context, q querier, r *models.RefinementRecord) error {
	original, err := json.Marshal(r.Original)
	if err != nil {
		return err
	}
	refined, err := marshalNullable(r.Refined)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO refinements (`+refinementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.BuildID, r.AnalysisID, r.FeedbackType, r.Reviewer, r.Reason, r.Comment, r.Suggestion,
		nonNil(r.Options), original, r.PreviousStatus, r.State, refined, r.ErrorMessage, r.CreatedAt, r.CompletedAt)
	return err
}

func scanRefinement(row rowScanner) (*models.RefinementRecord, error) {
	var (
		r        models.RefinementRecord
		original []byte
		refined  []byte
	)
	err := row.Scan(&r.ID, &r.BuildID, &r.AnalysisID, &r.FeedbackType, &r.Reviewer, &r.Reason,
		&r.Comment, &r.Suggestion, &r.Options, &original, &r.PreviousStatus, &r.State, &refined,
		&r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(original, &r.Original); err != nil {
		return nil, fmt.Errorf("decode original analysis: %w", err)
	}
	if len(refined) > 0 {
		var c models.AnalysisContent
		if err := json.Unmarshal(refined, &c); err != nil {
			return nil, fmt.Errorf("decode refined analysis: %w", err)
		}
		r.Refined = &c
	}
	return &r, nil
}

func (s *PostgresStore) CompleteRefinement(ctx context.Context, refinementID uuid.UUID, refined models.AnalysisContent) error {
	content, err := json.Marshal(refined)
	if err != nil {
		return fmt.Errorf("encode refined analysis: %w", err)
	}
	now := time.Now().UTC()

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var analysisID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE refinements SET state = 'complete', refined = $2, completed_at = $3
			 WHERE id = $1 AND state = 'pending' RETURNING analysis_id`,
			refinementID, content, now).Scan(&analysisID)
		if errors.Is(err, pgx.ErrNoRows) {
			return existsOrConflict(ctx, tx, `SELECT 1 FROM refinements WHERE id = $1`, refinementID)
		}
		if err != nil {
			return fmt.Errorf("complete refinement: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE analyses SET content = $2, validation_status = 'refined', updated_at = $3
			 WHERE id = $1 AND validation_status = 'refining'`,
			analysisID, content, now)
		if err != nil {
			return fmt.Errorf("replace analysis content: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	})
}

func (s *PostgresStore) FailRefinement(ctx context.Context, refinementID uuid.UUID, msg string) error {
	now := time.Now().UTC()

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var (
			analysisID uuid.UUID
			previous   models.ValidationStatus
		)
		err := tx.QueryRow(ctx,
			`UPDATE refinements SET state = 'failed', error_message = $2, completed_at = $3
			 WHERE id = $1 AND state = 'pending' RETURNING analysis_id, previous_status`,
			refinementID, msg, now).Scan(&analysisID, &previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return existsOrConflict(ctx, tx, `SELECT 1 FROM refinements WHERE id = $1`, refinementID)
		}
		if err != nil {
			return fmt.Errorf("fail refinement: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE analyses SET validation_status = $2, updated_at = $3
			 WHERE id = $1 AND validation_status = 'refining'`,
			analysisID, previous, now)
		if err != nil {
			return fmt.Errorf("restore analysis status: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetRefinement(ctx context.Context, id uuid.UUID) (*models.RefinementRecord, error) {
	r, err := scanRefinement(s.pool.QueryRow(ctx,
		`SELECT `+refinementColumns+` FROM refinements WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refinement: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRefinements(ctx context.Context, buildID string) ([]*models.RefinementRecord, error) {
	out, err := listRefinements(ctx, s.pool, []string{buildID})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func listRefinements(ctx context.Context, q querier, buildIDs []string) ([]*models.RefinementRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT `+refinementColumns+` FROM refinements WHERE build_id = ANY($1) ORDER BY created_at`, buildIDs)
	if err != nil {
		return nil, fmt.Errorf("list refinements: %w", err)
	}
	defer rows.Close()

	out := []*models.RefinementRecord{}
	for rows.Next() {
		r, err := scanRefinement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refinement: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Pipeline ---

const pipelineColumns = `id, build_id, analysis_id, stage, status, pr_number, pr_url, branch, build_status,
	jira_key, jira_url, approved_by, rejected_by, reject_reason, error_message, created_at, updated_at`

func scanPipeline(row rowScanner) (*models.PipelineItem, error) {
	var p models.PipelineItem
	err := row.Scan(&p.ID, &p.BuildID, &p.AnalysisID, &p.Stage, &p.Status, &p.PRNumber, &p.PRURL,
		&p.Branch, &p.BuildStatus, &p.JiraKey, &p.JiraURL, &p.ApprovedBy, &p.RejectedBy,
		&p.RejectReason, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePipelineItem(ctx context.Context, p *models.PipelineItem) error {
	return insertPipeline(ctx, s.pool, p)
}

func insertPipeline(ctx context.Context, q querier, p *models.PipelineItem) error {
	_, err := q.Exec(ctx,
		`INSERT INTO pipeline_items (`+pipelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.BuildID, p.AnalysisID, p.Stage, p.Status, p.PRNumber, p.PRURL, p.Branch, p.BuildStatus,
		p.JiraKey, p.JiraURL, p.ApprovedBy, p.RejectedBy, p.RejectReason, p.ErrorMessage, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create pipeline item: %w", err)
	}
	return nil
}

func (s *PostgresStore) getPipeline(ctx context.Context, name, query string, args ...any) (*models.PipelineItem, error) {
	p, err := scanPipeline(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPipelineItem(ctx context.Context, id uuid.UUID) (*models.PipelineItem, error) {
	return s.getPipeline(ctx, "get pipeline item",
		`SELECT `+pipelineColumns+` FROM pipeline_items WHERE id = $1`, id)
}

func (s *PostgresStore) GetPipelineByAnalysis(ctx context.Context, analysisID uuid.UUID) (*models.PipelineItem, error) {
	return s.getPipeline(ctx, "get pipeline by analysis",
		`SELECT `+pipelineColumns+` FROM pipeline_items WHERE analysis_id = $1 ORDER BY created_at DESC LIMIT 1`, analysisID)
}

func (s *PostgresStore) GetLatestPipeline(ctx context.Context, buildID string) (*models.PipelineItem, error) {
	return s.getPipeline(ctx, "get latest pipeline",
		`SELECT `+pipelineColumns+` FROM pipeline_items WHERE build_id = $1 ORDER BY created_at DESC LIMIT 1`, buildID)
}

func (s *PostgresStore) UpdatePipeline(ctx context.Context, id uuid.UUID, guard PipelineGuard, opts ...PipelineUpdateOption) (*models.PipelineItem, error) {
	params := &pipelineUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var updated *models.PipelineItem
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		p, err := scanPipeline(tx.QueryRow(ctx,
			`SELECT `+pipelineColumns+` FROM pipeline_items WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock pipeline item: %w", err)
		}
		if !guard.matches(p) {
			return ErrConflict
		}
		params.apply(p, time.Now().UTC())

		_, err = tx.Exec(ctx,
			`UPDATE pipeline_items SET stage = $2, status = $3, pr_number = $4, pr_url = $5, branch = $6,
			   build_status = $7, jira_key = $8, jira_url = $9, approved_by = $10, rejected_by = $11,
			   reject_reason = $12, error_message = $13, updated_at = $14
			 WHERE id = $1`,
			p.ID, p.Stage, p.Status, p.PRNumber, p.PRURL, p.Branch, p.BuildStatus, p.JiraKey, p.JiraURL,
			p.ApprovedBy, p.RejectedBy, p.RejectReason, p.ErrorMessage, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update pipeline item: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Jobs ---

const jobColumns = `id, build_id, type, status, ref_id, error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.BuildID, &j.Type, &j.Status, &j.RefID, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, build_id, type, status, ref_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.BuildID, job.Type, job.Status, job.RefID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if !validJobTransition(currentStatus, status) {
		return fmt.Errorf("%w: invalid job status transition: %s -> %s", ErrConflict, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, currentStatus, status, now}
	argIdx := 5

	if status == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.RefID != nil {
		query += fmt.Sprintf(", ref_id = $%d", argIdx)
		args = append(args, *params.RefID)
	}

	// status = $2 makes a concurrent transition lose rather than overwrite.
	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// --- Workflows ---

// LoadWorkflows reads inside a REPEATABLE READ transaction so every entity
// of every returned workflow comes from the same snapshot.
func (s *PostgresStore) LoadWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	var out []*models.Workflow
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		var err error
		out, err = loadWorkflows(ctx, tx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func loadWorkflows(ctx context.Context, q querier, filter WorkflowFilter) ([]*models.Workflow, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1
	if filter.BuildID != "" {
		conditions = append(conditions, fmt.Sprintf("build_id = $%d", argIdx))
		args = append(args, filter.BuildID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	args = append(args, filter.limit())

	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM failures WHERE %s ORDER BY occurred_at DESC LIMIT $%d`,
		failureColumns, strings.Join(conditions, " AND "), argIdx), args...)
	if err != nil {
		return nil, fmt.Errorf("load failures: %w", err)
	}
	failures, err := collectFailures(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Workflow, 0, len(failures))
	byBuild := make(map[string]*models.Workflow, len(failures))
	buildIDs := make([]string, 0, len(failures))
	for _, f := range failures {
		w := &models.Workflow{
			Failure:     *f,
			Refinements: []*models.RefinementRecord{},
			Pipelines:   []*models.PipelineItem{},
			Jobs:        []*models.Job{},
		}
		out = append(out, w)
		byBuild[f.BuildID] = w
		buildIDs = append(buildIDs, f.BuildID)
	}
	if len(buildIDs) == 0 {
		return out, nil
	}

	// Rows are ordered by created_at, so the last approval and analysis seen per build is the current one.
	if err := eachRow(ctx, q, `SELECT `+approvalColumns+` FROM approvals WHERE build_id = ANY($1) ORDER BY created_at`, buildIDs,
		func(row rowScanner) error {
			a, err := scanApproval(row)
			if err != nil {
				return fmt.Errorf("scan approval: %w", err)
			}
			byBuild[a.BuildID].Approval = a
			return nil
		}); err != nil {
		return nil, err
	}
	if err := eachRow(ctx, q, `SELECT `+analysisColumns+` FROM analyses WHERE build_id = ANY($1) ORDER BY created_at`, buildIDs,
		func(row rowScanner) error {
			a, err := scanAnalysis(row)
			if err != nil {
				return fmt.Errorf("scan analysis: %w", err)
			}
			byBuild[a.BuildID].Analysis = a
			return nil
		}); err != nil {
		return nil, err
	}
	if err := eachRow(ctx, q, `SELECT `+pipelineColumns+` FROM pipeline_items WHERE build_id = ANY($1) ORDER BY created_at`, buildIDs,
		func(row rowScanner) error {
			p, err := scanPipeline(row)
			if err != nil {
				return fmt.Errorf("scan pipeline item: %w", err)
			}
			w := byBuild[p.BuildID]
			w.Pipelines = append(w.Pipelines, p)
			return nil
		}); err != nil {
		return nil, err
	}
	if err := eachRow(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE build_id = ANY($1) ORDER BY created_at`, buildIDs,
		func(row rowScanner) error {
			j, err := scanJob(row)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			w := byBuild[j.BuildID]
			w.Jobs = append(w.Jobs, j)
			return nil
		}); err != nil {
		return nil, err
	}

	refinements, err := listRefinements(ctx, q, buildIDs)
	if err != nil {
		return nil, err
	}
	for _, r := range refinements {
		w := byBuild[r.BuildID]
		w.Refinements = append(w.Refinements, r)
	}
	return out, nil
}

func eachRow(ctx context.Context, q querier, query string, buildIDs []string, fn func(rowScanner) error) error {
	rows, err := q.Query(ctx, query, buildIDs)
	if err != nil {
		return fmt.Errorf("load workflow rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// existsOrConflict distinguishes a missing row from one in the wrong state
// after a conditional update matched nothing.
func existsOrConflict(ctx context.Context, q querier, query string, id uuid.UUID) error {
	var one int
	err := q.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
