package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// Jira files bugs through the Jira REST API v2 using email + API token auth.
type Jira struct {
	baseURL    string
	email      string
	apiToken   string
	projectKey string
	issueType  string
	client     *http.Client
}

// NewJira creates a Jira tracker for a single project.
func NewJira(baseURL, email, apiToken, projectKey, issueType string, timeout time.Duration) *Jira {
	if issueType == "" {
		issueType = "Bug"
	}
	return &Jira{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		projectKey: projectKey,
		issueType:  issueType,
		client:     &http.Client{Timeout: timeout},
	}
}

func (j *Jira) Name() string { return "jira" }

// CreateBug creates an issue and returns its key and browse URL.
func (j *Jira) CreateBug(ctx context.Context, req models.BugRequest) (models.Bug, error) {
	fields := issueFields{
		Project:     keyRef{Key: j.projectKey},
		Summary:     req.Summary,
		Description: req.Details,
		IssueType:   nameRef{Name: j.issueType},
		Labels:      req.Labels,
	}
	if req.Priority != "" {
		fields.Priority = &nameRef{Name: req.Priority}
	}

	body, err := json.Marshal(createIssueRequest{Fields: fields})
	if err != nil {
		return models.Bug{}, fmt.Errorf("encoding issue: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return models.Bug{}, fmt.Errorf("building request: %w", err)
	}
	j.setHeaders(httpReq)

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return models.Bug{}, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.Bug{}, err
	}

	var created createIssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return models.Bug{}, fmt.Errorf("decoding create issue response: %w", err)
	}
	if created.Key == "" {
		return models.Bug{}, fmt.Errorf("%w: response has no issue key", ErrRequest)
	}

	return models.Bug{
		Key: created.Key,
		URL: j.baseURL + "/browse/" + created.Key,
	}, nil
}

// Ping verifies the credentials against /rest/api/2/myself.
func (j *Jira) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/rest/api/2/myself", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	j.setHeaders(httpReq)

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (j *Jira) setHeaders(req *http.Request) {
	req.SetBasicAuth(j.email, j.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}

	var apiErr errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &apiErr) == nil {
		if msg := apiErr.message(); msg != "" {
			return fmt.Errorf("%w: status %d: %s", ErrRequest, resp.StatusCode, msg)
		}
	}
	return fmt.Errorf("%w: status %d", ErrRequest, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Jira request/response types ---

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	IssueType   nameRef  `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
	Priority    *nameRef `json:"priority,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

func (e errorResponse) message() string {
	if len(e.ErrorMessages) > 0 {
		return e.ErrorMessages[0]
	}
	for field, msg := range e.Errors {
		return field + ": " + msg
	}
	return ""
}

// Compile-time check that Jira implements models.IssueTracker.
var _ models.IssueTracker = (*Jira)(nil)
