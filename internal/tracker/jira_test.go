package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jiraServer(t *testing.T, handler http.HandlerFunc) *Jira {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewJira(ts.URL+"/", "bot@acme.test", "secret", "CI", "", 5*time.Second)
}

func TestCreateBug_Success(t *testing.T) {
	j := jiraServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@acme.test", user)
		assert.Equal(t, "secret", pass)

		var body createIssueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CI", body.Fields.Project.Key)
		assert.Equal(t, "Bug", body.Fields.IssueType.Name)
		assert.Equal(t, "[CODE_ERROR] boom", body.Fields.Summary)
		assert.Equal(t, []string{"ai-detected", "test-failure"}, body.Fields.Labels)
		require.NotNil(t, body.Fields.Priority)
		assert.Equal(t, "High", body.Fields.Priority.Name)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "10001", "key": "CI-7", "self": "x"})
	})

	bug, err := j.CreateBug(context.Background(), models.BugRequest{
		Summary:  "[CODE_ERROR] boom",
		Details:  "details",
		Labels:   []string{"ai-detected", "test-failure"},
		Priority: "High",
	})
	require.NoError(t, err)
	assert.Equal(t, "CI-7", bug.Key)
	assert.Equal(t, j.baseURL+"/browse/CI-7", bug.URL)
}

func TestCreateBug_Unauthorized(t *testing.T) {
	j := jiraServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := j.CreateBug(context.Background(), models.BugRequest{Summary: "s"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateBug_BadRequestCarriesJiraMessage(t *testing.T) {
	j := jiraServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": map[string]string{"priority": "Field 'priority' cannot be set."},
		})
	})

	_, err := j.CreateBug(context.Background(), models.BugRequest{Summary: "s", Priority: "High"})
	require.ErrorIs(t, err, ErrRequest)
	assert.Contains(t, err.Error(), "priority")
}

func TestCreateBug_Timeout(t *testing.T) {
	j := jiraServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := j.CreateBug(ctx, models.BugRequest{Summary: "s"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCreateBug_Unreachable(t *testing.T) {
	j := NewJira("http://127.0.0.1:1", "e", "t", "CI", "Bug", time.Second)
	_, err := j.CreateBug(context.Background(), models.BugRequest{Summary: "s"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPing(t *testing.T) {
	j := jiraServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/myself", r.URL.Path)
		_, _ = w.Write([]byte(`{"accountId":"1"}`))
	})
	assert.NoError(t, j.Ping(context.Background()))
}

func TestNew_SelectsProvider(t *testing.T) {
	tr, err := New(config.TrackerConfig{Provider: "mock"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mock", tr.Name())

	tr, err = New(config.TrackerConfig{Provider: "jira", BaseURL: "https://acme.atlassian.net"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "jira", tr.Name())

	_, err = New(config.TrackerConfig{Provider: "linear"}, time.Second)
	assert.Error(t, err)
}

func TestMockTracker_Default(t *testing.T) {
	bug, err := NewMockTracker().CreateBug(context.Background(), models.BugRequest{})
	require.NoError(t, err)
	assert.Equal(t, "CI-1", bug.Key)
}
