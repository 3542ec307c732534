package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/ai/mock"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMockProvider_Defaults(t *testing.T) {
	p := mock.NewMockProvider()
	assert.Equal(t, "mock", p.Name())

	c, err := p.Classify(context.Background(), models.FailureRecord{TestName: "TestX"})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryCodeError, c.Category)
	assert.Contains(t, c.Suggestion, "TestX")

	a, err := p.Analyze(context.Background(), models.AnalysisRequest{Category: models.CategoryCodeError})
	require.NoError(t, err)
	assert.NotNil(t, a.CodePatch)
	assert.Equal(t, 0.75, a.Confidence)

	refined, err := p.Analyze(context.Background(), models.AnalysisRequest{
		Category: models.CategoryCodeError,
		Feedback: &models.RefinementFeedback{Suggestion: "s", Options: []string{"o"}},
	})
	require.NoError(t, err)
	assert.Greater(t, refined.Confidence, a.Confidence)
}

func TestMockProvider_NilFuncs(t *testing.T) {
	p := &mock.MockProvider{Name_: "empty"}
	c, err := p.Classify(context.Background(), models.FailureRecord{})
	require.NoError(t, err)
	assert.Empty(t, c.Category)
}

func TestNewFailingProvider(t *testing.T) {
	boom := errors.New("boom")
	p := mock.NewFailingProvider(boom)

	_, err := p.Classify(context.Background(), models.FailureRecord{})
	assert.ErrorIs(t, err, boom)
	_, err = p.Analyze(context.Background(), models.AnalysisRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestNewTimeoutProvider(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Analyze(ctx, models.AnalysisRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
