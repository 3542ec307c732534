package ai_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kiranshivaraju/cihealer/internal/ai"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeClassification(t *testing.T) {
	got := ai.NormalizeClassification(models.Classification{Confidence: 1.7, Suggestion: strings.Repeat("x", 3000)})
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, models.CategoryUnknown, got.Category)
	assert.Len(t, got.Suggestion, 2000)

	got = ai.NormalizeClassification(models.Classification{Category: models.CategoryInfraError, Confidence: -0.2})
	assert.Equal(t, 0.0, got.Confidence)
	assert.Equal(t, models.CategoryInfraError, got.Category)
}

func TestNormalizeContent(t *testing.T) {
	cases := make([]models.SimilarCase, 8)
	got := ai.NormalizeContent(models.AnalysisContent{
		Confidence:   2,
		RootCause:    strings.Repeat("é", 3000),
		SimilarCases: cases,
	}, models.CategoryCodeError)

	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, models.CategoryCodeError, got.Classification)
	assert.LessOrEqual(t, len(got.RootCause), 4000)
	assert.True(t, strings.HasSuffix(got.RootCause, "é"), "truncation must not split a rune")
	assert.Len(t, got.SimilarCases, 5)
}

func TestRetryable(t *testing.T) {
	assert.True(t, ai.Retryable(fmt.Errorf("wrap: %w", ai.ErrProviderUnavailable)))
	assert.True(t, ai.Retryable(ai.ErrInferenceTimeout))
	assert.False(t, ai.Retryable(ai.ErrInvalidResponse))
	assert.False(t, ai.Retryable(errors.New("other")))
}
