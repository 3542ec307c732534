package ai

import (
	"github.com/kiranshivaraju/cihealer/internal/fingerprint"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

const (
	maxSuggestionBytes = 2000
	maxRootCauseBytes  = 4000
	maxFixBytes        = 4000
	maxSimilarCases    = 5
)

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NormalizeClassification clamps confidence to [0, 1], truncates the
// suggestion and maps an empty category to UNKNOWN_ERROR.
func NormalizeClassification(c models.Classification) models.Classification {
	c.Confidence = clamp01(c.Confidence)
	c.Suggestion = fingerprint.Truncate(c.Suggestion, maxSuggestionBytes)
	if c.Category == "" {
		c.Category = models.CategoryUnknown
	}
	return c
}

// NormalizeContent applies the same bounds to an analysis. An engine that
// omits the classification inherits the routed category.
func NormalizeContent(c models.AnalysisContent, category models.Category) models.AnalysisContent {
	c.Confidence = clamp01(c.Confidence)
	c.RootCause = fingerprint.Truncate(c.RootCause, maxRootCauseBytes)
	c.FixRecommendation = fingerprint.Truncate(c.FixRecommendation, maxFixBytes)
	if c.Classification == "" {
		c.Classification = category
	}
	if len(c.SimilarCases) > maxSimilarCases {
		c.SimilarCases = c.SimilarCases[:maxSimilarCases]
	}
	return c
}
