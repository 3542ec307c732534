package tracker

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

const summaryMessageRunes = 80

var baseLabels = []string{"ai-detected", "test-failure"}

var categoryLabels = map[models.Category][]string{
	models.CategoryCodeError:       {"code-error", "requires-dev"},
	models.CategoryTestError:       {"test-failure", "qa-attention"},
	models.CategoryInfraError:      {"infrastructure", "devops"},
	models.CategoryDependencyError: {"dependencies", "build-system"},
	models.CategoryConfigError:     {"configuration", "devops"},
	models.CategoryEnvConfig:       {"configuration", "devops"},
}

// BugInput is everything known about a verified fix when its bug is filed.
type BugInput struct {
	Failure  models.FailureRecord
	Category models.Category
	Analysis models.AnalysisContent
	PRURL    string
	// Occurrences counts failures sharing this failure's fingerprint, itself included.
	Occurrences int
}

// NewBugRequest renders the ticket for a verified fix.
func NewBugRequest(in BugInput) models.BugRequest {
	return models.BugRequest{
		Summary:  Summary(in.Category, in.Failure.ErrorMessage),
		Details:  details(in),
		Labels:   Labels(in.Category),
		Priority: Priority(in.Occurrences),
	}
}

// Summary formats "[CATEGORY] message", cutting the message at 80 characters.
func Summary(category models.Category, message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > summaryMessageRunes {
		message = string([]rune(message)[:summaryMessageRunes]) + "..."
	}
	return fmt.Sprintf("[%s] %s", category, message)
}

// Labels returns the base labels plus any labels mapped from category, without duplicates.
func Labels(category models.Category) []string {
	labels := append([]string(nil), baseLabels...)
	for _, l := range categoryLabels[category] {
		dup := false
		for _, existing := range labels {
			if existing == l {
				dup = true
				break
			}
		}
		if !dup {
			labels = append(labels, l)
		}
	}
	return labels
}

// Priority escalates with the number of recurring failures.
func Priority(occurrences int) string {
	switch {
	case occurrences >= 5:
		return "Highest"
	case occurrences >= 3:
		return "High"
	default:
		return "Medium"
	}
}

func details(in BugInput) string {
	var b strings.Builder
	b.WriteString("h2. AI-Detected Test Failure\n\n")
	fmt.Fprintf(&b, "*Build ID:* %s\n", in.Failure.BuildID)
	fmt.Fprintf(&b, "*Job Name:* %s\n", in.Failure.JobName)
	if in.Failure.TestName != "" {
		fmt.Fprintf(&b, "*Test:* %s\n", in.Failure.TestName)
	}
	fmt.Fprintf(&b, "*Error Category:* %s\n", in.Category)
	fmt.Fprintf(&b, "*Occurrences:* %d\n", in.Occurrences)
	fmt.Fprintf(&b, "*AI Confidence:* %d%%\n\n", int(math.Round(in.Analysis.Confidence*100)))

	b.WriteString("h3. Error Message\n\n{noformat}\n")
	b.WriteString(orDefault(in.Failure.ErrorMessage, "No error message available"))
	b.WriteString("\n{noformat}\n\n")

	b.WriteString("h3. Root Cause Analysis\n\n")
	b.WriteString(orDefault(in.Analysis.RootCause, "Analysis pending"))
	b.WriteString("\n\nh3. Recommended Fix\n\n")
	b.WriteString(orDefault(in.Analysis.FixRecommendation, "Review the error details and apply appropriate fix"))
	b.WriteString("\n")

	if in.PRURL != "" {
		fmt.Fprintf(&b, "\nh3. Links\n\n* [Fix Pull Request|%s]\n", in.PRURL)
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
