// Package models contains shared data models used across the cihealer codebase.
package models

import "time"

// FailureRecord is a CI test failure as reported by the build system.
// BuildID is assigned by CI and is the identity every other entity refers to.
type FailureRecord struct {
	BuildID      string    `db:"build_id"      json:"build_id"`
	JobName      string    `db:"job_name"      json:"job_name"`
	TestName     string    `db:"test_name"     json:"test_name"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	StackTrace   string    `db:"stack_trace"   json:"stack_trace"`
	Fingerprint  string    `db:"fingerprint"   json:"fingerprint"`
	OccurredAt   time.Time `db:"occurred_at"   json:"timestamp"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// TriggerSource identifies what started a workflow run.
type TriggerSource string

const (
	TriggerManual  TriggerSource = "manual"
	TriggerCron    TriggerSource = "cron"
	TriggerAging   TriggerSource = "aging"
	TriggerRestart TriggerSource = "restart"
)

// Valid reports whether s is a known trigger source.
func (s TriggerSource) Valid() bool {
	switch s {
	case TriggerManual, TriggerCron, TriggerAging, TriggerRestart:
		return true
	}
	return false
}

// Category is the error category assigned by the classifier.
type Category string

const (
	CategoryCodeError       Category = "CODE_ERROR"
	CategoryInfraError      Category = "INFRA_ERROR"
	CategoryConfigError     Category = "CONFIG_ERROR"
	CategoryEnvConfig       Category = "ENV_CONFIG"
	CategoryNetworkError    Category = "NETWORK_ERROR"
	CategoryDependencyError Category = "DEPENDENCY_ERROR"
	CategoryTestError       Category = "TEST_ERROR"
	CategoryUnknown         Category = "UNKNOWN_ERROR"
)

var knownCategories = map[Category]bool{
	CategoryCodeError:       true,
	CategoryInfraError:      true,
	CategoryConfigError:     true,
	CategoryEnvConfig:       true,
	CategoryNetworkError:    true,
	CategoryDependencyError: true,
	CategoryTestError:       true,
	CategoryUnknown:         true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return knownCategories[c]
}
