package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the cihealer server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	CodeHost  CodeHostConfig
	Tracker   TrackerConfig
	Workflow  WorkflowConfig
	Aging     AgingConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	BaseURL          string
	APIKey           string
	InferenceTimeout time.Duration
}

type CodeHostConfig struct {
	Provider        string
	Token           string
	Owner           string
	Repo            string
	BaseBranch      string
	FixBranchPrefix string
}

type TrackerConfig struct {
	Provider   string
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string
}

type WorkflowConfig struct {
	ExternalTimeout   time.Duration
	BuildPollInterval time.Duration
	BuildTimeout      time.Duration
	// ConfidenceWarning is advisory only; fixes below it are still approvable.
	ConfidenceWarning float64
	AutoCreateBug     bool
	RoutingFile       string
	StatsTTL          time.Duration
}

type AgingConfig struct {
	Enabled       bool
	Schedule      string
	ThresholdDays int
	BatchSize     int
}

type RateLimitConfig struct {
	PerMinute int
}

var (
	validStoreDrivers = map[string]bool{"postgres": true, "memory": true}
	validAIProviders  = map[string]bool{"remote": true, "mock": true}
	validCodeHosts    = map[string]bool{"github": true, "mock": true}
	validTrackers     = map[string]bool{"jira": true, "mock": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CIHEALER_PORT", 8080),
			Env:  envString("CIHEALER_ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: envDuration("DATABASE_CONN_MAX_IDLE_TIME", time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			BaseURL:          os.Getenv("AI_BASE_URL"),
			APIKey:           os.Getenv("AI_API_KEY"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
		},
		CodeHost: CodeHostConfig{
			Provider:        envString("CODEHOST_PROVIDER", "github"),
			Token:           os.Getenv("GITHUB_TOKEN"),
			Owner:           os.Getenv("GITHUB_OWNER"),
			Repo:            os.Getenv("GITHUB_REPO"),
			BaseBranch:      envString("GITHUB_BASE_BRANCH", "main"),
			FixBranchPrefix: envString("GITHUB_FIX_BRANCH_PREFIX", "fix/build-"),
		},
		Tracker: TrackerConfig{
			Provider:   envString("TRACKER_PROVIDER", "jira"),
			BaseURL:    os.Getenv("JIRA_BASE_URL"),
			Email:      os.Getenv("JIRA_EMAIL"),
			APIToken:   os.Getenv("JIRA_API_TOKEN"),
			ProjectKey: os.Getenv("JIRA_PROJECT_KEY"),
			IssueType:  envString("JIRA_ISSUE_TYPE", "Bug"),
		},
		Workflow: WorkflowConfig{
			ExternalTimeout:   envDuration("WORKFLOW_EXTERNAL_TIMEOUT", 2*time.Minute),
			BuildPollInterval: envDuration("WORKFLOW_BUILD_POLL_INTERVAL", 30*time.Second),
			BuildTimeout:      envDuration("WORKFLOW_BUILD_TIMEOUT", 45*time.Minute),
			ConfidenceWarning: envFloat("WORKFLOW_CONFIDENCE_WARNING", 0.70),
			AutoCreateBug:     envBool("WORKFLOW_AUTO_CREATE_BUG", true),
			RoutingFile:       os.Getenv("WORKFLOW_ROUTING_FILE"),
			StatsTTL:          envDuration("WORKFLOW_STATS_TTL", 5*time.Second),
		},
		Aging: AgingConfig{
			Enabled:       envBool("AGING_ENABLED", true),
			Schedule:      envString("AGING_SCHEDULE", "0 */6 * * *"),
			ThresholdDays: envInt("AGING_THRESHOLD_DAYS", 3),
			BatchSize:     envInt("AGING_BATCH_SIZE", 50),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStoreDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validAIProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of remote, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "remote" {
		if err := requireHTTPURL("AI_BASE_URL", c.AI.BaseURL); err != nil {
			return err
		}
	}

	if !validCodeHosts[c.CodeHost.Provider] {
		return fmt.Errorf("CODEHOST_PROVIDER must be one of github, mock; got %q", c.CodeHost.Provider)
	}
	if c.CodeHost.Provider == "github" {
		if c.CodeHost.Token == "" {
			return fmt.Errorf("GITHUB_TOKEN is required when CODEHOST_PROVIDER is github")
		}
		if c.CodeHost.Owner == "" || c.CodeHost.Repo == "" {
			return fmt.Errorf("GITHUB_OWNER and GITHUB_REPO are required when CODEHOST_PROVIDER is github")
		}
	}

	if !validTrackers[c.Tracker.Provider] {
		return fmt.Errorf("TRACKER_PROVIDER must be one of jira, mock; got %q", c.Tracker.Provider)
	}
	if c.Tracker.Provider == "jira" {
		if err := requireHTTPURL("JIRA_BASE_URL", c.Tracker.BaseURL); err != nil {
			return err
		}
		if c.Tracker.Email == "" || c.Tracker.APIToken == "" {
			return fmt.Errorf("JIRA_EMAIL and JIRA_API_TOKEN are required when TRACKER_PROVIDER is jira")
		}
		if c.Tracker.ProjectKey == "" {
			return fmt.Errorf("JIRA_PROJECT_KEY is required when TRACKER_PROVIDER is jira")
		}
	}

	if c.Workflow.ConfidenceWarning < 0 || c.Workflow.ConfidenceWarning > 1 {
		return fmt.Errorf("WORKFLOW_CONFIDENCE_WARNING must be between 0 and 1, got %v", c.Workflow.ConfidenceWarning)
	}
	if c.Workflow.ExternalTimeout <= 0 || c.Workflow.BuildTimeout <= 0 || c.Workflow.BuildPollInterval <= 0 {
		return fmt.Errorf("workflow timeouts and poll interval must be positive")
	}

	if c.Aging.Enabled && c.Aging.ThresholdDays <= 0 {
		return fmt.Errorf("AGING_THRESHOLD_DAYS must be positive, got %d", c.Aging.ThresholdDays)
	}

	return nil
}

func requireHTTPURL(key, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", key)
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got %q", key, v)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
