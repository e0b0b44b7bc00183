package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration. It is built once by Load and
// passed by value to each component; nothing reads the environment later.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	AdminToken  string
	CORSOrigins []string

	// Source control
	GitHubToken         string
	GitHubAPIURL        string
	GitHubRepos         []string // owner/repo scopes
	GitHubOrg           string   // org scope for usage metrics
	GitHubWebhookSecret string
	WebhookDeliveryTTL  time.Duration

	// Issue tracker
	JiraBaseURL  string
	JiraEmail    string
	JiraToken    string
	JiraProjects []string
	JiraBoardID  int
	// Custom field holding the sprint; differs per Jira site
	JiraSprintField string

	// Messaging
	SlackBotToken      string
	SlackSigningSecret string
	SlackUserMap       map[string]string // source login -> Slack user ID

	// External classifier
	AnthropicAPIKey string
	AnthropicModel  string

	Sync    SyncConfig
	Budget  BudgetConfig
	Survey  SurveyConfig
	Workers WorkerConfig
}

// SyncConfig controls the orchestrator's batching and retry behaviour.
type SyncConfig struct {
	Concurrency   int
	BatchSize     int
	BatchDelay    time.Duration
	RetryBase     time.Duration
	MaxRetries    int
	Interval      time.Duration
	UsageInterval time.Duration
}

// BudgetConfig is the per-credential request budget for outbound API calls.
type BudgetConfig struct {
	Limit  int
	Window time.Duration
	QPS    float64
}

// SurveyConfig controls survey expiry.
type SurveyConfig struct {
	Expiry        time.Duration
	SweepInterval time.Duration
}

// WorkerConfig sizes the background workers that are not part of a sync job.
type WorkerConfig struct {
	ClassifierWorkers int
	ClassifierRetries int
	// ClassifierRetryInterval is how often items still lacking a model
	// verdict are queued again.
	ClassifierRetryInterval time.Duration
	AggregateInterval       time.Duration
}

// Load reads configuration from environment variables.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	ghToken := os.Getenv("GITHUB_TOKEN")
	if ghToken == "" {
		return nil, fmt.Errorf("GITHUB_TOKEN is required")
	}

	repos := getList("GITHUB_REPOS")
	for _, r := range repos {
		if len(strings.Split(r, "/")) != 2 {
			return nil, fmt.Errorf("invalid repo format in GITHUB_REPOS: %s (expected owner/repo)", r)
		}
	}

	userMap, err := parseUserMap(os.Getenv("SLACK_USER_MAP"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: dbURL,
		RedisURL:    os.Getenv("REDIS_URL"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
		CORSOrigins: getList("CORS_ORIGINS"),

		GitHubToken:         ghToken,
		GitHubAPIURL:        strings.TrimRight(getEnv("GITHUB_API_URL", "https://api.github.com"), "/"),
		GitHubRepos:         repos,
		GitHubOrg:           os.Getenv("GITHUB_ORG"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		WebhookDeliveryTTL:  getDuration("WEBHOOK_DELIVERY_TTL", 7*24*time.Hour),

		JiraBaseURL:     strings.TrimRight(os.Getenv("JIRA_BASE_URL"), "/"),
		JiraEmail:       os.Getenv("JIRA_EMAIL"),
		JiraToken:       os.Getenv("JIRA_TOKEN"),
		JiraProjects:    getList("JIRA_PROJECTS"),
		JiraBoardID:     getInt("JIRA_BOARD_ID", 0),
		JiraSprintField: getEnv("JIRA_SPRINT_FIELD", "customfield_10020"),

		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackUserMap:       userMap,

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-haiku-4-5-20251001"),

		Sync: SyncConfig{
			Concurrency:   getInt("SYNC_CONCURRENCY", 3),
			BatchSize:     getInt("SYNC_BATCH_SIZE", 10),
			BatchDelay:    getDuration("SYNC_BATCH_DELAY", time.Second),
			RetryBase:     getDuration("SYNC_RETRY_BASE", 5*time.Second),
			MaxRetries:    getInt("SYNC_MAX_RETRIES", 3),
			Interval:      getDuration("SYNC_INTERVAL", 15*time.Minute),
			UsageInterval: getDuration("USAGE_SYNC_INTERVAL", 6*time.Hour),
		},
		Budget: BudgetConfig{
			Limit:  getInt("API_BUDGET_LIMIT", 5000),
			Window: getDuration("API_BUDGET_WINDOW", time.Hour),
			QPS:    getFloat("API_QPS", 10),
		},
		Survey: SurveyConfig{
			Expiry:        getDuration("SURVEY_EXPIRY", 7*24*time.Hour),
			SweepInterval: getDuration("SURVEY_SWEEP_INTERVAL", time.Hour),
		},
		Workers: WorkerConfig{
			ClassifierWorkers:       getInt("CLASSIFIER_WORKERS", 2),
			ClassifierRetries:       getInt("CLASSIFIER_RETRIES", 3),
			ClassifierRetryInterval: getDuration("CLASSIFIER_RETRY_INTERVAL", 30*time.Minute),
			AggregateInterval:       getDuration("AGGREGATE_INTERVAL", time.Hour),
		},
	}

	if cfg.Sync.Concurrency <= 0 || cfg.Sync.BatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_CONCURRENCY and SYNC_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

// JiraEnabled reports whether issue tracker sync is configured.
func (c *Config) JiraEnabled() bool {
	return c.JiraBaseURL != "" && c.JiraToken != "" && len(c.JiraProjects) > 0
}

// SlackEnabled reports whether survey delivery is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// parseUserMap parses "login=U123,other=U456".
func parseUserMap(raw string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		login, id, ok := strings.Cut(pair, "=")
		if !ok || login == "" || id == "" {
			return nil, fmt.Errorf("invalid SLACK_USER_MAP entry: %q (expected login=slackID)", pair)
		}
		m[strings.TrimSpace(login)] = strings.TrimSpace(id)
	}
	return m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
