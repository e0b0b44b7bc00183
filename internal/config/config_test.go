package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/detective")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.Sync.Concurrency)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, time.Second, cfg.Sync.BatchDelay)
	assert.Equal(t, 5*time.Second, cfg.Sync.RetryBase)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Survey.Expiry)
	assert.Equal(t, 7*24*time.Hour, cfg.WebhookDeliveryTTL)
	assert.Equal(t, "customfield_10020", cfg.JiraSprintField)
	assert.Equal(t, 30*time.Minute, cfg.Workers.ClassifierRetryInterval)
	assert.False(t, cfg.JiraEnabled())
	assert.False(t, cfg.SlackEnabled())
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GITHUB_TOKEN", "x")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("GITHUB_TOKEN", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("GITHUB_REPOS", "acme/api, acme/web")
	t.Setenv("SYNC_CONCURRENCY", "5")
	t.Setenv("SYNC_BATCH_DELAY", "250ms")
	t.Setenv("SLACK_USER_MAP", "alice=U1, bob=U2")
	t.Setenv("JIRA_BASE_URL", "https://acme.atlassian.net/")
	t.Setenv("JIRA_TOKEN", "tok")
	t.Setenv("JIRA_PROJECTS", "CORE")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"acme/api", "acme/web"}, cfg.GitHubRepos)
	assert.Equal(t, 5, cfg.Sync.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.BatchDelay)
	assert.Equal(t, map[string]string{"alice": "U1", "bob": "U2"}, cfg.SlackUserMap)
	assert.Equal(t, "https://acme.atlassian.net", cfg.JiraBaseURL)
	assert.True(t, cfg.JiraEnabled())
}

func TestLoad_InvalidRepo(t *testing.T) {
	setRequired(t)
	t.Setenv("GITHUB_REPOS", "not-a-repo")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidUserMap(t *testing.T) {
	setRequired(t)
	t.Setenv("SLACK_USER_MAP", "alice")

	_, err := Load()
	assert.Error(t, err)
}
