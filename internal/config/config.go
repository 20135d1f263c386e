package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all orchestrator configuration loaded from environment variables.
// Per-project settings (tracked backlogs, skill commands) live in the YAML
// project file, see LoadProjects.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Project file with tracked backlogs and skill commands
	ProjectFile string `envconfig:"FOREMAN_CONFIG" default:"foreman.yaml"`

	// Slack (optional, orchestrator runs without Slack in API-only mode)
	SlackBotToken   string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken   string `envconfig:"SLACK_APP_TOKEN"` // xapp- token for Socket Mode
	OperatorChannel string `envconfig:"OPERATOR_CHANNEL"`

	// GitHub App (backlog collaborator)
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubToken          string `envconfig:"GITHUB_TOKEN"` // PAT fallback when no App is configured

	// Scheduler
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"2m"`
	MaxAutoSessions int           `envconfig:"MAX_AUTO_SESSIONS" default:"2"`
	Lookback        time.Duration `envconfig:"SCHEDULER_LOOKBACK" default:"24h"`

	// Bridge
	AgentBin      string        `envconfig:"AGENT_BIN" default:"agentd"`
	WorkspaceRoot string        `envconfig:"WORKSPACE_ROOT" default:"./workspaces"`
	GracePeriod   time.Duration `envconfig:"GRACE_PERIOD" default:"10s"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// GitHubAppEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubAppEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
