package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cmdgate/internal/domain"
)

// Default actions applied when no rule matches. FailClosed rejects the
// command with a NoMatchingRule error.
const (
	DefaultNeedsApproval = domain.ActionNeedsApproval
	DefaultAutoAccept    = domain.ActionAutoAccept
	DefaultAutoReject    = domain.ActionAutoReject
	DefaultFailClosed    = "FAIL_CLOSED"
)

const (
	RejectVeto   = "veto"
	RejectQuorum = "quorum"
)

// Config models cmdgate.yml.
type Config struct {
	Policy  PolicyConfig  `yaml:"policy"`
	Credits CreditsConfig `yaml:"credits"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
}

type PolicyConfig struct {
	DefaultAction   string                `yaml:"default_action"`
	RejectionMode   string                `yaml:"rejection_mode"`
	ApprovalWindow  Duration              `yaml:"approval_window"`
	CommandCost     int                   `yaml:"command_cost"`
	CaseInsensitive bool                  `yaml:"case_insensitive"`
	TierThresholds  domain.TierThresholds `yaml:"tier_thresholds"`
	SeedRules       bool                  `yaml:"seed_rules"`
}

type CreditsConfig struct {
	InitialBalance int `yaml:"initial_balance"`
}

type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
}

type NotifyConfig struct {
	Workers   int             `yaml:"workers"`
	QueueSize int             `yaml:"queue_size"`
	NATS      NATSConfig      `yaml:"nats"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// JWTSecret enables bearer tokens; empty accepts API keys only.
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

// Duration is a time.Duration that reads "24h" style strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Policy.DefaultAction {
	case DefaultNeedsApproval, DefaultAutoAccept, DefaultAutoReject, DefaultFailClosed:
	default:
		return fmt.Errorf("policy.default_action must be one of NEEDS_APPROVAL, AUTO_ACCEPT, AUTO_REJECT, FAIL_CLOSED")
	}
	switch c.Policy.RejectionMode {
	case RejectVeto, RejectQuorum:
	default:
		return fmt.Errorf("policy.rejection_mode must be 'veto' or 'quorum'")
	}
	if c.Policy.ApprovalWindow.Duration <= 0 {
		return fmt.Errorf("policy.approval_window must be positive")
	}
	if c.Policy.CommandCost < 0 {
		return fmt.Errorf("policy.command_cost must be >= 0")
	}
	if err := c.Policy.TierThresholds.Validate(); err != nil {
		return fmt.Errorf("policy.tier_thresholds: %w", err)
	}
	if c.Credits.InitialBalance < 0 {
		return fmt.Errorf("credits.initial_balance must be >= 0")
	}
	if c.Sweeper.Interval.Duration <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if c.Notify.Workers < 1 {
		return fmt.Errorf("notify.workers must be >= 1")
	}
	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be >= 1")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	if c.Server.TokenTTL.Duration <= 0 {
		return fmt.Errorf("server.token_ttl must be positive")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cmdgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `policy:
  # action applied when no active rule matches: NEEDS_APPROVAL, AUTO_ACCEPT, AUTO_REJECT or FAIL_CLOSED
  default_action: NEEDS_APPROVAL
  # veto: one REJECT resolves the request; quorum: rejections must reach the approval threshold
  rejection_mode: veto
  approval_window: 24h
  command_cost: 1
  case_insensitive: true
  seed_rules: true
  tier_thresholds:
    junior: 3
    mid: 2
    senior: 1
    lead: 1

credits:
  initial_balance: 100

sweeper:
  interval: 1m

notify:
  workers: 2
  queue_size: 256
  nats:
    url: ""
    subject_prefix: cmdgate.approvals
  webhooks: []

logging:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  token_ttl: 1h
`
