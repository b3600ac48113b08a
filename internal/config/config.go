package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Config holds orchestration policy and infrastructure settings
type Config struct {
	// Response policy
	AutoContainCritical           bool     `json:"auto_contain_critical" yaml:"auto_contain_critical"`
	AutoContainHigh               bool     `json:"auto_contain_high" yaml:"auto_contain_high"`
	RequireApprovalForContainment bool     `json:"require_approval_for_containment" yaml:"require_approval_for_containment"`
	RequireApprovalForRemediation bool     `json:"require_approval_for_remediation" yaml:"require_approval_for_remediation"`
	DefaultApprovers              []string `json:"default_approvers" yaml:"default_approvers"`

	// AutoContainmentActions maps a threat type to the containment applied to each affected asset.
	AutoContainmentActions map[string][]model.ContainmentType `json:"auto_containment_actions" yaml:"auto_containment_actions"`

	// Execution settings
	MaxConcurrentPlaybooks int           `json:"max_concurrent_playbooks" yaml:"max_concurrent_playbooks"`
	MinSuccessRate         float64       `json:"min_success_rate" yaml:"min_success_rate"`
	ActionTimeout          time.Duration `json:"action_timeout" yaml:"action_timeout"`

	// Housekeeping
	AuditRetentionDays  int           `json:"audit_retention_days" yaml:"audit_retention_days"`
	CleanupInterval     time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	EscalationTimeout   time.Duration `json:"escalation_timeout" yaml:"escalation_timeout"`

	// Infrastructure
	HTTPAddr                 string            `json:"http_addr" yaml:"http_addr"`
	DatabaseURL              string            `json:"database_url" yaml:"database_url"`
	RedisURL                 string            `json:"redis_url" yaml:"redis_url"`
	NATSURL                  string            `json:"nats_url" yaml:"nats_url"`
	NATSSubjectPrefix        string            `json:"nats_subject_prefix" yaml:"nats_subject_prefix"`
	JWTSecret                string            `json:"-" yaml:"jwt_secret"`
	PlaybookDir              string            `json:"playbook_dir" yaml:"playbook_dir"`
	PlaybookPublicKeyPath    string            `json:"playbook_public_key_path" yaml:"playbook_public_key_path"`
	RequirePlaybookSignature bool              `json:"require_playbook_signature" yaml:"require_playbook_signature"`
	ApprovalPolicyPath       string            `json:"approval_policy_path" yaml:"approval_policy_path"`
	Integrations             map[string]string `json:"integrations" yaml:"integrations"`
	LogDevelopment           bool              `json:"log_development" yaml:"log_development"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		AutoContainCritical:           true,
		AutoContainHigh:               false,
		RequireApprovalForContainment: false,
		RequireApprovalForRemediation: true,
		DefaultApprovers:              []string{},
		AutoContainmentActions: map[string][]model.ContainmentType{
			"malware":                 {model.ContainQuarantineHost},
			"ransomware":              {model.ContainQuarantineHost, model.ContainIsolateNetwork},
			"brute_force":             {model.ContainBlockIP},
			"intrusion":               {model.ContainBlockIP},
			"compromised_credentials": {model.ContainDisableAccount},
			"data_exfiltration":       {model.ContainUpdateFirewallRule},
		},
		MaxConcurrentPlaybooks: 10,
		MinSuccessRate:         0,
		ActionTimeout:          2 * time.Minute,
		AuditRetentionDays:     365,
		CleanupInterval:        24 * time.Hour,
		HealthCheckInterval:    time.Minute,
		EscalationTimeout:      30 * time.Minute,
		HTTPAddr:               ":8080",
		NATSSubjectPrefix:      "soar.events",
		Integrations:           map[string]string{},
	}
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentPlaybooks <= 0 {
		return fmt.Errorf("max_concurrent_playbooks must be positive, got %d", c.MaxConcurrentPlaybooks)
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("audit_retention_days must be positive, got %d", c.AuditRetentionDays)
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("min_success_rate must be within [0,1], got %v", c.MinSuccessRate)
	}
	for threat, types := range c.AutoContainmentActions {
		for _, t := range types {
			if !t.Valid() {
				return fmt.Errorf("auto containment for %s: unknown containment type %q", threat, t)
			}
		}
	}
	return nil
}

// AuditRetention is the retention horizon as a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// Load builds the configuration from defaults, an optional .env file, an optional YAML
// file named by SOAR_CONFIG_FILE and finally environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path := os.Getenv("SOAR_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.AutoContainCritical = getenvBool("SOAR_AUTO_CONTAIN_CRITICAL", c.AutoContainCritical)
	c.AutoContainHigh = getenvBool("SOAR_AUTO_CONTAIN_HIGH", c.AutoContainHigh)
	c.RequireApprovalForContainment = getenvBool("SOAR_REQUIRE_APPROVAL_CONTAINMENT", c.RequireApprovalForContainment)
	c.RequireApprovalForRemediation = getenvBool("SOAR_REQUIRE_APPROVAL_REMEDIATION", c.RequireApprovalForRemediation)
	if v := os.Getenv("SOAR_DEFAULT_APPROVERS"); v != "" {
		c.DefaultApprovers = splitList(v)
	}
	c.MaxConcurrentPlaybooks = getenvInt("SOAR_MAX_CONCURRENT_PLAYBOOKS", c.MaxConcurrentPlaybooks)
	c.AuditRetentionDays = getenvInt("SOAR_AUDIT_RETENTION_DAYS", c.AuditRetentionDays)
	if v := os.Getenv("SOAR_MIN_SUCCESS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinSuccessRate = f
		}
	}
	c.ActionTimeout = getenvDuration("SOAR_ACTION_TIMEOUT", c.ActionTimeout)
	c.CleanupInterval = getenvDuration("SOAR_CLEANUP_INTERVAL", c.CleanupInterval)
	c.HealthCheckInterval = getenvDuration("SOAR_HEALTH_CHECK_INTERVAL", c.HealthCheckInterval)
	c.EscalationTimeout = getenvDuration("SOAR_ESCALATION_TIMEOUT", c.EscalationTimeout)

	c.HTTPAddr = getenv("SOAR_HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.NATSURL = getenv("NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = getenv("SOAR_NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)
	c.JWTSecret = getenv("SOAR_JWT_SECRET", c.JWTSecret)
	c.PlaybookDir = getenv("SOAR_PLAYBOOK_DIR", c.PlaybookDir)
	c.PlaybookPublicKeyPath = getenv("SOAR_PLAYBOOK_PUBLIC_KEY", c.PlaybookPublicKeyPath)
	c.RequirePlaybookSignature = getenvBool("SOAR_REQUIRE_PLAYBOOK_SIGNATURE", c.RequirePlaybookSignature)
	c.ApprovalPolicyPath = getenv("SOAR_APPROVAL_POLICY", c.ApprovalPolicyPath)
	c.LogDevelopment = getenvBool("SOAR_LOG_DEVELOPMENT", c.LogDevelopment)

	// SOAR_INTEGRATIONS=edr=http://edr/health,siem=http://siem/health
	if v := os.Getenv("SOAR_INTEGRATIONS"); v != "" {
		if c.Integrations == nil {
			c.Integrations = map[string]string{}
		}
		for _, pair := range splitList(v) {
			name, url, ok := strings.Cut(pair, "=")
			if ok && name != "" && url != "" {
				c.Integrations[name] = url
			}
		}
	}
}

// getenv returns environment variable value or default
func getenv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getenvBool returns environment variable as boolean or default
func getenvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getenvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
