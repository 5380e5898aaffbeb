package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hiraflow/internal/hira"
)

// Config models hira.yml.
type Config struct {
	Company struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"company"`
	RBAC struct {
		AdminRoles      []string `yaml:"admin_roles"`
		SuperadminRoles []string `yaml:"superadmin_roles"`
	} `yaml:"rbac"`
	Workflow struct {
		AllowCloseWithPendingActions bool `yaml:"allow_close_with_pending_actions"`
	} `yaml:"workflow"`
	Autosave struct {
		Interval    string `yaml:"interval"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"autosave"`
	Suggestions struct {
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Timeout string `yaml:"timeout"`
	} `yaml:"suggestions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with hira config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Company.ID == "" {
		return fmt.Errorf("config.company.id is required")
	}
	if len(c.RBAC.AdminRoles) == 0 {
		return fmt.Errorf("config.rbac.admin_roles must name at least one role")
	}
	for _, role := range append(append([]string{}, c.RBAC.AdminRoles...), c.RBAC.SuperadminRoles...) {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.rbac contains an empty role name")
		}
	}
	if c.Autosave.Interval != "" {
		d, err := time.ParseDuration(c.Autosave.Interval)
		if err != nil {
			return fmt.Errorf("config.autosave.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.autosave.interval must be positive")
		}
	}
	if c.Autosave.MaxAttempts < 0 {
		return fmt.Errorf("config.autosave.max_attempts must not be negative")
	}
	if c.Suggestions.Timeout != "" {
		if _, err := time.ParseDuration(c.Suggestions.Timeout); err != nil {
			return fmt.Errorf("config.suggestions.timeout: %w", err)
		}
	}
	return nil
}

// Policy returns the permission rules the core enforces.
func (c *Config) Policy() hira.Policy {
	p := hira.DefaultPolicy()
	if c == nil {
		return p
	}
	if len(c.RBAC.AdminRoles) > 0 {
		p.AdminRoles = c.RBAC.AdminRoles
	}
	if len(c.RBAC.SuperadminRoles) > 0 {
		p.SuperadminRoles = c.RBAC.SuperadminRoles
	}
	p.AllowCloseWithPendingActions = c.Workflow.AllowCloseWithPendingActions
	return p
}

// AutosaveInterval defaults to 30s.
func (c *Config) AutosaveInterval() time.Duration {
	if c != nil && c.Autosave.Interval != "" {
		if d, err := time.ParseDuration(c.Autosave.Interval); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// AutosaveMaxAttempts defaults to 3.
func (c *Config) AutosaveMaxAttempts() int {
	if c != nil && c.Autosave.MaxAttempts > 0 {
		return c.Autosave.MaxAttempts
	}
	return 3
}

// SuggestionTimeout defaults to 20s.
func (c *Config) SuggestionTimeout() time.Duration {
	if c != nil && c.Suggestions.Timeout != "" {
		if d, err := time.ParseDuration(c.Suggestions.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 20 * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hira.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(companyID string) string {
	return fmt.Sprintf(defaultTemplate, companyID, companyID)
}

// Default returns the default Config struct for a company.
func Default(companyID string) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(companyID))).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("default config for %q: %w", companyID, err)
	}
	cfg.Company.ID = companyID
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `company:
  id: %s
  name: %s

rbac:
  admin_roles: [admin, owner]
  superadmin_roles: [superadmin]

workflow:
  # close is refused while actions are pending unless this is on
  allow_close_with_pending_actions: false

autosave:
  interval: 30s
  max_attempts: 3

suggestions:
  url: ""
  token: ""
  timeout: 20s
`
