package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dealdesk.yml.
type Config struct {
	Workspace struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"workspace"`
	Projects struct {
		DefaultEstimatedHours float64 `yaml:"default_estimated_hours"`
	} `yaml:"projects"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Notifications struct {
		Webhooks map[string]WebhookTarget `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// WebhookTarget is a named notification sink.
type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with ddk workspace init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Workspace.Kind != "marketplace-workspace" {
		return fmt.Errorf("config.workspace.kind must be 'marketplace-workspace'")
	}
	if c.Projects.DefaultEstimatedHours < 0 {
		return fmt.Errorf("config.projects.default_estimated_hours must not be negative")
	}
	for name, hook := range c.Notifications.Webhooks {
		if name == "" {
			return fmt.Errorf("config.notifications.webhooks contains empty target name")
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook target %s has empty url", name)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook target %s has empty event kind", name)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	cfg.Workspace.Kind = "marketplace-workspace"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `workspace:
  id: %s
  kind: marketplace-workspace

projects:
  default_estimated_hours: 8

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

notifications:
  webhooks: {}
`
