package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldproof.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Reconcile struct {
		// Cutoff is a pointer so an explicit 0 is distinguishable from unset.
		Cutoff *float64 `yaml:"cutoff"`
		Metric string   `yaml:"metric"`
	} `yaml:"reconcile"`
	Checklist struct {
		Default []ChecklistTemplate `yaml:"default"`
	} `yaml:"checklist"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Notifications struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notifications"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

// ChecklistTemplate seeds a technician's checklist when an assignment is created.
type ChecklistTemplate struct {
	Title     string `yaml:"title"`
	Mandatory bool   `yaml:"mandatory"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// SubscriberConfig describes an event-feed consumer, e.g. the external
// report generator listening for order.approved.
type SubscriberConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fp config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.Name == "" {
		return fmt.Errorf("config.workspace.name is required")
	}
	if c.Reconcile.Cutoff != nil && (*c.Reconcile.Cutoff < 0 || *c.Reconcile.Cutoff > 1) {
		return fmt.Errorf("config.reconcile.cutoff must be within [0,1]")
	}
	switch c.Reconcile.Metric {
	case "", "jaro_winkler", "sorensen_dice":
	default:
		return fmt.Errorf("config.reconcile.metric %s not supported", c.Reconcile.Metric)
	}
	for i, tpl := range c.Checklist.Default {
		if tpl.Title == "" {
			return fmt.Errorf("config.checklist.default[%d] has empty title", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["supervisor"]; !ok {
			return fmt.Errorf("config.rbac.roles must include supervisor")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, sub := range c.Subscribers {
		if sub.URL == "" {
			return fmt.Errorf("config.subscribers[%d] has empty url", i)
		}
	}
	return nil
}

// Cutoff returns the fuzzy-match cutoff, defaulting to 0.85 when unset.
func (c *Config) Cutoff() float64 {
	if c == nil || c.Reconcile.Cutoff == nil {
		return 0.85
	}
	return *c.Reconcile.Cutoff
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldproof.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// Default returns the default Config struct for a workspace.
func Default(name string) *Config {
	var cfg Config
	cfg.Workspace.Name = name
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, name))).Decode(&cfg)
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
  name: %s

reconcile:
  cutoff: 0.85
  metric: jaro_winkler

checklist:
  default:
    - title: "Site overview photo"
      mandatory: true
    - title: "Closeup panel"
      mandatory: true
    - title: "Serial number plate"
      mandatory: false

rbac:
  roles:
    supervisor:
      description: "Assigns technicians and reviews finished orders"
      permissions:
        - order.create
        - order.read
        - order.list
        - order.assign
        - order.approve
        - order.reject
        - order.reopen
        - checklist.read
        - checklist.write
        - evidence.read
        - evidence.reconcile
        - log.read
    technician:
      description: "Accepts orders and uploads photo evidence"
      permissions:
        - order.read
        - order.list
        - order.accept
        - order.finalize
        - checklist.read
        - evidence.read
        - evidence.upload
        - evidence.reconcile
    viewer:
      description: "Read-only access"
      permissions:
        - order.read
        - order.list
        - checklist.read
        - evidence.read
        - log.read

notifications:
  url: ""
  timeout_seconds: 5

subscribers: []
`
