package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the merged contents of config.yml and config.local.yml.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	Storage   StorageConfig   `yaml:"storage"`
	Identity  IdentityConfig  `yaml:"identity"`
	Queue     QueueConfig     `yaml:"queue"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Triggers  TriggerConfig   `yaml:"triggers"`
	Funnel    FunnelConfig    `yaml:"funnel"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Preview   PreviewConfig   `yaml:"preview"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Storage:   DefaultStorageConfig(),
		Identity:  DefaultIdentityConfig(),
		Queue:     DefaultQueueConfig(),
		Webhook:   DefaultWebhookConfig(),
		Triggers:  DefaultTriggerConfig(),
		Funnel:    DefaultFunnelConfig(),
		Workflows: DefaultWorkflowsConfig(),
		Preview:   DefaultPreviewConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// LoadConfig reads configDir/config.yml then configDir/config.local.yml over
// the defaults, applies BEACON_* environment overrides and validates. An
// unreadable or malformed file is logged and skipped.
func LoadConfig(configDir string) (*Config, error) {
	cfg := Default()

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	dataDir := filepath.Dir(configDir)
	if err := finalize(configDir, dataDir, cfg.sections()...); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		slog.Warn("Error reading config file", "file", filename, "error", err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Error parsing config file", "file", filename, "error", err)
	}
}

func (c *Config) sections() []namedSection {
	return []namedSection{
		{"logging", &c.Logging},
		{"storage", &c.Storage},
		{"identity", &c.Identity},
		{"queue", &c.Queue},
		{"webhook", &c.Webhook},
		{"triggers", &c.Triggers},
		{"funnel", &c.Funnel},
		{"workflows", &c.Workflows},
		{"preview", &c.Preview},
		{"metrics", &c.Metrics},
	}
}
