package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// StorageConfig configures the durable and ephemeral storage scopes.
type StorageConfig struct {
	// Dir is the pebble directory backing the durable scope.
	// An empty Dir after defaults means "memory", used by previews and tests.
	Dir        string   `yaml:"dir"`
	InMemory   bool     `yaml:"in_memory"`
	VisitorTTL Duration `yaml:"visitor_ttl"`
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Dir:        "data/beacon",
		VisitorTTL: Duration(30 * 24 * time.Hour),
	}
}

func (c *StorageConfig) ApplyDefaults() {
	if c.Dir == "" && !c.InMemory {
		c.Dir = "data/beacon"
	}
	if c.VisitorTTL == 0 {
		c.VisitorTTL = Duration(30 * 24 * time.Hour)
	}
}

func (c *StorageConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_STORAGE_DIR"); v != "" {
		c.Dir = v
	}
}

func (c *StorageConfig) ResolvePaths(_, dataDir string) {
	c.Dir = resolvePath(dataDir, c.Dir)
}

func (c *StorageConfig) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return fmt.Errorf("storage.dir is required unless storage.in_memory is set")
	}
	if c.VisitorTTL < 0 {
		return fmt.Errorf("storage.visitor_ttl must not be negative")
	}
	return nil
}

// IdentityConfig configures visitor and session identity.
type IdentityConfig struct {
	SessionExpiry Duration `yaml:"session_expiry"`
}

func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{SessionExpiry: Duration(30 * time.Minute)}
}

func (c *IdentityConfig) ApplyDefaults() {
	if c.SessionExpiry == 0 {
		c.SessionExpiry = Duration(30 * time.Minute)
	}
}

func (c *IdentityConfig) ApplyEnvOverrides()    {}
func (c *IdentityConfig) ResolvePaths(_, _ string) {}

func (c *IdentityConfig) Validate() error {
	if c.SessionExpiry <= 0 {
		return fmt.Errorf("identity.session_expiry must be positive")
	}
	return nil
}

// RetryConfig is the bounded retry policy shared by batch delivery and webhooks.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: Duration(time.Second),
		Multiplier:     1,
	}
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = Duration(time.Second)
	}
	if c.Multiplier == 0 {
		c.Multiplier = 1
	}
}

func (c *RetryConfig) validate(section string) error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%s.retry.max_attempts must be at least 1", section)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("%s.retry.multiplier must be >= 1", section)
	}
	return nil
}

// QueueConfig configures event batching and delivery.
type QueueConfig struct {
	Transport     string      `yaml:"transport"` // http or nats
	Endpoint      string      `yaml:"endpoint"`
	WebsiteID     string      `yaml:"website_id"`
	FlushDelay    Duration    `yaml:"flush_delay"`
	MaxBatchSize  int         `yaml:"max_batch_size"`
	HTTPTimeout   Duration    `yaml:"http_timeout"`
	Retry         RetryConfig `yaml:"retry"`
	NatsURL       string      `yaml:"nats_url"`
	StreamName    string      `yaml:"stream_name"`
	SubjectPrefix string      `yaml:"subject_prefix"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Transport:     "http",
		Endpoint:      "http://localhost:8080/api",
		FlushDelay:    Duration(100 * time.Millisecond),
		MaxBatchSize:  50,
		HTTPTimeout:   Duration(5 * time.Second),
		Retry:         defaultRetryConfig(),
		NatsURL:       "nats://localhost:4222",
		StreamName:    "BEACON",
		SubjectPrefix: "beacon.events",
	}
}

func (c *QueueConfig) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = "http"
	}
	if c.FlushDelay == 0 {
		c.FlushDelay = Duration(100 * time.Millisecond)
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 50
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(5 * time.Second)
	}
	if c.StreamName == "" {
		c.StreamName = "BEACON"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "beacon.events"
	}
	c.Retry.applyDefaults()
}

func (c *QueueConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_QUEUE_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("BEACON_WEBSITE_ID"); v != "" {
		c.WebsiteID = v
	}
	if v := os.Getenv("BEACON_QUEUE_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("BEACON_NATS_URL"); v != "" {
		c.NatsURL = v
	}
}

func (c *QueueConfig) ResolvePaths(_, _ string) {}

func (c *QueueConfig) Validate() error {
	switch c.Transport {
	case "http":
		if _, err := url.ParseRequestURI(c.Endpoint); err != nil {
			return fmt.Errorf("queue.endpoint is not a valid URL: %w", err)
		}
	case "nats":
		if c.NatsURL == "" {
			return fmt.Errorf("queue.nats_url is required for nats transport")
		}
	default:
		return fmt.Errorf("invalid queue transport: %s (must be http or nats)", c.Transport)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("queue.max_batch_size must be at least 1")
	}
	return c.Retry.validate("queue")
}

// WebhookConfig configures outbound webhook actions.
type WebhookConfig struct {
	Timeout       Duration    `yaml:"timeout"`
	Retry         RetryConfig `yaml:"retry"`
	SigningSecret string      `yaml:"signing_secret"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout: Duration(5 * time.Second),
		Retry:   defaultRetryConfig(),
	}
}

func (c *WebhookConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(5 * time.Second)
	}
	c.Retry.applyDefaults()
}

func (c *WebhookConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_WEBHOOK_SECRET"); v != "" {
		c.SigningSecret = v
	}
}

func (c *WebhookConfig) ResolvePaths(_, _ string) {}

func (c *WebhookConfig) Validate() error {
	return c.Retry.validate("webhook")
}

// TriggerConfig holds the tunable browser heuristics.
type TriggerConfig struct {
	ExitIntent ExitIntentConfig `yaml:"exit_intent"`
}

// ExitIntentConfig tunes the exit-intent pointer heuristic.
type ExitIntentConfig struct {
	TopMargin         float64  `yaml:"top_margin"`          // px from the viewport top
	MinUpwardVelocity float64  `yaml:"min_upward_velocity"` // px per ms
	MinDwell          Duration `yaml:"min_dwell"`
}

func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		ExitIntent: ExitIntentConfig{
			TopMargin:         10,
			MinUpwardVelocity: 0.5,
			MinDwell:          Duration(time.Second),
		},
	}
}

func (c *TriggerConfig) ApplyDefaults() {
	if c.ExitIntent.TopMargin == 0 {
		c.ExitIntent.TopMargin = 10
	}
	if c.ExitIntent.MinUpwardVelocity == 0 {
		c.ExitIntent.MinUpwardVelocity = 0.5
	}
}

func (c *TriggerConfig) ApplyEnvOverrides()    {}
func (c *TriggerConfig) ResolvePaths(_, _ string) {}

func (c *TriggerConfig) Validate() error {
	if c.ExitIntent.TopMargin < 0 || c.ExitIntent.MinUpwardVelocity < 0 {
		return fmt.Errorf("triggers.exit_intent thresholds must not be negative")
	}
	return nil
}

// FunnelConfig configures funnel tracking.
type FunnelConfig struct {
	DropOffWindow Duration `yaml:"drop_off_window"`
	SweepInterval Duration `yaml:"sweep_interval"`
	// Source is an optional funnel definition file (JSON or YAML).
	Source string `yaml:"source"`
}

func DefaultFunnelConfig() FunnelConfig {
	return FunnelConfig{
		DropOffWindow: Duration(30 * time.Minute),
		SweepInterval: Duration(time.Minute),
	}
}

func (c *FunnelConfig) ApplyDefaults() {
	if c.DropOffWindow == 0 {
		c.DropOffWindow = Duration(30 * time.Minute)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(time.Minute)
	}
}

func (c *FunnelConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_FUNNELS_SOURCE"); v != "" {
		c.Source = v
	}
}

func (c *FunnelConfig) ResolvePaths(configDir, _ string) {
	if !isRemote(c.Source) {
		c.Source = resolvePath(configDir, c.Source)
	}
}

func (c *FunnelConfig) Validate() error {
	if c.DropOffWindow <= 0 {
		return fmt.Errorf("funnel.drop_off_window must be positive")
	}
	return nil
}

// WorkflowsConfig says where workflow definitions come from.
type WorkflowsConfig struct {
	// Source is a file path or an http(s) URL fetched once per page load.
	Source string `yaml:"source"`
}

func DefaultWorkflowsConfig() WorkflowsConfig {
	return WorkflowsConfig{Source: "workflows.yaml"}
}

func (c *WorkflowsConfig) ApplyDefaults() {}

func (c *WorkflowsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_WORKFLOWS_SOURCE"); v != "" {
		c.Source = v
	}
}

func (c *WorkflowsConfig) ResolvePaths(configDir, _ string) {
	if !isRemote(c.Source) {
		c.Source = resolvePath(configDir, c.Source)
	}
}

func (c *WorkflowsConfig) Validate() error { return nil }

// PreviewConfig configures the live-preview websocket server.
type PreviewConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowDevOrigin bool     `yaml:"allow_dev_origin"`
}

func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{Listen: ":7070"}
}

func (c *PreviewConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":7070"
	}
}

func (c *PreviewConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_PREVIEW_LISTEN"); v != "" {
		c.Listen = v
		c.Enabled = true
	}
}

func (c *PreviewConfig) ResolvePaths(_, _ string) {}

func (c *PreviewConfig) Validate() error {
	if c.Enabled && c.Listen == "" {
		return fmt.Errorf("preview.listen is required when preview is enabled")
	}
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Listen: ":9090", Path: "/metrics"}
}

func (c *MetricsConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

func (c *MetricsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_METRICS_LISTEN"); v != "" {
		c.Listen = v
		c.Enabled = true
	}
}

func (c *MetricsConfig) ResolvePaths(_, _ string) {}

func (c *MetricsConfig) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
