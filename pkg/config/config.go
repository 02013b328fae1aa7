// Package config loads per-binary configuration from environment variables
// using koanf, following the defaults -> file -> env layering of
// pkg/config.Loader in the Hola logistics example: confmap.Provider seeds
// defaults, an optional local YAML file may override them for development,
// and non-empty environment variables always win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// loader wraps a koanf instance loaded with defaults, an optional file, and
// environment variables, in that priority order.
type loader struct {
	k *koanf.Koanf
}

func newLoader(defaults map[string]any) (*loader, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	return &loader{k: k}, nil
}

// envTransform maps the deployment's well-known environment variables
// (TARGET_NAMESPACE, MY_POD_NAME, AGGREGATOR_URL, ...) onto the dotted keys
// the Config structs unmarshal from. Unrecognized variables pass through
// lower-cased and are ignored by Unmarshal since no struct field claims them.
// Variables set to the empty string are skipped, so they leave the default
// (or file) value in place.
func envTransform(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	mapped, ok := envKeyMap[key]
	if !ok {
		return strings.ToLower(key), value
	}
	return mapped, value
}

var envKeyMap = map[string]string{
	"TARGET_NAMESPACE":     "namespace",
	"MY_POD_NAME":          "pod_name",
	"AGENT_LABEL_SELECTOR": "agent_label_selector",
	"AGENT_PORT":           "agent_port",
	"AGGREGATOR_URL":       "aggregator_url",
	"HTTP_PORT":            "http_port",
	"METRICS_PORT":         "metrics_port",
	"SCRAPE_INTERVAL":      "scrape_interval",
	"SCRAPE_TIMEOUT":       "scrape_timeout",
	"DISCOVERY_INTERVAL":   "discovery_interval",
	"METRIC_TTL":           "metric_ttl",
	"TICK_INTERVAL":        "tick_interval",
	"COOLDOWN":             "cooldown",
	"TRACER_COMMAND":       "tracer_command",
	"LOG_LEVEL":            "log_level",
	"LOG_JSON":             "log_json",
}

func (l *loader) unmarshal(v any) error {
	return l.k.Unmarshal("", v)
}

// AgentConfig configures the Node Agent binary.
type AgentConfig struct {
	Namespace     string        `koanf:"namespace"`
	PodName       string        `koanf:"pod_name"`
	HTTPPort      int           `koanf:"http_port"`
	MetricsPort   int           `koanf:"metrics_port"`
	TracerCommand string        `koanf:"tracer_command"`
	LogLevel      string        `koanf:"log_level"`
	LogJSON       bool          `koanf:"log_json"`
	RefreshPeriod time.Duration `koanf:"discovery_interval"`
}

// Validate checks required fields and fills in anything the environment
// could not supply (e.g. pod name falls back to hostname, so the Node
// Agent's log lines carry an identifying pod name even off-cluster).
func (c *AgentConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.PodName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("pod name not set and hostname unavailable: %w", err)
		}
		c.PodName = hostname
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("http_port must be positive, got %d", c.HTTPPort)
	}
	return nil
}

// LoadAgentConfig loads the Node Agent's configuration.
func LoadAgentConfig() (*AgentConfig, error) {
	l, err := newLoader(map[string]any{
		"namespace":            "default",
		"http_port":            5000,
		"metrics_port":         9090,
		"tracer_command":       "bpftrace",
		"log_level":            "info",
		"log_json":             true,
		"discovery_interval":   2 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := l.unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AggregatorConfig configures the Aggregator binary.
type AggregatorConfig struct {
	Namespace          string        `koanf:"namespace"`
	AgentLabelSelector string        `koanf:"agent_label_selector"`
	AgentPort          int           `koanf:"agent_port"`
	HTTPPort           int           `koanf:"http_port"`
	MetricsPort        int           `koanf:"metrics_port"`
	DiscoveryInterval  time.Duration `koanf:"discovery_interval"`
	ScrapeTimeout      time.Duration `koanf:"scrape_timeout"`
	MetricTTL          time.Duration `koanf:"metric_ttl"`
	LogLevel           string        `koanf:"log_level"`
	LogJSON            bool          `koanf:"log_json"`
}

func (c *AggregatorConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.AgentLabelSelector == "" {
		return fmt.Errorf("agent_label_selector must not be empty")
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("http_port must be positive, got %d", c.HTTPPort)
	}
	if c.ScrapeTimeout <= 0 {
		return fmt.Errorf("scrape_timeout must be positive")
	}
	return nil
}

// LoadAggregatorConfig loads the Aggregator's configuration.
func LoadAggregatorConfig() (*AggregatorConfig, error) {
	l, err := newLoader(map[string]any{
		"namespace":             "default",
		"agent_label_selector":  "app=bpf-agent",
		"agent_port":            5000,
		"http_port":             8000,
		"metrics_port":          9090,
		"discovery_interval":    2 * time.Second,
		"scrape_timeout":        2 * time.Second,
		"metric_ttl":            30 * time.Second,
		"log_level":             "info",
		"log_json":              true,
	})
	if err != nil {
		return nil, err
	}

	var cfg AggregatorConfig
	if err := l.unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal aggregator config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ControllerConfig configures the Controller binary.
type ControllerConfig struct {
	Namespace     string        `koanf:"namespace"`
	AggregatorURL string        `koanf:"aggregator_url"`
	TickInterval  time.Duration `koanf:"tick_interval"`
	Cooldown      time.Duration `koanf:"cooldown"`
	MetricsPort   int           `koanf:"metrics_port"`
	LogLevel      string        `koanf:"log_level"`
	LogJSON       bool          `koanf:"log_json"`
}

func (c *ControllerConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.AggregatorURL == "" {
		return fmt.Errorf("aggregator_url must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	return nil
}

// LoadControllerConfig loads the Controller's configuration.
func LoadControllerConfig() (*ControllerConfig, error) {
	l, err := newLoader(map[string]any{
		"namespace":      "default",
		"aggregator_url": "http://aggregator:8000",
		"tick_interval":  2 * time.Second,
		"cooldown":       15 * time.Second,
		"metrics_port":   9090,
		"log_level":      "info",
		"log_json":       true,
	})
	if err != nil {
		return nil, err
	}

	var cfg ControllerConfig
	if err := l.unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal controller config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
