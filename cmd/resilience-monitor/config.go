package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/resilience-go/health"
)

// Config is the monitor's YAML configuration
type Config struct {
	Listen      string        `yaml:"listen"`
	Aggregation string        `yaml:"aggregation"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Checks      []CheckConfig `yaml:"checks"`
	Alerts      AlertsConfig  `yaml:"alerts"`
}

// CheckConfig describes one HTTP probe
type CheckConfig struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	Critical bool          `yaml:"critical"`
	Weight   float64       `yaml:"weight"`
}

// AlertsConfig configures where critical failures are routed
type AlertsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

// WebhookConfig configures the webhook alert sink
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// AMQPConfig configures the broker alert sink
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routingKey"`
}

// LoadConfig reads and validates a YAML config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{
		Listen:      ":8080",
		Aggregation: "worst",
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Checks) == 0 {
		return nil, fmt.Errorf("config defines no checks")
	}
	for i, check := range cfg.Checks {
		if check.Name == "" {
			return nil, fmt.Errorf("check %d has no name", i)
		}
		if check.URL == "" {
			return nil, fmt.Errorf("check %q has no url", check.Name)
		}
	}
	if _, err := parseAggregation(cfg.Aggregation); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseAggregation(name string) (health.AggregationStrategy, error) {
	switch name {
	case "", "worst":
		return health.Worst, nil
	case "weighted":
		return health.Weighted, nil
	case "majority":
		return health.Majority, nil
	default:
		return health.Worst, fmt.Errorf("unknown aggregation strategy %q", name)
	}
}
