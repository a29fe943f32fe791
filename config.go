package xmux

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultEventKey is the identity key used when none is configured.
const DefaultEventKey = "eventName"

// Provisioning controls broker-side subscription creation at startup.
// Option values pass through to the broker admin verbatim.
type Provisioning struct {
	Enabled          bool          `env:"XMUX_PROVISION"              yaml:"enabled"`
	IdleTimeout      time.Duration `env:"XMUX_PROVISION_IDLE_TIMEOUT" yaml:"idle_timeout"`
	MaxDeliveryCount int           `env:"XMUX_PROVISION_MAX_DELIVERY" yaml:"max_delivery_count"`
	MessageTTL       time.Duration `env:"XMUX_PROVISION_MESSAGE_TTL"  yaml:"message_ttl"`
}

// UnmarshalYAML accepts Go duration strings ("5m", "1h") for the timeout
// fields, which yaml.v3 does not decode into time.Duration on its own.
func (p *Provisioning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled          bool   `yaml:"enabled"`
		IdleTimeout      string `yaml:"idle_timeout"`
		MaxDeliveryCount int    `yaml:"max_delivery_count"`
		MessageTTL       string `yaml:"message_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Enabled = raw.Enabled
	p.MaxDeliveryCount = raw.MaxDeliveryCount
	if raw.IdleTimeout != "" {
		d, err := time.ParseDuration(raw.IdleTimeout)
		if err != nil {
			return fmt.Errorf("provisioning idle_timeout: %w", err)
		}
		p.IdleTimeout = d
	}
	if raw.MessageTTL != "" {
		d, err := time.ParseDuration(raw.MessageTTL)
		if err != nil {
			return fmt.Errorf("provisioning message_ttl: %w", err)
		}
		p.MessageTTL = d
	}
	return nil
}

// Config is the immutable value set fixed at engine construction.
type Config struct {
	// ConnectionTarget identifies the broker endpoint (adapter-specific).
	ConnectionTarget string `env:"XMUX_CONNECTION"   yaml:"connection_target"`
	// Topic is the shared broker topic all events travel on.
	Topic string `env:"XMUX_TOPIC"        yaml:"topic"`
	// Subscription names this process's durable broker-side subscription.
	Subscription string `env:"XMUX_SUBSCRIPTION" yaml:"subscription"`
	// EventKey is the identity key (default "eventName").
	EventKey string `env:"XMUX_EVENT_KEY"    yaml:"event_key"`
	// TagStrategy selects property vs bodyField tagging (default property).
	TagStrategy Strategy `env:"XMUX_STRATEGY"     yaml:"strategy"`
	// Provisioning, when enabled, ensures the subscription exists before
	// the engine accepts calls.
	Provisioning Provisioning `yaml:"provisioning"`
}

// withDefaults fills zero-value fields. The original value is not mutated.
func (c Config) withDefaults() Config {
	if c.EventKey == "" {
		c.EventKey = DefaultEventKey
	}
	if c.TagStrategy == "" {
		c.TagStrategy = StrategyProperty
	}
	return c
}

func (c Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("xmux: config: topic must not be empty")
	}
	if c.Subscription == "" {
		return fmt.Errorf("xmux: config: subscription must not be empty")
	}
	switch c.TagStrategy {
	case StrategyProperty, StrategyBodyField:
	default:
		return fmt.Errorf("xmux: config: unknown tagging strategy %q", c.TagStrategy)
	}
	return nil
}

// ConfigFromEnv loads configuration from XMUX_* environment variables.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("xmux: config from env: %w", err)
	}
	return c.withDefaults(), nil
}

// ConfigFromFile loads configuration from a YAML file.
func ConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("xmux: config from file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("xmux: config from file %s: %w", path, err)
	}
	return c.withDefaults(), nil
}
