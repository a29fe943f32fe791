package memory

import (
	"fmt"

	"github.com/trickstertwo/xmux"
)

const BrokerName = "memory"

func init() {
	if err := xmux.RegisterBroker(BrokerName, func(cfg map[string]any) (xmux.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmux/memory: failed to register broker: %w", err))
	}
}

// Config controls memory broker behavior.
type Config struct {
	// BufferSize is the per-subscription queue size (default: 1024).
	BufferSize int
	// AutoCreate lets a receiver create its subscription if missing
	// (default: true; disable to exercise provisioning semantics).
	AutoCreate bool
}

// Defaults returns the default memory broker configuration.
func Defaults() Config {
	return Config{BufferSize: 1024, AutoCreate: true}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		BufferSize: maxInt(1, getInt("buffer_size", 1024)),
		AutoCreate: getBool("auto_create", true),
	}
}

// toMap converts Config to the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size": c.BufferSize,
		"auto_create": c.AutoCreate,
	}
}

// Use constructs an in-memory broker for explicit injection into a Builder:
//
//	broker := memory.Use(memory.Defaults())
//	mux, err := xmux.NewBuilder(cfg).WithBrokerInstance(broker).Build(ctx)
func Use(cfg Config) *Broker {
	return NewBroker(cfg)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
