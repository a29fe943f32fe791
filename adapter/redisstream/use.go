package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xmux"
)

const BrokerName = "redis-streams"

func init() {
	if err := xmux.RegisterBroker(BrokerName, func(cfg map[string]any) (xmux.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmux: failed to register broker %q: %w", BrokerName, err))
	}
}

// Use constructs a Redis Streams broker for explicit injection into a
// Builder, mirroring memory.Use:
//
//	broker, err := redisstream.Use(redisstream.Defaults())
//	mux, err := xmux.NewBuilder(cfg).WithBrokerInstance(broker).Build(ctx)
func Use(cfg Config) (*Broker, error) {
	return NewBroker(cfg)
}
