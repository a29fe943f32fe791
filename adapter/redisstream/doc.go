// Package redisstream provides a Redis Streams broker for xmux.
//
// Broker name: "redis-streams"
//
// Topics map to streams and durable subscriptions to consumer groups. The
// receiver reads sequentially with XREADGROUP and acknowledges after
// dispatch, so unacked entries are redelivered by consumer-group mechanics
// when a process dies mid-dispatch.
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - consumer: consumer name (default "xmux-<hostname>-<pid>")
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - max_len_approx: approximate stream trim length (0 = no trim)
//
// Example builder usage:
//
//	mux, err := xmux.NewBuilder(cfg).
//	    WithBroker(redisstream.BrokerName, map[string]any{
//	        "addr":       "localhost:6379",
//	        "consumer":   "service-a",
//	        "batch_size": 256,
//	        "block":      "5s",
//	    }).
//	    Build(ctx)
package redisstream
