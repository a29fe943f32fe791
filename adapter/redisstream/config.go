package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams broker.
type Config struct {
	// Client options
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer options
	Consumer  string
	BatchSize int
	Block     time.Duration

	// Acknowledgment & stream trimming
	AutoDeleteOnAck bool
	MaxLenApprox    int64
}

// Defaults returns the default configuration.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xmux"
	}
	return Config{
		Addr:      "127.0.0.1:6379",
		Consumer:  fmt.Sprintf("xmux-%s-%d", hostname, os.Getpid()),
		BatchSize: 128,
		Block:     5 * time.Second,
	}
}

// toMap converts typed Config into the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"max_len_approx":     c.MaxLenApprox,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
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
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := Defaults()
	return Config{
		Addr:          getString("addr", def.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Consumer:  getString("consumer", def.Consumer),
		BatchSize: getInt("batch_size", def.BatchSize),
		Block:     getDur("block", def.Block),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),
		MaxLenApprox:    getInt64("max_len_approx", 0),
	}
}
