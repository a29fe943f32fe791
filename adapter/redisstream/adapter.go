package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmux"
)

// Broker implements the xmux broker facade over Redis Streams.
// Topics map to streams, subscriptions to consumer groups.
type Broker struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ xmux.Broker = (*Broker)(nil)
	_ xmux.Admin  = (*Broker)(nil)
)

// NewBroker connects to Redis and verifies the connection.
func NewBroker(cfg Config) (*Broker, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}
	return &Broker{
		cfg:    cfg,
		client: client,
		closed: make(chan struct{}),
	}, nil
}

// Client exposes the underlying redis client for test cleanup.
func (b *Broker) Client() *redis.Client { return b.client }

// CreateSubscription creates the consumer group for topic. Redis reports an
// existing group as BUSYGROUP, which maps to CodeAlreadyExists. Streams
// have no per-group idle timeout, delivery cap or TTL; the options are
// accepted and ignored.
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string, _ xmux.SubscriptionOptions) error {
	// "$" starts the group at new messages only.
	if err := b.client.XGroupCreateMkStream(ctx, topic, name, "$").Err(); err != nil {
		return mapErr(topic, b.cfg.Addr, err)
	}
	return nil
}

// CreateSender returns a sender bound to one stream.
func (b *Broker) CreateSender(topic string) (xmux.Sender, error) {
	return &sender{b: b, topic: topic}, nil
}

// CreateReceiver returns a receiver for one consumer group.
func (b *Broker) CreateReceiver(topic, subscription string) (xmux.Receiver, error) {
	return &receiver{b: b, topic: topic, group: subscription}, nil
}

// Close releases the client connection.
func (b *Broker) Close(_ context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
	})
	return err
}

type sender struct {
	b     *Broker
	topic string
}

// Send appends the envelope to the stream. Properties are JSON-encoded per
// value under a prefixed field so their scalar types survive the round trip.
func (s *sender) Send(ctx context.Context, env *xmux.Envelope) error {
	vals := make(map[string]any, 2+len(env.Properties))
	vals[fieldPayload] = env.Body
	vals[fieldProducedAt] = env.ProducedAt.UnixNano()
	for k, v := range env.Properties {
		enc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("redisstream: encode property %q: %w", k, err)
		}
		vals[fieldPropPrefix+k] = enc
	}

	args := &redis.XAddArgs{
		Stream: s.topic,
		ID:     "*",
		Values: vals,
	}
	if s.b.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.b.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := s.b.client.XAdd(ctx, args).Err(); err != nil {
		return mapErr(s.topic, s.b.cfg.Addr, err)
	}
	return nil
}

func (s *sender) Close(_ context.Context) error { return nil }

type receiver struct {
	b     *Broker
	topic string
	group string
}

// Listen drives a sequential XREADGROUP loop. Messages are delivered in
// stream order on a single goroutine and acknowledged after OnMessage
// returns, giving at-least-once delivery with consumer-group redelivery of
// unacked entries on crash.
func (r *receiver) Listen(ctx context.Context, h xmux.Handlers) (io.Closer, error) {
	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		batch := int64(r.b.cfg.BatchSize)
		if batch < 1 {
			batch = 1
		}
		args := &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.b.cfg.Consumer,
			Streams:  []string{r.topic, ">"},
			Count:    batch,
			Block:    r.b.cfg.Block,
			NoAck:    false,
		}

		for {
			select {
			case <-innerCtx.Done():
				return
			case <-r.b.closed:
				return
			default:
			}

			res, err := r.b.client.XReadGroup(innerCtx, args).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || innerCtx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					// Block timeout, just loop again.
					continue
				}
				mapped := mapErr(r.topic, r.b.cfg.Addr, err)
				if h.OnError != nil {
					h.OnError(mapped)
				}
				if isFatal(mapped) {
					return
				}
				// Avoid hot-looping on persistent transient failures.
				select {
				case <-time.After(200 * time.Millisecond):
				case <-innerCtx.Done():
					return
				}
				continue
			}

			for i := range res {
				for j := range res[i].Messages {
					x := res[i].Messages[j]
					env := decodeEnvelope(x.Values)
					if h.OnMessage != nil {
						h.OnMessage(env)
					}
					if err := r.b.client.XAck(innerCtx, r.topic, r.group, x.ID).Err(); err == nil && r.b.cfg.AutoDeleteOnAck {
						_ = r.b.client.XDel(innerCtx, r.topic, x.ID).Err()
					}
				}
			}
		}
	}()

	return &listenCloser{cancel: cancel, done: done}, nil
}

type listenCloser struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (c *listenCloser) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

// decodeEnvelope reconstructs an xmux.Envelope from stream entry values.
func decodeEnvelope(vals map[string]any) *xmux.Envelope {
	env := &xmux.Envelope{}

	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Body = p
		case string:
			env.Body = []byte(p)
		}
	}

	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			env.ProducedAt = time.Unix(0, ns)
		}
	}

	for k, v := range vals {
		if !strings.HasPrefix(k, fieldPropPrefix) {
			continue
		}
		if env.Properties == nil {
			env.Properties = make(map[string]any, 4)
		}
		env.Properties[strings.TrimPrefix(k, fieldPropPrefix)] = decodeProperty(v)
	}

	return env
}

// decodeProperty restores a JSON-encoded scalar. Malformed values fall back
// to their raw string form.
func decodeProperty(v any) any {
	raw := asBytes(v)
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	switch out.(type) {
	case string, bool, float64:
		return out
	default:
		return string(raw)
	}
}

func asBytes(v any) []byte {
	switch s := v.(type) {
	case []byte:
		return s
	case string:
		return []byte(s)
	default:
		return []byte(fmt.Sprintf("%v", s))
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

// mapErr translates redis failures into the engine's broker error taxonomy.
func mapErr(entity, namespace string, err error) error {
	code := xmux.CodeUnknown
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "BUSYGROUP"):
		code = xmux.CodeAlreadyExists
	case strings.Contains(msg, "NOGROUP"):
		code = xmux.CodeEntityNotFound
	case strings.Contains(msg, "NOPERM"),
		strings.Contains(msg, "NOAUTH"),
		strings.Contains(msg, "WRONGPASS"):
		code = xmux.CodeUnauthorized
	case strings.Contains(msg, "LOADING"),
		strings.Contains(msg, "BUSY "),
		strings.Contains(msg, "TRYAGAIN"),
		strings.Contains(msg, "CLUSTERDOWN"),
		strings.Contains(msg, "MASTERDOWN"):
		code = xmux.CodeBusy
	}
	return &xmux.BrokerError{
		Code:      code,
		Entity:    entity,
		Namespace: namespace,
		Err:       err,
	}
}

func isFatal(err error) bool {
	switch xmux.CodeOf(err) {
	case xmux.CodeEntityDisabled, xmux.CodeEntityNotFound, xmux.CodeUnauthorized:
		return true
	}
	return false
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
