// Package keyspace wraps the shared Redis keyspace behind typed operations.
// It is the only package that talks to Redis directly; every cross-instance
// piece of state (presence, typing, room membership, rate limits, pub/sub)
// goes through here.
package keyspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/internal/observability"
)

// ErrMiss is returned when a key does not exist or its value cannot be
// decoded. Readers treat both the same way.
var ErrMiss = errors.New("keyspace: miss")

// Kind classifies adapter failures so callers can pick fail-open or
// fail-closed behavior.
type Kind int

const (
	// KindNotConnected covers connection refusals and closed clients.
	KindNotConnected Kind = iota
	// KindTimeout covers deadline and network timeout failures.
	KindTimeout
	// KindEncoding covers marshal failures on write paths.
	KindEncoding
)

// Error is an adapter failure with its operation name attached.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("keyspace %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindNotConnected
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// Client is the keyspace adapter handle.
type Client struct {
	rdb *redis.Client
}

// Connect opens a client against addr, which may be a redis:// URL or a
// plain host:port, and verifies connectivity with a short ping.
func Connect(addr string) (*Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, classify("connect", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	rdb := redis.NewClient(opts)
	rdb.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, classify("ping", err)
	}
	log.Println("Keyspace connected successfully")
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing client. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity. Fail-closed callers use this to disambiguate
// an outage from a legitimate rejection.
func (c *Client) Ping(ctx context.Context) error {
	return classify("ping", c.rdb.Ping(ctx).Err())
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get reads a string key. A missing key returns ErrMiss.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", classify("get", err)
	}
	return val, nil
}

// Set writes a string key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify("set", c.rdb.Set(ctx, key, value, ttl).Err())
}

// SetNX writes key only if absent; reports whether the write happened.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classify("setnx", err)
	}
	return ok, nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classify("del", err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, classify("exists", err)
	}
	return n > 0, nil
}

// Expire refreshes the TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return classify("expire", c.rdb.Expire(ctx, key, ttl).Err())
}

// HSet writes hash fields.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return classify("hset", c.rdb.HSet(ctx, key, values).Err())
}

// HGetAll reads all hash fields. A missing key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify("hgetall", err)
	}
	return m, nil
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("sadd", c.rdb.SAdd(ctx, key, args...).Err())
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("srem", c.rdb.SRem(ctx, key, args...).Err())
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify("smembers", err)
	}
	return members, nil
}

// SCard returns the cardinality of a set.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify("scard", err)
	}
	return n, nil
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, classify("sismember", err)
	}
	return ok, nil
}

// ZAdd upserts member at score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classify("zadd", c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify("zrem", c.rdb.ZRem(ctx, key, args...).Err())
}

// ZRangeByScore returns members with scores in [min, max], at most count
// entries starting at offset. A count of 0 means no limit.
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string, offset, count int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, classify("zrangebyscore", err)
	}
	return members, nil
}

// ZRemRangeByScore removes members with scores in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, classify("zremrangebyscore", err)
	}
	return n, nil
}

// Publish sends payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return classify("publish", c.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a multiplexed subscription over the given channels.
// Closing the subscription unsubscribes cleanly.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *Subscription {
	sub := c.rdb.Subscribe(ctx, channels...)
	return &Subscription{pubsub: sub}
}

// Pipeline runs fn inside a MULTI/EXEC transaction so the queued commands
// execute atomically in order on the server.
func (c *Client) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := c.rdb.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, classify("pipeline", err)
	}
	return cmds, nil
}

// Subscription wraps a pub/sub connection.
type Subscription struct {
	pubsub *redis.PubSub
}

// Channel returns the stream of incoming messages.
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close unsubscribes and releases the connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
