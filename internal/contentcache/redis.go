package contentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kiroku/internal/model"
)

const keyPrefix = "kiroku:content:"

// Redis is a Cache shared by every kiroku replica. Messages are stored as a
// JSON list per span; key expiry replaces the eviction loop.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	owned  bool
}

// NewRedis connects to the server at url (redis://...) and verifies it with PING.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("contentcache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("contentcache: ping redis: %w", err)
	}
	c := NewRedisFromClient(client, ttl)
	c.owned = true
	return c, nil
}

// NewRedisFromClient wraps an existing client. Close does not close it.
func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Append pushes msg onto the span's list and refreshes its expiry.
func (c *Redis) Append(ctx context.Context, spanID string, msg model.ChatMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("contentcache: encode message: %w", err)
	}
	key := keyPrefix + spanID
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, b)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("contentcache: append: %w", err)
	}
	return nil
}

// Claim reads and deletes the span's list atomically.
func (c *Redis) Claim(ctx context.Context, spanID string) ([]model.ChatMessage, error) {
	key := keyPrefix + spanID
	var rng *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("contentcache: claim: %w", err)
	}

	vals := rng.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]model.ChatMessage, 0, len(vals))
	for _, v := range vals {
		var m model.ChatMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("contentcache: decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close releases the client when this cache created it.
func (c *Redis) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
