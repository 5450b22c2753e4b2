package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/idplane/ssogate/internal/provider"
)

// Redis is the distributed Store, for deployments where several nodes
// share sessions. Tokens are stored JSON-encoded; SET replaces the whole
// value atomically, which gives the same last-write-wins guarantee as
// the in-memory backend.
type Redis struct {
	c      *rdb.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis-backed store. ttl of 0 keeps entries until
// invalidated.
func NewRedis(addr, password string, db int, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		c:      rdb.NewClient(&rdb.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *Redis) key(k Key) string {
	if r.prefix == "" {
		return "token:" + k.String()
	}
	return r.prefix + ":token:" + k.String()
}

func (r *Redis) Get(ctx context.Context, k Key) (provider.Token, bool, error) {
	b, err := r.c.Get(ctx, r.key(k)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return provider.Token{}, false, nil
	}
	if err != nil {
		return provider.Token{}, false, fmt.Errorf("tokenstore: redis get: %w", err)
	}
	var t provider.Token
	if err := json.Unmarshal(b, &t); err != nil {
		return provider.Token{}, false, fmt.Errorf("tokenstore: decode token: %w", err)
	}
	return t, true, nil
}

func (r *Redis) Put(ctx context.Context, k Key, t provider.Token) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tokenstore: encode token: %w", err)
	}
	if err := r.c.Set(ctx, r.key(k), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("tokenstore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, k Key) error {
	if err := r.c.Del(ctx, r.key(k)).Err(); err != nil {
		return fmt.Errorf("tokenstore: redis del: %w", err)
	}
	return nil
}

// Client exposes the underlying connection for collaborators that share
// the same Redis, such as the rate limiter.
func (r *Redis) Client() *rdb.Client { return r.c }

// Close releases the underlying client.
func (r *Redis) Close() error { return r.c.Close() }

// Ping verifies connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}
