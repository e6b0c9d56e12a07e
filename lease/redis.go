// Package lease provides the execution leases used by recovery and the
// worker pool to keep one owner per execution.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var replaceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores leases as keys holding the token, with a millisecond expiry.
// Renew, Replace and Release run as scripts so they only touch the lease
// the caller observed.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis lease.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default is "lease:".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "lease:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Replace hands a live lease held by old over to token.
func (r *Redis) Replace(ctx context.Context, key, old, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	n, err := replaceScript.Run(ctx, r.client, []string{r.prefix + key}, old, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("replace lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Holder(ctx context.Context, key string) (string, error) {
	token, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", key, err)
	}
	return token, nil
}

func validate(key, token string, ttl time.Duration) error {
	switch {
	case key == "":
		return errors.New("lease key is required")
	case token == "":
		return errors.New("lease token is required")
	case ttl < time.Millisecond:
		return fmt.Errorf("lease ttl %s is too short", ttl)
	}
	return nil
}
