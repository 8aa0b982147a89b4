package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// failureScript counts one failure and starts the window on the first one. It returns
// the failure count and the remaining window in milliseconds.
var failureScript = redis.NewScript(`
local failures = redis.call("INCR", KEYS[1])
if failures == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {failures, redis.call("PTTL", KEYS[1])}
`)

// FailureCounter stores failed-authentication counts per account.
type FailureCounter interface {
	Increment(ctx context.Context, accountNumber string, window time.Duration) (failures int, retryAfter time.Duration, err error)
	Failures(ctx context.Context, accountNumber string) (int, error)
	Reset(ctx context.Context, accountNumber string) error
}

// RedisFailureCounter keeps fixed-window failure counts in Redis so every ledger
// instance throttles the same account together.
type RedisFailureCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFailureCounter(client redis.UniversalClient, prefix string) *RedisFailureCounter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ledger:rate_limit"
	}
	return &RedisFailureCounter{client: client, prefix: prefix}
}

func (c *RedisFailureCounter) key(accountNumber string) string {
	return c.prefix + ":auth_failure:" + accountNumber
}

func (c *RedisFailureCounter) Increment(ctx context.Context, accountNumber string, window time.Duration) (int, time.Duration, error) {
	if window < time.Second {
		window = time.Second
	}
	raw, err := failureScript.Run(ctx, c.client, []string{c.key(accountNumber)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected failure counter response: %T", raw)
	}
	failures, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected failure count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok || ttl < 0 {
		return int(failures), window, nil
	}
	return int(failures), time.Duration(ttl) * time.Millisecond, nil
}

func (c *RedisFailureCounter) Failures(ctx context.Context, accountNumber string) (int, error) {
	failures, err := c.client.Get(ctx, c.key(accountNumber)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return failures, err
}

func (c *RedisFailureCounter) Reset(ctx context.Context, accountNumber string) error {
	return c.client.Del(ctx, c.key(accountNumber)).Err()
}
