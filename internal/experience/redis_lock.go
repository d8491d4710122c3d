package experience

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still holds our token, so a
// writer whose lease expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker is a lease-based lock for writers on different hosts sharing
// the log over a network filesystem. Redis only holds the lock key.
type RedisLocker struct {
	Client       *redis.Client
	Key          string
	TTL          time.Duration
	PollInterval time.Duration
}

// NewRedisLocker builds a RedisLocker with sane lease and poll defaults.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "selfheal:experience:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{Client: client, Key: key, TTL: ttl, PollInterval: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	poll := l.PollInterval
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	for {
		ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", l.Key, err)
		}
		if ok {
			return func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err(); err != nil && err != redis.Nil {
					return fmt.Errorf("redis unlock %s: %w", l.Key, err)
				}
				return nil
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// DialRedis connects and pings the server before handing the client out.
func DialRedis(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}
