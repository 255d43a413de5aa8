package standby

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockProvider implements the distributed lock on Redis.
//
// Acquisition is SET NX PX; refresh and release are Lua scripts that check
// ownership first, so a slow instance can never extend or delete a lock it
// already lost.
type RedisLockProvider struct {
	client *redis.Client
}

// NewRedisLockProvider connects to Redis and verifies the connection.
func NewRedisLockProvider(redisURL string) (*RedisLockProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("Connected to Redis for leader election", "url", redisURL)

	return &RedisLockProvider{client: client}, nil
}

var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, instanceID, ttl).Result()
	if err != nil {
		return false, err
	}

	if ok {
		slog.Debug("Lock acquired",
			"key", key,
			"instanceId", instanceID,
			"ttl", ttl)
	}

	return ok, nil
}

func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	result, err := refreshScript.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := releaseScript.Run(ctx, p.client, []string{key}, instanceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	slog.Debug("Lock released",
		"key", key,
		"instanceId", instanceID)

	return nil
}

func (p *RedisLockProvider) Holder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return holder, nil
}

func (p *RedisLockProvider) IsAvailable(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

func (p *RedisLockProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
