package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"claimwatch/internal/errs"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RedisLocker holds leases as SET NX PX keys so several worker processes can
// share them.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(cfg RedisConfig) *RedisLocker {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisLocker{Client: c, Prefix: cfg.Prefix}
}

func (r *RedisLocker) key(k string) string {
	if r.Prefix == "" {
		return k
	}
	return r.Prefix + ":" + k
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (Lock, bool, error) {
	ok, err := r.Client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return Lock{}, false, fmt.Errorf("redis setnx %s: %v: %w", key, err, errs.ErrExternalUnavailable)
	}
	if !ok {
		return Lock{}, false, nil
	}
	return Lock{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, l Lock) error {
	if err := releaseScript.Run(ctx, r.Client, []string{r.key(l.Key)}, l.Token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %s: %w", l.Key, err)
	}
	return nil
}

func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.Client.Close()
}
