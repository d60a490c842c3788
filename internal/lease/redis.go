package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/ids"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "notipy:lease:"

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Lease shared by every replica connected to the same server.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ids    ids.Provider
}

// Connect parses url, verifies connectivity and returns a redis-backed lease.
func Connect(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(rdb, ""), nil
}

// NewRedis wraps an existing client. An empty prefix uses the default.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix, ids: ids.NewUUIDProvider()}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := ids.MustNew(r.ids)
	acquired, err := r.rdb.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.rdb, []string{r.prefix + key}, token).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
