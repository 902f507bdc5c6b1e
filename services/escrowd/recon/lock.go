package recon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked reports that another run of the same sweep holds the lock.
var ErrLocked = errors.New("recon: sweep already running")

// Unlock releases a held sweep lock.
type Unlock func(ctx context.Context) error

// Locker serialises sweeps by name. A lock expires after ttl so a crashed
// holder cannot wedge a sweep forever.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, error)
}

// LocalLocker guards sweeps within a single process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	nowFn func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]lease), nowFn: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if current, ok := l.held[name]; ok && now.Before(current.expires) {
		return nil, ErrLocked
	}
	token := newToken()
	l.held[name] = lease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.held[name]; ok && current.token == token {
			delete(l.held, name)
		}
		return nil
	}, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker guards sweeps across replicas sharing one Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker builds a locker on client. Keys are namespaced by prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if strings.TrimSpace(prefix) == "" {
		prefix = "proofpay:recon:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// ConnectRedis initializes a client from a redis:// URL or host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("recon: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, error) {
	key := l.prefix + name
	token := newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("recon: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("recon: release %s: %w", name, err)
		}
		return nil
	}, nil
}

func newToken() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
