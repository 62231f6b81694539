package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lock re-acquired by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

const releaseTimeout = 5 * time.Second

// Locker implements domain.LockManager with SET NX PX.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewLocker creates a Locker. Keys are stored as "<prefix>lock:<key>".
func NewLocker(c *Client, prefix string) *Locker {
	return &Locker{rdb: c.rdb, prefix: prefix}
}

func (l *Locker) key(k string) string {
	return l.prefix + "lock:" + k
}

// Acquire takes the lock for ttl. It returns domain.ErrLockHeld when another
// holder owns it. The returned release func may be called more than once.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := l.key(key)

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w: %v", key, domain.ErrTransientNetwork, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done at release time.
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(rctx, l.rdb, []string{k}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*Locker)(nil)
