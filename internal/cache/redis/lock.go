package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/release_lock.lua
var releaseLockLua string

const releaseTimeout = 5 * time.Second

// LockManager hands out leases on coinpair:lock:<key>. A lease is a SET NX
// with a TTL whose value names the holder, so an expired holder cannot
// release a lease that has since passed to another replica.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
	owner   string
}

// NewLockManager creates a LockManager on c.
func NewLockManager(c *Client) *LockManager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLockLua),
		owner:   fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

func lockKey(key string) string { return "coinpair:lock:" + key }

// Acquire takes the lease for ttl. The returned unlock is idempotent and
// runs on its own context so it still works after ctx is cancelled. A lease
// held elsewhere yields domain.ErrLockHeld naming the holder.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := lockKey(key)
	token := lm.owner + ":" + uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		holder, gerr := lm.rdb.Get(ctx, lk).Result()
		if gerr != nil && !errors.Is(gerr, redis.Nil) {
			holder = "?"
		}
		return nil, fmt.Errorf("redis: lock %s held by %q: %w", key, holder, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = lm.release.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
