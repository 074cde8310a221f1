package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends a lock's TTL only if it still holds the caller's token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL and
// token-checked unlock. It guards strategy instances so two processes never
// trade the same instance key.
type LockManager struct {
	rdb       *redis.Client
	client    *Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		client:    c,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func (lm *LockManager) lockKey(key string) string {
	return lm.client.Key("lock:" + key)
}

// Acquire obtains the lock for key with the given TTL. The returned unlock
// function is safe to call more than once. It returns domain.ErrLockHeld if
// another party holds the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	unlock, _, err := lm.acquire(ctx, key, ttl)
	return unlock, err
}

func (lm *LockManager) acquire(ctx context.Context, key string, ttl time.Duration) (func(), string, error) {
	token := uuid.New().String()
	lk := lm.lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, "", fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, token, nil
}

// Hold acquires the lock and keeps refreshing it every ttl/3 until ctx is
// cancelled or the lock is lost. lost is closed when a refresh finds the
// lock taken over or expired. unlock releases the lock and stops the
// refresher.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (unlock func(), lost <-chan struct{}, err error) {
	release, token, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	stop := make(chan struct{})
	lostCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				n, err := lm.refreshSc.Run(ctx, lm.rdb, []string{lm.lockKey(key)}, token, ttl.Milliseconds()).Int64()
				if err == nil && n == 0 {
					close(lostCh)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			release()
		})
	}, lostCh, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
