// Package position_lock provides per-order mutual exclusion around an exit
// attempt. The store claim is authoritative; the lock only keeps two workers
// from reaching the broker for the same order at once.
package position_lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"squareoff/go_src/trade_exceptions"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires a TTL-bounded lock for key. The returned unlock function is
// safe to call more than once. trade_exceptions.ErrLockHeld is returned when
// another holder has the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// unlockLua deletes the key only if it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SETNX and a conditional Lua unlock.
type RedisLocker struct {
	rdb      redis.UniversalClient
	unlockSc *redis.Script
	prefix   string
}

// NewRedisLocker wraps rdb. Keys are stored as "squareoff:lock:<key>".
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   "squareoff:lock:",
	}
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, trade_exceptions.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// LocalLocker implements Locker within one process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	clock func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), clock: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, trade_exceptions.ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
