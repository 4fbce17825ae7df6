package referee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lock could not be acquired in time.
var ErrLockHeld = errors.New("referee: lock held by another resolver")

// Locker serialises resolution of one duel. It is an optimisation that
// saves duplicate price lookups; the ledger's compare-and-swap is what
// guarantees a single settlement.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(l.slots, key)
		}
		l.mu.Unlock()
	}

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every resolver process using the same
// Redis. Locks expire after ttl so a crashed holder cannot wedge a duel.
type RedisLocker struct {
	rdb     *redis.Client
	ttl     time.Duration
	maxWait time.Duration
}

// NewRedisLocker creates a distributed locker. maxWait bounds how long Lock
// keeps retrying before returning ErrLockHeld.
func NewRedisLocker(rdb *redis.Client, ttl, maxWait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, maxWait: maxWait}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := "lock:" + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("acquire %s: %w", redisKey, err))
		}
		if !ok {
			return false, ErrLockHeld
		}
		return true, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(l.maxWait),
	)
	if err != nil {
		return nil, err
	}

	return func() {
		// Detached so a cancelled request still releases its lock.
		l.release(context.WithoutCancel(ctx), redisKey, token)
	}, nil
}

// release deletes redisKey if it still holds token. A failure leaves the
// lock to expire after its TTL.
func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("resolve lock release failed", "lock", redisKey, "ttl", l.ttl, "err", err)
		return err
	}
	return nil
}
