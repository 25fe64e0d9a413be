// Package lock provides the advisory lease that keeps concurrent instances
// from sealing the same interval. The database transaction is still what
// makes a seal correct; the lease only avoids wasted conflicting attempts.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:lock:"

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named leases with a TTL.
type Locker interface {
	// TryAcquire returns (nil, nil) when another holder owns the lock.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	key := keyPrefix + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance deployments and
// tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	clock func() time.Time
}

type localHold struct {
	token   uuid.UUID
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), clock: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, nil
	}
	token := uuid.New()
	l.held[name] = localHold{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, name: name, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	name   string
	token  uuid.UUID
}

func (r *localLease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	h, ok := r.locker.held[r.name]
	if !ok || h.token != r.token {
		return ErrNotHeld
	}
	delete(r.locker.held, r.name)
	return nil
}
