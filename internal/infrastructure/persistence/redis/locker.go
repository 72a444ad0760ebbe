package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
)

// ErrLockLost is logged when a release finds the lock already taken over.
var ErrLockLost = errors.New("lock: released after expiry")

var releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker is a learner.Locker shared by every process using the same Redis.
// A holder that outlives ttl loses the lock, so ttl must exceed the longest
// activity processing time.
type Locker struct {
	cache *Cache
	ttl   time.Duration
	poll  time.Duration
	// OnLost is called when an unlock finds the lock expired. Optional.
	OnLost func(id learner.ID, err error)
}

var _ learner.Locker = (*Locker)(nil)

// NewLocker creates a Locker with the given lease. Zero ttl uses
// TTLDistributedLock.
func NewLocker(cache *Cache, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = TTLDistributedLock
	}
	return &Locker{cache: cache, ttl: ttl, poll: 10 * time.Millisecond}
}

// Lock polls SET NX PX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, id learner.ID) (func(), error) {
	key := LockKey("learner:" + string(id))
	token := uuid.NewString()
	client := l.cache.Client()

	wait := l.poll
	for {
		ok, err := client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := client.Eval(rctx, releaseScript, []string{key}, token).Int()
		if err == nil && n == 0 {
			err = ErrLockLost
		}
		if err != nil && l.OnLost != nil {
			l.OnLost(id, err)
		}
	}, nil
}
