package memory

import (
	"context"
	"sync"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
)

// Locker is an in-process learner.Locker: one channel-based mutex per learner,
// created on demand and dropped once nobody holds or waits for it.
type Locker struct {
	mu    sync.Mutex
	locks map[learner.ID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ learner.Locker = (*Locker)(nil)

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[learner.ID]*keyLock)}
}

// Lock acquires the learner's section, honoring ctx cancellation while waiting.
func (l *Locker) Lock(ctx context.Context, id learner.ID) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(id, k)
		})
	}, nil
}

func (l *Locker) release(id learner.ID, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, id)
	}
}

// Len reports how many learners currently have a lock entry.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
