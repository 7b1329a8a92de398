package executor

import (
	"context"
	"sync"

	"gitopsdelivery/pkg/core"
)

// KeyLocker serializes work per resource key.
type KeyLocker struct {
	mutex sync.Mutex
	locks map[core.ResourceKey]*keyLock
}

type keyLock struct {
	ch      chan struct{}
	waiters int
}

// NewKeyLocker returns an empty locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: map[core.ResourceKey]*keyLock{}}
}

// Lock blocks until key is free or ctx is done. The returned function releases the key.
func (l *KeyLocker) Lock(ctx context.Context, key core.ResourceKey) (func(), error) {
	l.mutex.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.waiters++
	l.mutex.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() { l.release(key, lock) }, nil
	case <-ctx.Done():
		l.mutex.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(l.locks, key)
		}
		l.mutex.Unlock()
		return nil, ctx.Err()
	}
}

func (l *KeyLocker) release(key core.ResourceKey, lock *keyLock) {
	<-lock.ch
	l.mutex.Lock()
	lock.waiters--
	if lock.waiters == 0 {
		delete(l.locks, key)
	}
	l.mutex.Unlock()
}
