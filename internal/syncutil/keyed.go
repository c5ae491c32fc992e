// Package syncutil provides the per-entity critical sections used by the
// escrow, dispute and MFA engines.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 256

// KeyedMutex serializes work per key (escrow ID, dispute ID, user ID) using a
// fixed pool of channel-based mutexes, so memory stays bounded no matter how
// many keys are seen. Keys that hash to the same shard share a lock.
//
// A goroutine must never hold two keys of the same KeyedMutex at once.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex creates a ready-to-use KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for key or gives up when ctx is done. On success
// the caller must invoke the returned unlock exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockTimeout is Lock with an upper bound on the wait.
func (m *KeyedMutex) LockTimeout(ctx context.Context, key string, wait time.Duration) (func(), error) {
	if wait <= 0 {
		return m.Lock(ctx, key)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return m.Lock(waitCtx, key)
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
