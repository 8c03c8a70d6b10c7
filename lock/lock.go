/*
Package lock serializes work per key.

PURPOSE:
  Two consumes against the same (tenant, license type) must not both see
  a sufficient balance, and two moves of the same device must not both
  create a mapping. Callers take a keyed lock around the transaction.

IMPLEMENTATIONS:
  KeyedMutex:  in-process, one channel semaphore per key
  RedisLocker: cross-process via bsm/redislock (redis.go)

FromConfig picks one for a binary: Redis when REDIS_ADDR is set, so the
server and the maintenance tools lock the same keys, in-process otherwise.

The database still enforces its own guard (row lock / unique index); the
keyed lock keeps contention out of the transaction.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotObtained is returned when a lock could not be taken before the
// context ended or the retry budget ran out.
var ErrNotObtained = errors.New("lock not obtained")

// Locker takes a named lock. release is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// AcquireAll locks every distinct key in sorted order, so two callers with
// overlapping key sets cannot deadlock. On failure nothing stays locked.
func AcquireAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	uniq := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range sorted {
		release, err := l.Acquire(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// =============================================================================
// KEYED MUTEX - In-process
// =============================================================================

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is a map of per-key mutexes that honours context cancellation.
// Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				k.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}
}

func (k *KeyedMutex) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports how many keys have live entries. Test hook.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
