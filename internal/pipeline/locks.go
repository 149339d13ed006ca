package pipeline

import (
	"strings"
	"sync"

	"github.com/attachehq/attache/pkg/models"
)

// keyedLocks serializes pipeline stages per conversation key. Entries are
// refcounted and removed once the last holder releases, so the map stays
// bounded by the number of concurrently processing conversations.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*contactLock
}

type contactLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*contactLock)}
}

// Acquire blocks until the key's lock is held and returns the release
// function. An empty key returns a no-op release.
func (k *keyedLocks) Acquire(key string) func() {
	if strings.TrimSpace(key) == "" {
		return func() {}
	}

	k.mu.Lock()
	lock := k.locks[key]
	if lock == nil {
		lock = &contactLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockKey builds the serialization key for one external contact. The
// identity invariant gives each (channel, contact) pair exactly one
// tenant, so the tenant component would be redundant, and it is not yet
// known when the lock must first be taken.
func lockKey(channel models.ChannelType, contactID string) string {
	return string(channel) + "|" + contactID
}
