package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

func TestKeyedLocksSerializesSameKey(t *testing.T) {
	locks := newKeyedLocks()

	var mu sync.Mutex
	var order []int

	unlock := locks.Acquire("telegram|c1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		u := locks.Acquire("telegram|c1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
	}()

	// The second acquirer must wait until release.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock")
	}

	if order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.Acquire("telegram|c1")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		u := locks.Acquire("telegram|c2")
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("a different key should not block")
	}
}

func TestKeyedLocksCleanUp(t *testing.T) {
	locks := newKeyedLocks()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Acquire("slack|c9")
			unlock()
		}()
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("%d lock entries left after all released", len(locks.locks))
	}
}

func TestKeyedLocksEmptyKey(t *testing.T) {
	locks := newKeyedLocks()

	// No-op releases must not panic or leave entries behind.
	u1 := locks.Acquire("")
	u2 := locks.Acquire("   ")
	u1()
	u2()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("empty keys created %d entries", len(locks.locks))
	}
}

func TestLockKey(t *testing.T) {
	if got := lockKey(models.ChannelTelegram, "12345"); got != "telegram|12345" {
		t.Errorf("lockKey = %q", got)
	}
	if lockKey(models.ChannelTelegram, "c1") == lockKey(models.ChannelSlack, "c1") {
		t.Error("same contact on different channels must not share a key")
	}
}
