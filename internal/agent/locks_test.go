package agent

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedLocksSerializesOneKey(t *testing.T) {
	locks := NewKeyedLocks()

	release := locks.Acquire("conv-1")

	acquired := make(chan struct{})
	go func() {
		r := locks.Acquire("conv-1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while the key was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never proceeded after release")
	}
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := NewKeyedLocks()

	r1 := locks.Acquire("conv-1")
	defer r1()

	done := make(chan struct{})
	go func() {
		r2 := locks.Acquire("conv-2")
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different key blocked behind an unrelated holder")
	}
}

func TestKeyedLocksTryAcquire(t *testing.T) {
	locks := NewKeyedLocks()

	release := locks.Acquire("conv-1")
	if _, ok := locks.TryAcquire("conv-1"); ok {
		t.Fatal("TryAcquire succeeded on a held key")
	}
	release()

	r, ok := locks.TryAcquire("conv-1")
	if !ok {
		t.Fatal("TryAcquire failed on a free key")
	}
	r()
}

func TestKeyedLocksReclaimsEntries(t *testing.T) {
	locks := NewKeyedLocks()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release := locks.Acquire(string(rune('a' + n%10)))
			release()
		}(i)
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("lock map has %d leftover entries, want 0", len(locks.locks))
	}
}
