package engine

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexExcludes(t *testing.T) {
	km := newKeyedMutex()
	km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		km.Lock("a")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	km.Unlock("a")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
	km.Unlock("a")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	km.Lock("a")
	// A different key must not block.
	km.Lock("b")
	km.Unlock("b")
	km.Unlock("a")
}

func TestKeyedMutexFreesEntries(t *testing.T) {
	km := newKeyedMutex()
	km.Lock("a")
	km.Lock("b")
	km.Unlock("a")
	km.Unlock("b")

	if n := len(km.locks); n != 0 {
		t.Errorf("entries leaked: %d", n)
	}
}

func TestLockPairOppositeOrder(t *testing.T) {
	km := newKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			km.LockPair("x", "y")
			km.UnlockPair("x", "y")
		}()
		go func() {
			defer wg.Done()
			km.LockPair("y", "x")
			km.UnlockPair("y", "x")
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockPair deadlocked on opposite acquisition order")
	}

	if n := len(km.locks); n != 0 {
		t.Errorf("entries leaked: %d", n)
	}
}

func TestLockPairSameKey(t *testing.T) {
	km := newKeyedMutex()
	km.LockPair("a", "a")
	km.UnlockPair("a", "a")

	// Locking again proves the single entry was fully released.
	km.Lock("a")
	km.Unlock("a")
}
