package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two holders of the same key")
	}
	if k.Len() != 0 {
		t.Fatalf("entries left: %d", k.Len())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock(1)
	done := make(chan struct{})
	go func() {
		unlock := k.Lock(2)
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
