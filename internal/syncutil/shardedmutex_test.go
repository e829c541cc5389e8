package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("ms_abc123")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter 100, got %d", counter)
	}
}

func TestShardedMutex_DistinctKeysDoNotDeadlock(t *testing.T) {
	var m ShardedMutex
	u1 := m.Lock("offer_1")

	done := make(chan struct{})
	go func() {
		// May share a shard with offer_1, but u1 is released below, so
		// this must complete either way.
		u2 := m.Lock("offer_2")
		u2()
		close(done)
	}()

	u1()
	<-done
}
