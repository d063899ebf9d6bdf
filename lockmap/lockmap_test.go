package lockmap

import (
	"sync"
	"testing"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var (
		m       Map
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("auction-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 64 {
		t.Fatalf("expected 64 serialised increments, got %d", counter)
	}
	if m.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", m.Len())
	}
}

func TestLockIndependentKeys(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
