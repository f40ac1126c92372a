package blobstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuard_SerialisesOneHash(t *testing.T) {
	g := NewGuard()
	unlock := g.Lock("h1")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		g.Lock("h1")()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock returned while the hash was held")
	case <-time.After(20 * time.Millisecond):
	}

	// Other hashes are independent.
	g.Lock("h2")()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the hash")
	}
	assert.Equal(t, 0, g.held("h1"))
	assert.Equal(t, 0, g.held("h2"))
}

func TestGuard_ConcurrentCounter(t *testing.T) {
	g := NewGuard()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := g.Lock("shared")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, counter)
	assert.Equal(t, 0, g.held("shared"))
}
