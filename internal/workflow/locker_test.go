package workflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counts := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"B-1", "B-2"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.Lock(key)
				defer unlock()
				counts[key]++
			}(key)
		}
	}
	wg.Wait()

	assert.Equal(t, 50, counts["B-1"])
	assert.Equal(t, 50, counts["B-2"])
	assert.Zero(t, k.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("B-1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.Lock("B-2")()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, k.size())
}
