package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes same key", func(t *testing.T) {
		k := NewKeyedMutex()
		var mu sync.Mutex
		active, maxActive := 0, 0

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock("a")
				defer unlock()

				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxActive)
		assert.Equal(t, 0, k.Len())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		k := NewKeyedMutex()
		unlockA := k.Lock("a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlock := k.Lock("b")
			unlock()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked by a")
		}
	})
}
