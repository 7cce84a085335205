package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry()
	var creates atomic.Int32

	const workers = 50
	results := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := r.GetOrCreate("user-1", func() (*Session, error) {
				creates.Add(1)
				time.Sleep(5 * time.Millisecond)
				return New("user-1"), nil
			})
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DifferentUsersDoNotBlock(t *testing.T) {
	r := NewRegistry()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = r.GetOrCreate("slow", func() (*Session, error) {
			close(started)
			<-release
			return New("slow"), nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_, _, err := r.GetOrCreate("fast", func() (*Session, error) { return New("fast"), nil })
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("creation for another user blocked")
	}
	close(release)
}

func TestRegistry_GetOrCreateExistingHasNoSideEffects(t *testing.T) {
	r := NewRegistry()
	first, created, err := r.GetOrCreate("u", func() (*Session, error) { return New("u"), nil })
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.GetOrCreate("u", func() (*Session, error) {
		t.Fatal("create must not run for an existing session")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
}

func TestRegistry_CreateError(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.GetOrCreate("u", func() (*Session, error) { return nil, errors.New("boom") })
	assert.Error(t, err)

	_, ok := r.Get("u")
	assert.False(t, ok)
}

func TestRegistry_RemoveThenCreateIsFresh(t *testing.T) {
	r := NewRegistry()
	old, _, _ := r.GetOrCreate("u", func() (*Session, error) { return New("u"), nil })

	removed, ok := r.Remove("u")
	require.True(t, ok)
	assert.Same(t, old, removed)

	_, ok = r.Get("u")
	assert.False(t, ok)

	fresh, created, err := r.GetOrCreate("u", func() (*Session, error) { return New("u"), nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, old, fresh)

	assert.False(t, r.RemoveIf("u", old))
	assert.True(t, r.RemoveIf("u", fresh))
}

func TestRegistry_LocksAreReleased(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		unlock := r.Lock(fmt.Sprintf("u%d", i))
		unlock()
	}
	assert.Equal(t, 0, r.locks.Len())
}

func TestRegistry_AllAndCounts(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		id := id
		_, _, _ = r.GetOrCreate(id, func() (*Session, error) { return New(id), nil })
	}
	s, _ := r.Get("b")
	s.SetConnected("1@s.whatsapp.net", "B")

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].UserID)

	counts := r.CountByState()
	assert.Equal(t, 2, counts[model.StateUninitialized])
	assert.Equal(t, 1, counts[model.StateConnected])
}
