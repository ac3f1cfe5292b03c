package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

func TestMemoryStore_VersionSemantics(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	_, err := st.Get(ctx, "missing")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	v1, err := st.Put(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1, "first write produces version 1")

	v2, err := st.Put(ctx, "k", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	rec, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemoryStore_PutIfVersion(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	// Version 0 means "never written": creates the key.
	v, err := st.PutIfVersion(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Stale expected version loses the race.
	_, err = st.PutIfVersion(ctx, "k", []byte("stale"), 0)
	assert.Equal(t, ErrVersionConflict, err)

	// Matching expected version wins.
	v, err = st.PutIfVersion(ctx, "k", []byte("b"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	rec, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), rec.Value, "losing write must not clobber the value")
}

// Concurrent CAS writers against the same key: exactly one per version may
// win, so after N successful writes the version is exactly N.
func TestMemoryStore_ConcurrentCAS(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan int64, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var expected int64
				if rec, err := st.Get(ctx, "counter"); err == nil {
					expected = rec.Version
				}
				v, err := st.PutIfVersion(ctx, "counter", []byte("x"), expected)
				if err == nil {
					wins <- v
					return
				}
			}
		}()
	}
	wg.Wait()
	close(wins)

	seen := make(map[int64]bool)
	for v := range wins {
		assert.False(t, seen[v], "two writers claimed version %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	rec, err := st.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), rec.Version)
}

func TestMemoryStore_Delete(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	_, err := st.Put(ctx, "k", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "k"))

	_, err = st.Get(ctx, "k")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestWithRetry_TransientOnly(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		if calls < 3 {
			return core.WrapTransient(assert.AnError, "flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls, "transient failures retry up to the bound")

	calls = 0
	err = WithRetry(ctx, func() error {
		calls++
		return core.NewError(core.KindValidation, "bad input")
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Equal(t, 1, calls, "non-transient errors must not retry")
}
