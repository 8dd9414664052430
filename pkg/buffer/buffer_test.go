package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_FIFO(t *testing.T) {
	buf, err := NewRing[string](3)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.TryPut("first"))
	require.NoError(t, buf.TryPut("second"))
	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, 3, buf.Cap())

	item, ok := buf.Poll()
	require.True(t, ok)
	assert.Equal(t, "first", item)

	item, err = buf.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", item)

	_, ok = buf.Poll()
	assert.False(t, ok)
}

func TestRing_DropOldestNeverBlocks(t *testing.T) {
	var dropped []int
	buf, err := NewRing[int](3, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		done := make(chan error, 1)
		go func(v int) { done <- buf.TryPut(v) }(i)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatalf("TryPut(%d) blocked on a full buffer", i)
		}
	}

	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, 3, buf.Len())

	var got []int
	for {
		v, ok := buf.Poll()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "newest item must always be present")
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.Equal(t, int64(2), buf.Stats().Overflows())
}

func TestRing_DropNewest(t *testing.T) {
	buf, err := NewRing[int](1, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	require.NoError(t, buf.TryPut(1))
	assert.ErrorIs(t, buf.TryPut(2), ErrFull)

	v, ok := buf.Poll()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRing_GetBlocksUntilPut(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	go func() {
		defer wg.Done()
		v, err := buf.Get(context.Background())
		assert.NoError(t, err)
		got = v
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.TryPut(7))
	wg.Wait()
	assert.Equal(t, 7, got)
}

func TestRing_GetHonoursContext(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = buf.Get(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRing_Close(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.TryPut(1))
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close(), "second close is a no-op")

	assert.ErrorIs(t, buf.TryPut(2), ErrClosed)

	v, err := buf.Get(context.Background())
	require.NoError(t, err, "queued items stay readable after close")
	assert.Equal(t, 1, v)

	_, err = buf.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRing_Clear(t *testing.T) {
	count := 0
	buf, err := NewRing[int](4, WithDropCallback[int](func(int) { count++ }))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.TryPut(i))
	}
	buf.Clear()
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 3, count)

	require.NoError(t, buf.TryPut(9))
	v, ok := buf.Poll()
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestRing_ConcurrentProducers(t *testing.T) {
	buf, err := NewRing[int](50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, buf.TryPut(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, buf.Len())
	assert.Equal(t, int64(800), buf.Stats().Writes())
	assert.Equal(t, int64(750), buf.Stats().Drops())
	assert.Equal(t, int64(50), buf.Stats().MaxSize())
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(9).String())
}
