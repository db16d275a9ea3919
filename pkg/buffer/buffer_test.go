package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingWriteAndDrain(t *testing.T) {
	r := NewRing[int](5)

	assert.True(t, r.IsEmpty())
	assert.Equal(t, 5, r.Capacity())

	for i := 1; i <= 3; i++ {
		r.Write(i)
	}
	assert.Equal(t, 3, r.Size())

	got := r.Drain()
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.True(t, r.IsEmpty(), "drain must leave the ring empty")
	assert.Nil(t, r.Drain())
}

func TestRingDropOldestOnOverflow(t *testing.T) {
	var dropped []string
	r := NewRing[string](3, WithDropCallback[string](func(item string) {
		dropped = append(dropped, item)
	}))

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Write(s)
	}

	assert.True(t, r.IsFull())
	assert.Equal(t, []string{"c", "d", "e"}, r.Drain())
	assert.Equal(t, []string{"a", "b"}, dropped)
	assert.Equal(t, int64(2), r.Stats().Drops())
	assert.Equal(t, int64(2), r.Stats().Overflows())
}

func TestRingDropNewestOnOverflow(t *testing.T) {
	r := NewRing[int](2, WithOverflowPolicy[int](DropNewest))

	r.Write(1)
	r.Write(2)
	size := r.Write(3)

	assert.Equal(t, 2, size)
	assert.Equal(t, []int{1, 2}, r.Drain())
	assert.Equal(t, int64(1), r.Stats().Drops())
}

func TestRingSnapshotDoesNotConsume(t *testing.T) {
	r := NewRing[int](4)
	r.Write(10)
	r.Write(20)

	assert.Equal(t, []int{10, 20}, r.Snapshot())
	assert.Equal(t, 2, r.Size())
	assert.Equal(t, []int{10, 20}, r.Drain())
}

func TestRingWriteReturnsSize(t *testing.T) {
	r := NewRing[int](10)
	require.Equal(t, 1, r.Write(1))
	require.Equal(t, 2, r.Write(2))
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	assert.Equal(t, 1, r.Capacity())
	r.Write(1)
	r.Write(2)
	assert.Equal(t, []int{2}, r.Drain())
}

func TestRingConcurrentWrites(t *testing.T) {
	const writers = 8
	const perWriter = 500

	r := NewRing[int](writers * perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Write(base + i)
			}
		}(w * perWriter)
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, r.Size())
	assert.Equal(t, int64(writers*perWriter), r.Stats().Writes())
	assert.Equal(t, int64(0), r.Stats().Drops())
}
