package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int]()
	require.NoError(t, q.Enqueue(1, 2))
	require.NoError(t, q.Enqueue(3))
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)

	go func() {
		v, err := q.Dequeue(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue("job"))

	select {
	case v := <-got:
		assert.Equal(t, "job", v)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New[int]()
	require.NoError(t, q.Enqueue(7))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(8), ErrClosed)

	v, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentConsumersSeeEachItemOnce(t *testing.T) {
	q := New[int]()
	const n = 200

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Dequeue(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	q.Close()
	wg.Wait()

	assert.Len(t, seen, n)
	for _, c := range seen {
		assert.Equal(t, 1, c)
	}
}
