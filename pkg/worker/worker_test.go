package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/queue"
)

func TestPoolProcessesAllItems(t *testing.T) {
	q := queue.New[int]()
	var sum atomic.Int64
	var wg sync.WaitGroup

	p := NewPool(Config{Concurrency: 3}, q, func(ctx context.Context, v int) {
		defer wg.Done()
		sum.Add(int64(v))
	}, logger.NewTestLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	wg.Add(10)
	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	wg.Wait()

	assert.Equal(t, int64(55), sum.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := queue.New[int]()
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	p := NewPool(Config{Concurrency: 2}, q, func(ctx context.Context, v int) {
		defer wg.Done()
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
	}, logger.NewTestLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	wg.Add(8)
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestPoolSurvivesPanics(t *testing.T) {
	q := queue.New[int]()
	log := logger.NewTestLogger()
	done := make(chan int, 2)

	p := NewPool(Config{Concurrency: 1}, q, func(ctx context.Context, v int) {
		if v == 0 {
			panic("boom")
		}
		done <- v
	}, log)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, q.Enqueue(0, 1))

	select {
	case v := <-done:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	assert.Equal(t, 1, log.Count("ERROR"))
}

func TestPoolStartTwice(t *testing.T) {
	p := NewPool(Config{}, queue.New[int](), func(context.Context, int) {}, logger.NewTestLogger())
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	assert.NoError(t, p.Stop())
	assert.Equal(t, 0, p.Running())
}
