package queue_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/covault/covaultd/internal/infrastructure/queue"
	"github.com/stretchr/testify/require"
)

func TestTaskQueuePreservesOrder(t *testing.T) {
	svc := queue.NewService()
	defer svc.Stop()

	var mu sync.Mutex
	got := make([]int, 0, 100)
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		svc.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestTaskQueueNeverRunsTasksConcurrently(t *testing.T) {
	svc := queue.NewService()
	defer svc.Stop()

	var running, maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		svc.Enqueue(func() {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxRunning) {
				atomic.StoreInt32(&maxRunning, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}

	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestTaskQueueSurvivesPanickingTask(t *testing.T) {
	svc := queue.NewService()
	defer svc.Stop()

	done := make(chan struct{})
	svc.Enqueue(func() { panic("boom") })
	svc.Enqueue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue stopped draining after a panic")
	}
}

func TestTaskQueueStopDropsPending(t *testing.T) {
	svc := queue.NewService()

	var ran int32
	block := make(chan struct{})
	svc.Enqueue(func() { <-block })
	svc.Enqueue(func() { atomic.AddInt32(&ran, 1) })

	svc.Stop()
	close(block)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&ran))
}
