package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testPoolOptions() PoolOptions {
	return PoolOptions{
		Concurrency:     2,
		PollInterval:    10 * time.Millisecond,
		Visibility:      time.Minute,
		JobTimeout:      time.Second,
		ReclaimInterval: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m := NewManager(rdb)

	var processed int64
	pool := NewWorkerPool(m, Transactional, func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, testPoolOptions())

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, Transactional, map[string]int{"n": i}, EnqueueOptions{})
		require.NoError(t, err)
	}

	pool.Start()
	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&processed) == 3
	})

	waitFor(t, 2*time.Second, func() bool {
		stats, err := m.QueueStats(ctx, Transactional)
		return err == nil && stats.Completed == 3 && stats.Active == 0
	})
}

func TestWorkerPoolDeadLettersFailingJob(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m := NewManager(rdb)

	pool := NewWorkerPool(m, Transactional, func(ctx context.Context, job *Job) error {
		return errors.New("provider down")
	}, testPoolOptions())

	_, err := m.Enqueue(ctx, Transactional, map[string]string{}, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		stats, err := m.QueueStats(ctx, Transactional)
		return err == nil && stats.Failed == 1
	})
}

func TestWorkerPoolPromotesDelayedJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m := NewManager(rdb)

	var processed int64
	pool := NewWorkerPool(m, Sequence, func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, testPoolOptions())

	_, err := m.Enqueue(ctx, Sequence, map[string]string{}, EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&processed) == 1
	})
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m := NewManager(rdb)

	pool := NewWorkerPool(m, Newsletter, func(ctx context.Context, job *Job) error {
		return nil
	}, testPoolOptions())

	pool.Start()
	pool.Start()
	pool.Stop()
	pool.Stop()
}
