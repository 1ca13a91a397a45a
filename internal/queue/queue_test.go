package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	id, err := m.Enqueue(ctx, Transactional, map[string]string{"to": "a@example.com"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := m.Dequeue(ctx, Transactional, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.AttemptsMade)
	require.Equal(t, 5, job.MaxAttempts)
	require.JSONEq(t, `{"to":"a@example.com"}`, string(job.Payload))

	require.NoError(t, m.Ack(ctx, job))

	stats, err := m.QueueStats(ctx, Transactional)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(0), stats.Waiting)
	require.Equal(t, int64(0), stats.Active)
}

func TestDequeueEmptyQueue(t *testing.T) {
	m := testManager(t)

	job, err := m.Dequeue(context.Background(), Newsletter, time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m := testManager(t)

	_, err := m.Enqueue(context.Background(), "nope", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	low, err := m.Enqueue(ctx, Newsletter, map[string]string{"n": "low"}, EnqueueOptions{})
	require.NoError(t, err)
	high, err := m.Enqueue(ctx, Newsletter, map[string]string{"n": "high"}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	first, err := m.Dequeue(ctx, Newsletter, time.Minute)
	require.NoError(t, err)
	require.Equal(t, high, first.ID, "lower priority value must dequeue first")

	second, err := m.Dequeue(ctx, Newsletter, time.Minute)
	require.NoError(t, err)
	require.Equal(t, low, second.ID)
}

func TestDelayedPromotion(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	id, err := m.Enqueue(ctx, Sequence, map[string]string{}, EnqueueOptions{Delay: 30 * time.Millisecond})
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Sequence, time.Minute)
	require.NoError(t, err)
	require.Nil(t, job, "delayed job must not be claimable before its due time")

	stats, err := m.QueueStats(ctx, Sequence)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)

	time.Sleep(50 * time.Millisecond)

	moved, err := m.PromoteDelayed(ctx, Sequence)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	job, err = m.Dequeue(ctx, Sequence, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
}

func TestFailRequeuesWithAttemptsRemaining(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	_, err := m.Enqueue(ctx, Sequence, map[string]string{}, EnqueueOptions{})
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Sequence, time.Minute)
	require.NoError(t, err)

	requeued, err := m.Fail(ctx, job, context.DeadlineExceeded)
	require.NoError(t, err)
	require.True(t, requeued)

	stats, err := m.QueueStats(ctx, Sequence)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)
	require.Equal(t, int64(0), stats.Failed)
}

func TestFailDeadLettersAtAttemptBudget(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	id, err := m.Enqueue(ctx, Bulk, map[string]string{}, EnqueueOptions{Delay: time.Nanosecond, Attempts: 1})
	require.NoError(t, err)

	_, err = m.PromoteDelayed(ctx, Bulk)
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Bulk, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	requeued, err := m.Fail(ctx, job, context.DeadlineExceeded)
	require.NoError(t, err)
	require.False(t, requeued)

	stats, err := m.QueueStats(ctx, Bulk)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)

	state, _, err := m.JobStatus(ctx, Bulk, id)
	require.NoError(t, err)
	require.Equal(t, "failed", state)
}

func TestRetryDead(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	id, err := m.Enqueue(ctx, Transactional, map[string]string{}, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Transactional, time.Minute)
	require.NoError(t, err)
	_, err = m.Fail(ctx, job, context.DeadlineExceeded)
	require.NoError(t, err)

	require.NoError(t, m.RetryDead(ctx, Transactional, id))

	state, _, err := m.JobStatus(ctx, Transactional, id)
	require.NoError(t, err)
	require.Equal(t, "waiting", state)

	job, err = m.Dequeue(ctx, Transactional, time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.AttemptsMade, "retry resets the attempt budget")

	require.Error(t, m.RetryDead(ctx, Transactional, "missing"))
}

func TestReclaimRequeuesStalledJobs(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	id, err := m.Enqueue(ctx, Transactional, map[string]string{}, EnqueueOptions{})
	require.NoError(t, err)

	// Claim with a visibility window that expires immediately.
	job, err := m.Dequeue(ctx, Transactional, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(30 * time.Millisecond)

	n, err := m.Reclaim(ctx, Transactional)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err = m.Dequeue(ctx, Transactional, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, 2, job.AttemptsMade)
}

func TestReclaimDeadLettersExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	_, err := m.Enqueue(ctx, Transactional, map[string]string{}, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Transactional, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(30 * time.Millisecond)

	n, err := m.Reclaim(ctx, Transactional)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	stats, err := m.QueueStats(ctx, Transactional)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
}

func TestJobStatusProgress(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	_, err := m.Enqueue(ctx, Bulk, map[string]string{}, EnqueueOptions{Delay: time.Nanosecond})
	require.NoError(t, err)
	_, err = m.PromoteDelayed(ctx, Bulk)
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, Bulk, time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.SetProgress(ctx, job, 40))

	state, progress, err := m.JobStatus(ctx, Bulk, job.ID)
	require.NoError(t, err)
	require.Equal(t, "active", state)
	require.Equal(t, 40, progress)
}

func TestAllStatsCoversEveryQueue(t *testing.T) {
	m := testManager(t)

	stats, err := m.AllStats(context.Background())
	require.NoError(t, err)
	for _, name := range []string{Transactional, Sequence, Newsletter, Bulk} {
		_, ok := stats[name]
		require.True(t, ok, "missing stats for %s", name)
	}
}
