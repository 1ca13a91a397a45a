// Package queue implements the Redis-backed job queues that drive sequence
// execution and email dispatch. Four named queues exist, each with its own
// default priority, attempt budget, and backoff policy. All queue state
// transitions are performed by Lua scripts so that concurrent workers on
// different hosts never race: a job is owned by exactly one worker at a
// time, and a worker crash surfaces as an expired visibility deadline that
// the reclaimer converts back into a waiting job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names. These are logical queues, not Redis keys.
const (
	Transactional = "transactional"
	Sequence      = "sequence"
	Newsletter    = "newsletter"
	Bulk          = "bulk"
)

// ErrUnknownQueue is returned when a queue name has no registered policy.
var ErrUnknownQueue = errors.New("unknown queue")

// Policy is a queue's default behavior. Enqueue options override Attempts
// and Priority per job; DefaultDelay applies when the caller gives none.
type Policy struct {
	Priority     int           // lower is more urgent
	Attempts     int           // total tries before dead-letter
	DefaultDelay time.Duration // initial delay applied to every job
	BackoffBase  time.Duration // retry backoff base (base × 2^attempt)
}

// DefaultPolicies maps each queue to its standing policy.
var DefaultPolicies = map[string]Policy{
	Transactional: {Priority: 1, Attempts: 5, DefaultDelay: 0, BackoffBase: 500 * time.Millisecond},
	Sequence:      {Priority: 2, Attempts: 3, DefaultDelay: 0, BackoffBase: 2 * time.Second},
	Newsletter:    {Priority: 3, Attempts: 3, DefaultDelay: 0, BackoffBase: 2 * time.Second},
	Bulk:          {Priority: 5, Attempts: 2, DefaultDelay: time.Second, BackoffBase: 5 * time.Second},
}

// Job is one unit of work pulled from a queue.
type Job struct {
	ID           string
	Queue        string
	Payload      json.RawMessage
	Priority     int
	MaxAttempts  int
	AttemptsMade int // includes the current attempt
	EnqueuedAt   time.Time
}

// EnqueueOptions override queue defaults for a single job. Zero values
// defer to the queue policy.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	Attempts int
}

// Stats is the per-queue statistics surface consumed by the health API.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Total sums all counters.
func (s Stats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}

// Manager owns the Redis connection and the per-queue policies. One Manager
// is constructed at process boot and shared by enqueuers and worker pools.
type Manager struct {
	rdb      *redis.Client
	policies map[string]Policy

	promoteScript *redis.Script
	dequeueScript *redis.Script
	ackScript     *redis.Script
	failScript    *redis.Script
	reclaimScript *redis.Script
}

// NewManager creates a queue manager with the default queue policies.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{
		rdb:           rdb,
		policies:      DefaultPolicies,
		promoteScript: redis.NewScript(promoteLua),
		dequeueScript: redis.NewScript(dequeueLua),
		ackScript:     redis.NewScript(ackLua),
		failScript:    redis.NewScript(failLua),
		reclaimScript: redis.NewScript(reclaimLua),
	}
}

// Policy returns the standing policy for a queue name.
func (m *Manager) Policy(queueName string) (Policy, bool) {
	p, ok := m.policies[queueName]
	return p, ok
}

func key(queueName, suffix string) string {
	return fmt.Sprintf("dripq:{%s}:%s", queueName, suffix)
}

func jobKey(queueName, id string) string {
	return key(queueName, "job:"+id)
}

// Enqueue stores a job and makes it waiting (or delayed). Returns the job ID.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload interface{}, opts EnqueueOptions) (string, error) {
	policy, ok := m.policies[queueName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = policy.Priority
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = policy.Attempts
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = policy.DefaultDelay
	}

	id := uuid.New().String()
	now := time.Now()

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(queueName, id),
		"payload", string(data),
		"priority", priority,
		"max_attempts", attempts,
		"attempts_made", 0,
		"progress", 0,
		"enqueued_at", now.UnixMilli(),
	)
	if delay > 0 {
		pipe.ZAdd(ctx, key(queueName, "delayed"), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.ZAdd(ctx, key(queueName, "waiting"), redis.Z{
			Score:  waitingScore(priority, now),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return id, nil
}

// waitingScore orders the waiting set by priority first, enqueue time second.
// Millisecond timestamps stay under 2^41, so priority buckets of 2^44 keep
// both components exact in a float64.
func waitingScore(priority int, t time.Time) float64 {
	return float64(int64(priority)<<44 + t.UnixMilli())
}

// PromoteDelayed moves due delayed jobs into the waiting set. Called by
// worker pools ahead of each dequeue and by the reclaimer tick.
func (m *Manager) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	res, err := m.promoteScript.Run(ctx, m.rdb,
		[]string{key(queueName, "delayed"), key(queueName, "waiting")},
		time.Now().UnixMilli(), key(queueName, "job:"),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return res, nil
}

// Dequeue claims the most urgent waiting job for the given visibility
// window. Returns nil when the queue is empty.
func (m *Manager) Dequeue(ctx context.Context, queueName string, visibility time.Duration) (*Job, error) {
	now := time.Now()
	res, err := m.dequeueScript.Run(ctx, m.rdb,
		[]string{key(queueName, "waiting"), key(queueName, "active")},
		now.Add(visibility).UnixMilli(), key(queueName, "job:"),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 5 {
		return nil, fmt.Errorf("dequeue %s: malformed script reply", queueName)
	}

	job := &Job{
		ID:           toString(vals[0]),
		Queue:        queueName,
		Payload:      json.RawMessage(toString(vals[1])),
		Priority:     int(toInt64(vals[2])),
		MaxAttempts:  int(toInt64(vals[3])),
		AttemptsMade: int(toInt64(vals[4])),
	}
	if len(vals) > 5 {
		job.EnqueuedAt = time.UnixMilli(toInt64(vals[5]))
	}
	return job, nil
}

// Ack marks a claimed job completed and drops its state.
func (m *Manager) Ack(ctx context.Context, job *Job) error {
	return m.ackScript.Run(ctx, m.rdb,
		[]string{key(job.Queue, "active"), key(job.Queue, "completed"), jobKey(job.Queue, job.ID)},
		job.ID,
	).Err()
}

// Fail records a failed attempt. Jobs with attempts remaining are requeued
// as delayed with exponential backoff; exhausted jobs go to the dead-letter
// list and count toward the failed stat. Never silently drops a job.
func (m *Manager) Fail(ctx context.Context, job *Job, cause error) (requeued bool, err error) {
	policy := m.policies[job.Queue]
	backoff := policy.BackoffBase * (1 << uint(job.AttemptsMade))
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	res, err := m.failScript.Run(ctx, m.rdb,
		[]string{
			key(job.Queue, "active"),
			key(job.Queue, "delayed"),
			key(job.Queue, "dead"),
			jobKey(job.Queue, job.ID),
		},
		job.ID,
		time.Now().Add(backoff).UnixMilli(),
		reason,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail %s/%s: %w", job.Queue, job.ID, err)
	}
	return res == 1, nil
}

// SetProgress records job progress (0-100) for observability.
func (m *Manager) SetProgress(ctx context.Context, job *Job, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return m.rdb.HSet(ctx, jobKey(job.Queue, job.ID), "progress", pct).Err()
}

// Reclaim requeues active jobs whose visibility deadline has passed
// (stalled consumers). Returns the number of jobs recovered.
func (m *Manager) Reclaim(ctx context.Context, queueName string) (int, error) {
	res, err := m.reclaimScript.Run(ctx, m.rdb,
		[]string{key(queueName, "active"), key(queueName, "waiting"), key(queueName, "dead")},
		time.Now().UnixMilli(), key(queueName, "job:"),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return res, nil
}

// QueueStats reports the statistics surface for one queue.
func (m *Manager) QueueStats(ctx context.Context, queueName string) (Stats, error) {
	pipe := m.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, key(queueName, "waiting"))
	active := pipe.ZCard(ctx, key(queueName, "active"))
	delayed := pipe.ZCard(ctx, key(queueName, "delayed"))
	completed := pipe.Get(ctx, key(queueName, "completed"))
	dead := pipe.LLen(ctx, key(queueName, "dead"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("stats %s: %w", queueName, err)
	}

	completedN, _ := completed.Int64()
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completedN,
		Failed:    dead.Val(),
	}, nil
}

// AllStats reports stats for every registered queue.
func (m *Manager) AllStats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats, len(m.policies))
	for name := range m.policies {
		s, err := m.QueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

// JobStatus reports where a job currently sits within its queue.
func (m *Manager) JobStatus(ctx context.Context, queueName, id string) (string, int, error) {
	if err := m.rdb.ZScore(ctx, key(queueName, "active"), id).Err(); err == nil {
		return "active", m.progressOf(ctx, queueName, id), nil
	}
	if err := m.rdb.ZScore(ctx, key(queueName, "waiting"), id).Err(); err == nil {
		return "waiting", 0, nil
	}
	if err := m.rdb.ZScore(ctx, key(queueName, "delayed"), id).Err(); err == nil {
		return "delayed", 0, nil
	}
	exists, err := m.rdb.Exists(ctx, jobKey(queueName, id)).Result()
	if err != nil {
		return "", 0, err
	}
	if exists == 1 {
		// State hash survives only for dead jobs.
		return "failed", m.progressOf(ctx, queueName, id), nil
	}
	return "completed", 100, nil
}

// RetryDead moves a dead-lettered job back to waiting with a fresh attempt
// budget. Used by the operator retry endpoint.
func (m *Manager) RetryDead(ctx context.Context, queueName, id string) error {
	removed, err := m.rdb.LRem(ctx, key(queueName, "dead"), 1, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("job %s is not dead-lettered on %s", id, queueName)
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(queueName, id), "attempts_made", 0)
	pipe.HDel(ctx, jobKey(queueName, id), "failed_reason")
	pipe.ZAdd(ctx, key(queueName, "waiting"), redis.Z{
		Score:  waitingScore(m.policies[queueName].Priority, time.Now()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (m *Manager) progressOf(ctx context.Context, queueName, id string) int {
	pct, err := m.rdb.HGet(ctx, jobKey(queueName, id), "progress").Int()
	if err != nil {
		return 0
	}
	return pct
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
