package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// Handler processes one job. A returned error sends the job down the
// retry/backoff path; nil acks it.
type Handler func(ctx context.Context, job *Job) error

// DefaultConcurrency is the consumer count per queue when the config
// gives none.
var DefaultConcurrency = map[string]int{
	Transactional: 5,
	Newsletter:    2,
	Bulk:          1,
	Sequence:      2,
}

// WorkerPool runs a fixed number of consumers against one queue. Each
// consumer claims a job, reports progress 0, runs the handler under the
// job timeout, reports progress 100, and acks or fails. A reclaimer
// goroutine requeues jobs abandoned by crashed consumers.
type WorkerPool struct {
	manager     *Manager
	queueName   string
	concurrency int
	handler     Handler

	pollInterval    time.Duration
	visibility      time.Duration
	jobTimeout      time.Duration
	reclaimInterval time.Duration

	workerID string
	log      *logger.Logger

	totalProcessed int64
	totalErrors    int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolOptions tune one worker pool. Zero values use defaults.
type PoolOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	Visibility      time.Duration
	JobTimeout      time.Duration
	ReclaimInterval time.Duration
}

// NewWorkerPool creates a pool consuming queueName with the given handler.
func NewWorkerPool(m *Manager, queueName string, handler Handler, opts PoolOptions) *WorkerPool {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency[queueName]
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = 6 * time.Minute
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	reclaim := opts.ReclaimInterval
	if reclaim <= 0 {
		reclaim = 30 * time.Second
	}

	return &WorkerPool{
		manager:         m,
		queueName:       queueName,
		concurrency:     concurrency,
		handler:         handler,
		pollInterval:    poll,
		visibility:      visibility,
		jobTimeout:      jobTimeout,
		reclaimInterval: reclaim,
		workerID:        fmt.Sprintf("%s-%s", queueName, uuid.New().String()[:8]),
		log:             logger.With("queue." + queueName),
	}
}

// Start launches the consumers and the reclaimer. Idempotent.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("worker pool starting", "worker_id", p.workerID, "concurrency", p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.consumeLoop(ctx)
	}
	p.wg.Add(1)
	go p.reclaimLoop(ctx)
}

// Stop shuts the pool down gracefully: no new claims, in-flight jobs get
// up to the job timeout to finish, then the pool force-stops.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped",
			"processed", atomic.LoadInt64(&p.totalProcessed),
			"errors", atomic.LoadInt64(&p.totalErrors))
	case <-time.After(p.jobTimeout + 5*time.Second):
		p.log.Warn("worker pool shutdown timed out, abandoning in-flight jobs")
	}
}

func (p *WorkerPool) consumeLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.manager.PromoteDelayed(ctx, p.queueName); err != nil && ctx.Err() == nil {
			p.log.Error("promote delayed failed", "error", err)
		}

		job, err := p.manager.Dequeue(ctx, p.queueName, p.visibility)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("dequeue failed", "error", err)
			}
			sleepCtx(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, p.pollInterval)
			continue
		}

		p.runJob(ctx, job)
	}
}

// runJob executes one claimed job. Ack/fail use Background so a shutdown
// mid-completion still records the outcome.
func (p *WorkerPool) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	_ = p.manager.SetProgress(jobCtx, job, 0)

	err := p.handler(jobCtx, job)

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		requeued, failErr := p.manager.Fail(finishCtx, job, err)
		if failErr != nil {
			p.log.Error("recording job failure failed", "job_id", job.ID, "error", failErr)
			return
		}
		if requeued {
			p.log.Warn("job failed, requeued with backoff",
				"job_id", job.ID, "attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts, "error", err)
		} else {
			p.log.Error("job dead-lettered",
				"job_id", job.ID, "attempts", job.AttemptsMade, "error", err)
		}
		return
	}

	_ = p.manager.SetProgress(finishCtx, job, 100)
	if ackErr := p.manager.Ack(finishCtx, job); ackErr != nil {
		p.log.Error("ack failed", "job_id", job.ID, "error", ackErr)
		return
	}
	atomic.AddInt64(&p.totalProcessed, 1)
}

func (p *WorkerPool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.manager.Reclaim(ctx, p.queueName)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("reclaim failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.log.Warn("reclaimed stalled jobs", "count", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
