// Package emailqueue routes outbound email jobs onto the right named
// queue and exposes job status and retry operations on top of the queue
// manager.
package emailqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/queue"
)

// bulkRecipientThreshold is the recipient count above which a job is
// treated as a bulk send regardless of priority.
const bulkRecipientThreshold = 100

var errNoRecipients = errors.New("email job has no recipients")

// Service enqueues email jobs. Routing: priority 1 goes transactional,
// large fan-outs go bulk, everything else is newsletter traffic.
type Service struct {
	queues *queue.Manager
	log    *logger.Logger
}

// NewService returns an email queue service backed by the given manager.
func NewService(queues *queue.Manager) *Service {
	return &Service{queues: queues, log: logger.With("emailqueue")}
}

// routeQueue picks the named queue for a job.
func routeQueue(job *dispatch.EmailJobData) string {
	switch {
	case job.Priority == 1:
		return queue.Transactional
	case len(job.Recipients) > bulkRecipientThreshold:
		return queue.Bulk
	default:
		return queue.Newsletter
	}
}

// AddEmailJob enqueues one email job and returns the queue job id.
func (s *Service) AddEmailJob(ctx context.Context, job *dispatch.EmailJobData, delay time.Duration) (string, error) {
	if len(job.Recipients) == 0 {
		return "", errNoRecipients
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	queueName := routeQueue(job)
	opts := queue.EnqueueOptions{Delay: delay}
	if job.Priority > 0 {
		opts.Priority = job.Priority
	}
	if job.Attempts > 0 {
		opts.Attempts = job.Attempts
	}

	jobID, err := s.queues.Enqueue(ctx, queueName, job, opts)
	if err != nil {
		return "", err
	}

	s.log.Info("email job enqueued",
		"job_id", jobID, "queue", queueName,
		"recipients", len(job.Recipients), "delay", delay)
	return jobID, nil
}

// JobStatus is the external view of a queued email job.
type JobStatus struct {
	JobID    string `json:"jobId"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

// GetEmailJobStatus reports the queue-level status of an email job.
func (s *Service) GetEmailJobStatus(ctx context.Context, queueName, jobID string) (*JobStatus, error) {
	state, progress, err := s.queues.JobStatus(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{JobID: jobID, Queue: queueName, State: state, Progress: progress}, nil
}

// RetryEmailJob moves a dead-lettered email job back onto its waiting
// list for another attempt cycle.
func (s *Service) RetryEmailJob(ctx context.Context, queueName, jobID string) error {
	return s.queues.RetryDead(ctx, queueName, jobID)
}
