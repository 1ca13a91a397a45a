package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/queue"
)

// Dispatcher fans one email job out to its recipients in provider-paced
// batches. Recipient sends are independent; the aggregate result always
// carries every per-recipient outcome.
type Dispatcher struct {
	signer  *UnsubSigner
	limiter *RateLimiter
	log     *logger.Logger

	// swappable in tests
	newSender func(providerID string, cfg ProviderConfig) (ProviderSender, error)
	sleep     func(ctx context.Context, d time.Duration)
}

// NewDispatcher builds a dispatcher. limiter may be nil, in which case
// only the static batch pacing applies.
func NewDispatcher(signer *UnsubSigner, limiter *RateLimiter) *Dispatcher {
	return &Dispatcher{
		signer:    signer,
		limiter:   limiter,
		log:       logger.With("dispatch"),
		newSender: senderFor,
		sleep:     sleepCtx,
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

// Dispatch processes the job's recipients in batches sized and delayed
// per the provider policy. progress is invoked after every batch with the
// processed count; it may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, job *EmailJobData, progress func(processed, total int)) (*BulkEmailSendResult, error) {
	cfg, ok := job.ProviderConfig[job.SendingProviderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingProviderConfig, job.SendingProviderID)
	}

	sender, err := d.newSender(job.SendingProviderID, cfg)
	if err != nil {
		return nil, err
	}

	policy := PolicyFor(job.SendingProviderID)
	total := len(job.Recipients)
	result := &BulkEmailSendResult{Results: make([]EmailSendResult, 0, total)}

	perRecipient := d.signer != nil &&
		(hasUnsubPlaceholders(job.HTMLContent) || hasUnsubPlaceholders(job.Subject))

	for start := 0; start < total; start += policy.Size {
		end := start + policy.Size
		if end > total {
			end = total
		}
		batch := job.Recipients[start:end]

		d.waitForBudget(ctx, job.SendingProviderID, len(batch))

		var batchResults []EmailSendResult
		if perRecipient {
			batchResults = d.sendPersonalized(ctx, sender, job, batch)
		} else {
			batchResults = sender.SendBatch(ctx, job, batch)
		}

		for _, r := range batchResults {
			result.Results = append(result.Results, r)
			if r.Success {
				result.TotalSent++
			} else {
				result.TotalFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", r.Email, r.Error))
			}
		}

		if progress != nil {
			progress(end, total)
		}
		if end < total {
			d.sleep(ctx, policy.Delay)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	result.Success = result.TotalFailed == 0
	d.log.Info("email job dispatched",
		"job_id", job.ID, "provider", job.SendingProviderID,
		"sent", result.TotalSent, "failed", result.TotalFailed)
	return result, nil
}

// sendPersonalized expands the unsubscribe placeholders per recipient,
// which forces one provider call per recipient within the batch window.
func (d *Dispatcher) sendPersonalized(ctx context.Context, sender ProviderSender, job *EmailJobData, batch []Recipient) []EmailSendResult {
	results := make([]EmailSendResult, 0, len(batch))
	for _, r := range batch {
		clone := *job
		clone.Subject = d.signer.Expand(job.Subject, r)
		clone.HTMLContent = d.signer.Expand(job.HTMLContent, r)
		results = append(results, sender.SendBatch(ctx, &clone, []Recipient{r})...)
	}
	return results
}

// waitForBudget blocks until the shared rate limiter admits the batch.
func (d *Dispatcher) waitForBudget(ctx context.Context, providerID string, batchSize int) {
	if d.limiter == nil {
		return
	}
	for ctx.Err() == nil {
		allowed, wait, err := d.limiter.CheckAndIncrement(ctx, providerID, batchSize)
		if err != nil {
			// Redis trouble must not block sending; the static pacing
			// still applies.
			d.log.Warn("rate limiter unavailable", "provider", providerID, "error", err)
			return
		}
		if allowed {
			return
		}
		d.sleep(ctx, wait)
	}
}

// Handler adapts the dispatcher into a queue handler for the email
// queues. Progress is written back to the job's queue record per batch.
func (d *Dispatcher) Handler(queues *queue.Manager) queue.Handler {
	return func(ctx context.Context, qjob *queue.Job) error {
		var job EmailJobData
		if err := json.Unmarshal(qjob.Payload, &job); err != nil {
			return fmt.Errorf("decode email job: %w", err)
		}

		result, err := d.Dispatch(ctx, &job, func(processed, total int) {
			pct := processed * 100 / total
			if perr := queues.SetProgress(ctx, qjob, pct); perr != nil {
				d.log.Debug("progress update failed", "job_id", qjob.ID, "error", perr)
			}
		})
		if err != nil {
			return err
		}
		// Every recipient failing means the provider is down or the job
		// is misaddressed; surface it so the queue retry policy applies.
		if result.TotalSent == 0 && result.TotalFailed > 0 {
			return fmt.Errorf("all %d recipients failed: %s", result.TotalFailed, result.Errors[0])
		}
		return nil
	}
}
