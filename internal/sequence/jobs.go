package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/queue"
)

// Enqueuer is the slice of the queue manager the job processor needs to
// schedule follow-up sequence jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// JobProcessor consumes the sequence queue. It owns every enrollment and
// execution mutation; step processors only compute results.
type JobProcessor struct {
	db          DatabaseService
	registry    *Registry
	queues      Enqueuer
	stepTimeout time.Duration
	log         *logger.Logger

	now func() time.Time
}

// NewJobProcessor wires the job processor.
func NewJobProcessor(db DatabaseService, registry *Registry, queues Enqueuer, stepTimeout time.Duration) *JobProcessor {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}
	return &JobProcessor{
		db:          db,
		registry:    registry,
		queues:      queues,
		stepTimeout: stepTimeout,
		log:         logger.With("sequence.jobs"),
		now:         time.Now,
	}
}

// Handle is the queue handler: it decodes the payload and dispatches on
// the job kind.
func (p *JobProcessor) Handle(ctx context.Context, qjob *queue.Job) error {
	var job Job
	if err := json.Unmarshal(qjob.Payload, &job); err != nil {
		return fmt.Errorf("decode sequence job: %w", err)
	}

	switch job.Type {
	case JobEnrollment:
		return p.processEnrollment(ctx, &job)
	case JobStep:
		return p.processStep(ctx, &job)
	case JobTriggerCheck:
		return p.processTriggerCheck(ctx, &job)
	case JobUnsubscribe:
		return p.processUnsubscribe(ctx, &job)
	default:
		// Unknown kinds are config drift, not transient: don't retry.
		p.log.Error("unknown sequence job type", "type", job.Type)
		return nil
	}
}

var emailFormatRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// processEnrollment validates eligibility and creates the enrollment at
// the sequence's first active step. Duplicate attempts are a no-op that
// reports the existing position.
func (p *JobProcessor) processEnrollment(ctx context.Context, job *Job) error {
	seq, err := p.db.GetSequenceWithSteps(ctx, job.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence %s: %w", job.SequenceID, err)
	}
	if seq.Status != SequenceActive {
		p.log.Info("enrollment skipped, sequence not active",
			"sequence_id", seq.ID, "status", seq.Status)
		return nil
	}

	sub, err := p.db.GetSubscriber(ctx, job.SubscriberID)
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", job.SubscriberID, err)
	}

	if reason, ok := eligible(seq, sub); !ok {
		p.log.Info("subscriber not eligible for sequence",
			"sequence_id", seq.ID, "subscriber_id", sub.ID, "reason", reason)
		return nil
	}

	existing, err := p.db.FindExistingEnrollment(ctx, seq.ID, sub.ID)
	if err != nil {
		return fmt.Errorf("check existing enrollment: %w", err)
	}
	if existing != nil && existing.Status == EnrollmentActive {
		p.log.Info("duplicate enrollment attempt, keeping existing position",
			"enrollment_id", existing.ID, "current_step_id", existing.CurrentStepID)
		return nil
	}

	first := nextActiveStep(seq, 0)
	if first == nil {
		p.log.Warn("sequence has no active steps", "sequence_id", seq.ID)
		return nil
	}

	now := p.now()
	enrollment := &SequenceEnrollment{
		ID:                   uuid.New().String(),
		SequenceID:           seq.ID,
		SubscriberID:         sub.ID,
		Status:               EnrollmentActive,
		CurrentStepID:        first.ID,
		CurrentStepStartedAt: now,
		NextScheduledAt:      &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := p.db.EnrollSubscriber(ctx, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	if err := p.db.UpdateSequenceStats(ctx, seq.ID, "total_enrolled", 1); err != nil {
		p.log.Warn("sequence stats update failed", "sequence_id", seq.ID, "error", err)
	}

	return p.enqueueStep(ctx, seq, enrollment, first, 0, 0)
}

// eligible applies the enrollment gate: active subscriber, valid email,
// all required trigger tags present.
func eligible(seq *MarketingSequence, sub *Subscriber) (string, bool) {
	if sub.Status == "unsubscribed" || sub.GloballyUnsubscribed {
		return "unsubscribed", false
	}
	if !emailFormatRe.MatchString(sub.Email) {
		return "invalid_email", false
	}
	for _, tag := range seq.Trigger.RequiredTags {
		if !sub.HasTag(tag) {
			return "missing_required_tag", false
		}
	}
	return "", true
}

// stepLoad is the parallel-load result bundle for a step job.
type stepLoad struct {
	seq        *MarketingSequence
	enrollment *SequenceEnrollment
	sub        *Subscriber
}

// loadStepState fetches sequence+steps, enrollment, and subscriber
// concurrently. Each is an independent read; the first error wins.
func (p *JobProcessor) loadStepState(ctx context.Context, job *Job) (*stepLoad, error) {
	var (
		load     stepLoad
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		seq, err := p.db.GetSequenceWithSteps(ctx, job.SequenceID)
		if err != nil {
			fail(fmt.Errorf("load sequence: %w", err))
			return
		}
		load.seq = seq
	}()
	go func() {
		defer wg.Done()
		enrollment, err := p.db.GetEnrollment(ctx, job.EnrollmentID)
		if err != nil {
			fail(fmt.Errorf("load enrollment: %w", err))
			return
		}
		load.enrollment = enrollment
	}()
	go func() {
		defer wg.Done()
		sub, err := p.db.GetSubscriber(ctx, job.SubscriberID)
		if err != nil {
			fail(fmt.Errorf("load subscriber: %w", err))
			return
		}
		load.sub = sub
	}()
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return &load, nil
}

// processStep executes one step for one enrollment with idempotency and
// retry classification.
func (p *JobProcessor) processStep(ctx context.Context, job *Job) error {
	load, err := p.loadStepState(ctx, job)
	if err != nil {
		return err
	}
	seq, enrollment, sub := load.seq, load.enrollment, load.sub

	step := stepByID(seq, job.StepID)

	// Precondition failures exit the enrollment; they are never retried.
	if reason := stepPreconditions(seq, enrollment, step, sub); reason != "" {
		p.log.Warn("step preconditions failed, exiting enrollment",
			"enrollment_id", enrollment.ID, "step_id", job.StepID, "reason", reason)
		return p.exitEnrollment(ctx, seq, enrollment, ExitValidationFailed)
	}

	// Idempotency: a completed execution means this step already ran.
	// Re-apply its recorded result so a crash between persisting the
	// execution and scheduling the successor still advances.
	existing, err := p.db.CheckExistingExecution(ctx, enrollment.ID, step.ID)
	if err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if existing != nil && existing.Status == ExecutionCompleted {
		p.log.Info("step already completed, skipping re-execution",
			"enrollment_id", enrollment.ID, "step_id", step.ID)
		if existing.Result != nil {
			return p.applyResult(ctx, seq, enrollment, existing.Result)
		}
		return nil
	}

	retryCount := retryCountOf(job)

	exec := &StepExecution{
		ID:           uuid.New().String(),
		EnrollmentID: enrollment.ID,
		StepID:       step.ID,
		Status:       ExecutionExecuting,
		StartedAt:    p.now(),
		RetryCount:   retryCount,
	}
	if err := p.db.CreateStepExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	proc, err := p.registry.For(step.Type)
	if err != nil {
		p.finishExecution(ctx, exec, ExecutionFailed, nil, err.Error())
		return p.exitEnrollment(ctx, seq, enrollment, ExitStepFailed)
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	result, execErr := proc.Execute(stepCtx, seq, enrollment, step, sub)
	cancel()

	if execErr != nil {
		p.finishExecution(ctx, exec, ExecutionFailed, nil, execErr.Error())

		if IsRetryable(execErr) && retryCount < maxStepRetries {
			backoff := time.Duration(1<<uint(retryCount)) * time.Minute
			p.log.Warn("step failed, rescheduling",
				"enrollment_id", enrollment.ID, "step_id", step.ID,
				"retry", retryCount+1, "backoff", backoff, "error", execErr)
			return p.enqueueStep(ctx, seq, enrollment, step, backoff, retryCount+1)
		}

		p.log.Error("step failed permanently, exiting enrollment",
			"enrollment_id", enrollment.ID, "step_id", step.ID, "error", execErr)
		return p.exitEnrollment(ctx, seq, enrollment, ExitStepFailed)
	}

	if !result.Success {
		// Semantic failure (bad config): fatal, recorded on the execution.
		p.finishExecution(ctx, exec, ExecutionFailed, result, result.Error)
		return p.exitEnrollment(ctx, seq, enrollment, ExitStepFailed)
	}

	p.finishExecution(ctx, exec, ExecutionCompleted, result, "")
	return p.applyResult(ctx, seq, enrollment, result)
}

// stepPreconditions returns a non-empty reason when the step must not run.
func stepPreconditions(seq *MarketingSequence, enrollment *SequenceEnrollment, step *SequenceStep, sub *Subscriber) string {
	switch {
	case seq.Status != SequenceActive:
		return "sequence_not_active"
	case enrollment.Status != EnrollmentActive:
		return "enrollment_not_active"
	case step == nil:
		return "step_not_found"
	case !step.IsActive:
		return "step_not_active"
	case sub.Status == "unsubscribed" || sub.GloballyUnsubscribed:
		return "subscriber_unsubscribed"
	default:
		return ""
	}
}

// applyResult advances or terminates the enrollment per the processor's
// result and schedules the successor.
func (p *JobProcessor) applyResult(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, result *StepResult) error {
	now := p.now()

	if result.ShouldExit {
		return p.terminate(ctx, seq, enrollment, result.ExitReason)
	}

	next := stepByID(seq, result.NextStepID)
	if next == nil {
		return p.terminate(ctx, seq, enrollment, ExitSequenceCompleted)
	}

	scheduledAt := now
	if result.NextScheduledAt != nil {
		scheduledAt = *result.NextScheduledAt
	}

	enrollment.CurrentStepID = next.ID
	enrollment.CurrentStepStartedAt = now
	enrollment.NextScheduledAt = &scheduledAt
	enrollment.UpdatedAt = now
	if err := p.db.UpdateEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}

	delay := time.Duration(0)
	if d := scheduledAt.Sub(now); d > 0 {
		delay = d
	}
	return p.enqueueStep(ctx, seq, enrollment, next, delay, 0)
}

// terminate finishes the enrollment: sequence_completed closes it as
// completed, everything else as exited with the reason preserved.
func (p *JobProcessor) terminate(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, reason string) error {
	now := p.now()
	counter := "total_exited"
	if reason == ExitSequenceCompleted {
		enrollment.Status = EnrollmentCompleted
		counter = "total_completed"
	} else {
		enrollment.Status = EnrollmentExited
	}
	enrollment.ExitReason = reason
	enrollment.NextScheduledAt = nil
	enrollment.UpdatedAt = now

	if err := p.db.UpdateEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("terminate enrollment: %w", err)
	}
	if err := p.db.UpdateSequenceStats(ctx, seq.ID, counter, 1); err != nil {
		p.log.Warn("sequence stats update failed", "sequence_id", seq.ID, "error", err)
	}
	return nil
}

// exitEnrollment is terminate with an exit reason, for the failure paths.
func (p *JobProcessor) exitEnrollment(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, reason string) error {
	if enrollment.Status != EnrollmentActive {
		return nil
	}
	return p.terminate(ctx, seq, enrollment, reason)
}

func (p *JobProcessor) finishExecution(ctx context.Context, exec *StepExecution, status string, result *StepResult, errMsg string) {
	now := p.now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Result = result
	exec.Error = errMsg
	if err := p.db.UpdateStepExecution(ctx, exec); err != nil {
		p.log.Error("persisting execution outcome failed",
			"execution_id", exec.ID, "error", err)
	}
}

func (p *JobProcessor) enqueueStep(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, step *SequenceStep, delay time.Duration, retryCount int) error {
	scheduledFor := p.now().Add(delay)
	payload := Job{
		Type:         JobStep,
		SequenceID:   seq.ID,
		EnrollmentID: enrollment.ID,
		StepID:       step.ID,
		SubscriberID: enrollment.SubscriberID,
		UserID:       seq.UserID,
		OrgID:        seq.OrgID,
		ScheduledFor: &scheduledFor,
	}
	if retryCount > 0 {
		payload.Metadata = map[string]interface{}{"retryCount": retryCount}
	}

	if _, err := p.queues.Enqueue(ctx, queue.Sequence, payload, queue.EnqueueOptions{Delay: delay}); err != nil {
		return fmt.Errorf("enqueue step job: %w", err)
	}
	return nil
}

func retryCountOf(job *Job) int {
	if job.Metadata == nil {
		return 0
	}
	switch v := job.Metadata["retryCount"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// processTriggerCheck sweeps eligible subscribers into the sequence.
// Per-subscriber failures are logged, never abort the sweep.
func (p *JobProcessor) processTriggerCheck(ctx context.Context, job *Job) error {
	seq, err := p.db.GetSequenceWithSteps(ctx, job.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence %s: %w", job.SequenceID, err)
	}
	if seq.Status != SequenceActive {
		return nil
	}

	subs, err := p.db.FindEligibleSubscribers(ctx, seq)
	if err != nil {
		return fmt.Errorf("find eligible subscribers: %w", err)
	}

	enrolled := 0
	for _, sub := range subs {
		enrollJob := &Job{
			Type:         JobEnrollment,
			SequenceID:   seq.ID,
			SubscriberID: sub.ID,
			UserID:       seq.UserID,
			OrgID:        seq.OrgID,
		}
		if err := p.processEnrollment(ctx, enrollJob); err != nil {
			p.log.Warn("trigger sweep enrollment failed",
				"sequence_id", seq.ID, "subscriber_id", sub.ID, "error", err)
			continue
		}
		enrolled++
	}

	p.log.Info("trigger sweep finished",
		"sequence_id", seq.ID, "candidates", len(subs), "enrolled", enrolled)
	return nil
}

// processUnsubscribe removes a subscriber from one sequence, or from all
// sequences when no sequence id is given.
func (p *JobProcessor) processUnsubscribe(ctx context.Context, job *Job) error {
	reason := "unsubscribed"
	if job.Metadata != nil {
		if r, ok := job.Metadata["reason"].(string); ok && r != "" {
			reason = r
		}
	}

	if job.SequenceID != "" {
		if err := p.db.ExitSubscriberFromSequence(ctx, job.SequenceID, job.SubscriberID, reason); err != nil {
			return fmt.Errorf("exit sequence: %w", err)
		}
		return nil
	}
	if err := p.db.ExitSubscriberFromAllSequences(ctx, job.SubscriberID, reason); err != nil {
		return fmt.Errorf("exit all sequences: %w", err)
	}
	return nil
}
