package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/personalize"
	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/schedule"
)

// StepProcessor executes one step type. Processors are pure with respect
// to sequence/enrollment state: they return a result, the job processor
// persists it.
type StepProcessor interface {
	Execute(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, step *SequenceStep, sub *Subscriber) (*StepResult, error)
}

// Registry maps step types to their processors.
type Registry struct {
	processors map[string]StepProcessor
}

// NewRegistry builds the standard processor set. The webhook client
// timeout applies per webhook call, not per action.
func NewRegistry(db DatabaseService, emails EmailQueue, webhookTimeout time.Duration) *Registry {
	return &Registry{processors: map[string]StepProcessor{
		StepTrigger:   &triggerProcessor{},
		StepEmail:     &emailProcessor{db: db, emails: emails, log: logger.With("sequence.email")},
		StepWait:      &waitProcessor{},
		StepCondition: &conditionProcessor{},
		StepAction:    newActionProcessor(db, webhookTimeout),
	}}
}

// For returns the processor for a step type.
func (r *Registry) For(stepType string) (StepProcessor, error) {
	p, ok := r.processors[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProcessor, stepType)
	}
	return p, nil
}

// nextActiveStep returns the first active step after the given order,
// or nil when the sequence has no further work.
func nextActiveStep(seq *MarketingSequence, afterOrder int) *SequenceStep {
	var best *SequenceStep
	for i := range seq.Steps {
		s := &seq.Steps[i]
		if !s.IsActive || s.Type == StepTrigger || s.Order <= afterOrder {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

// stepByID finds a step within the sequence.
func stepByID(seq *MarketingSequence, id string) *SequenceStep {
	for i := range seq.Steps {
		if seq.Steps[i].ID == id {
			return &seq.Steps[i]
		}
	}
	return nil
}

// advance builds the common "move to the successor" result. No successor
// means the subscriber finished the sequence.
func advance(seq *MarketingSequence, step *SequenceStep, scheduledAt *time.Time) *StepResult {
	next := nextActiveStep(seq, step.Order)
	if next == nil {
		return &StepResult{Success: true, ShouldExit: true, ExitReason: ExitSequenceCompleted}
	}
	return &StepResult{Success: true, NextStepID: next.ID, NextScheduledAt: scheduledAt}
}

// triggerProcessor is a no-op: trigger steps mark the entry point and
// never execute work.
type triggerProcessor struct{}

func (p *triggerProcessor) Execute(_ context.Context, seq *MarketingSequence, _ *SequenceEnrollment, step *SequenceStep, _ *Subscriber) (*StepResult, error) {
	return advance(seq, step, nil), nil
}

// emailProcessor personalizes the step's content and enqueues a single
// recipient email job. It never talks to a provider directly.
type emailProcessor struct {
	db     DatabaseService
	emails EmailQueue
	log    *logger.Logger
}

func (p *emailProcessor) Execute(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, step *SequenceStep, sub *Subscriber) (*StepResult, error) {
	if err := step.Config.Validate(StepEmail); err != nil {
		return &StepResult{Success: false, Error: fmt.Sprintf("invalid email config: %v", err)}, nil
	}
	cfg := step.Config.Email

	data := personalizationData(sub)
	subject := personalize.Render(cfg.Subject, data)
	html := personalize.Render(cfg.HTMLContent, data)

	job := &dispatch.EmailJobData{
		ID:                uuid.New().String(),
		UserID:            seq.UserID,
		Subject:           subject,
		FromName:          cfg.FromName,
		FromEmail:         cfg.FromEmail,
		HTMLContent:       html,
		SendingProviderID: cfg.SendingProviderID,
		Recipients: []dispatch.Recipient{{
			Email: sub.Email,
			Name:  sub.Name,
			Metadata: map[string]interface{}{
				"subscriberId": sub.ID,
				"sequenceId":   seq.ID,
				"enrollmentId": enrollment.ID,
				"stepId":       step.ID,
			},
		}},
		CreatedAt: time.Now(),
	}

	// Credentials ride with the job so the dispatcher never needs a
	// database round trip.
	integrations, err := p.db.GetUserIntegrations(ctx, seq.UserID, seq.OrgID)
	if err != nil {
		return nil, fmt.Errorf("load integrations: %w", err)
	}
	job.ProviderConfig = integrations

	jobID, err := p.emails.AddEmailJob(ctx, job, 0)
	if err != nil {
		return nil, fmt.Errorf("enqueue email job: %w", err)
	}
	if err := p.db.UpdateSequenceStats(ctx, seq.ID, "total_emails_sent", 1); err != nil {
		p.log.Warn("sequence stats update failed", "sequence_id", seq.ID, "error", err)
	}

	result := advance(seq, step, nil)
	result.Metadata = map[string]interface{}{"emailJobId": jobID}
	return result, nil
}

// personalizationData builds the token tree: subscriber.* (with custom
// fields reachable directly), custom.*, and today.*.
func personalizationData(sub *Subscriber) personalize.Data {
	subscriber := map[string]interface{}{
		"id":        sub.ID,
		"email":     sub.Email,
		"name":      sub.Name,
		"firstName": sub.FirstName,
		"lastName":  sub.LastName,
		"phone":     sub.Phone,
		"company":   sub.Company,
	}
	custom := make(map[string]interface{}, len(sub.CustomFields))
	for k, v := range sub.CustomFields {
		custom[k] = v
		if _, taken := subscriber[k]; !taken {
			subscriber[k] = v
		}
	}
	return personalize.Data{
		"subscriber": subscriber,
		"custom":     custom,
		"today":      personalize.BuildToday(time.Now()),
	}
}

// waitProcessor performs no side effect; it computes when the successor
// becomes due.
type waitProcessor struct{}

func (p *waitProcessor) Execute(_ context.Context, seq *MarketingSequence, _ *SequenceEnrollment, step *SequenceStep, _ *Subscriber) (*StepResult, error) {
	if err := step.Config.Validate(StepWait); err != nil {
		return &StepResult{Success: false, Error: fmt.Sprintf("invalid wait config: %v", err)}, nil
	}

	next := nextActiveStep(seq, step.Order)
	if next == nil {
		return &StepResult{Success: true, ShouldExit: true, ExitReason: ExitSequenceCompleted}, nil
	}

	at := schedule.NextTime(time.Now(), step.Config.Wait.AsWait(), seq.Settings)
	return &StepResult{Success: true, NextStepID: next.ID, NextScheduledAt: &at}, nil
}

// conditionProcessor branches on AND-combined subscriber conditions.
// A missing branch id is a terminal exit, not an error.
type conditionProcessor struct{}

func (p *conditionProcessor) Execute(_ context.Context, seq *MarketingSequence, _ *SequenceEnrollment, step *SequenceStep, sub *Subscriber) (*StepResult, error) {
	if err := step.Config.Validate(StepCondition); err != nil {
		return &StepResult{Success: false, Error: fmt.Sprintf("invalid condition config: %v", err)}, nil
	}
	cfg := step.Config.Condition

	matched := EvaluateConditions(sub, cfg.Conditions)
	branchID := cfg.FalseStepID
	if matched {
		branchID = cfg.TrueStepID
	}

	if branchID == "" {
		return &StepResult{
			Success:    true,
			ShouldExit: true,
			ExitReason: ExitConditionNoNext,
			Metadata:   map[string]interface{}{"conditionResult": matched},
		}, nil
	}

	if stepByID(seq, branchID) == nil {
		return &StepResult{
			Success:    true,
			ShouldExit: true,
			ExitReason: ExitConditionNoNext,
			Metadata:   map[string]interface{}{"conditionResult": matched},
		}, nil
	}

	return &StepResult{
		Success:    true,
		NextStepID: branchID,
		Metadata:   map[string]interface{}{"conditionResult": matched},
	}, nil
}
