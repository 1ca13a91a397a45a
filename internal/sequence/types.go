// Package sequence implements the drip-campaign execution engine: the
// per-subscriber step state machine, its step processors, and the job
// processor that drives both from the sequence queue.
package sequence

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/schedule"
)

// Sequence statuses. Status transitions are driven by the owning UI; the
// engine only reads them.
const (
	SequenceDraft     = "draft"
	SequenceActive    = "active"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
)

// Step types.
const (
	StepTrigger   = "trigger"
	StepEmail     = "email"
	StepWait      = "wait"
	StepCondition = "condition"
	StepAction    = "action"
)

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentExited    = "exited"
)

// Execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionExecuting = "executing"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Terminal exit reasons recorded on enrollments so failures are
// explainable without log-diving.
const (
	ExitSequenceCompleted  = "sequence_completed"
	ExitValidationFailed   = "validation_failed"
	ExitStepFailed         = "step_execution_failed"
	ExitConditionNoNext    = "condition_no_next_step"
	ExitUnsubscribed       = "unsubscribed"
)

// MarketingSequence is an ordered set of steps executed once per enrolled
// subscriber.
type MarketingSequence struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	OrgID    string         `json:"orgId,omitempty"`
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Steps    []SequenceStep `json:"steps"`
	Trigger  TriggerConfig  `json:"triggerConfig"`
	Settings Settings       `json:"settings"`
	Stats    SequenceStats  `json:"stats"`
}

// TriggerConfig describes what enrolls subscribers into a sequence.
type TriggerConfig struct {
	Type         string   `json:"type"` // subscriber_created, tag_added, manual
	RequiredTags []string `json:"requiredTags,omitempty"`
}

// Settings are sequence-level scheduling settings.
type Settings = schedule.Settings

// SequenceStats is the aggregate counter block maintained by the engine.
type SequenceStats struct {
	TotalEnrolled   int `json:"totalEnrolled"`
	TotalCompleted  int `json:"totalCompleted"`
	TotalExited     int `json:"totalExited"`
	TotalEmailsSent int `json:"totalEmailsSent"`
}

// SequenceStep is one step of a sequence. Order is 1-based and defines the
// linear successor (order+1). Steps are immutable during a run.
type SequenceStep struct {
	ID       string     `json:"id"`
	SequenceID string   `json:"sequenceId"`
	Order    int        `json:"order"`
	Type     string     `json:"type"`
	IsActive bool       `json:"isActive"`
	Config   StepConfig `json:"config"`
}

// StepConfig is a tagged union: exactly the variant matching the step type
// is set. Validated explicitly rather than carried as an untyped blob.
type StepConfig struct {
	Email     *EmailStepConfig     `json:"emailConfig,omitempty"`
	Wait      *WaitStepConfig      `json:"waitConfig,omitempty"`
	Condition *ConditionStepConfig `json:"conditionConfig,omitempty"`
	Action    *ActionStepConfig    `json:"actionConfig,omitempty"`
}

// EmailStepConfig configures an email step.
type EmailStepConfig struct {
	Subject           string `json:"subject" validate:"required"`
	FromName          string `json:"fromName" validate:"required"`
	FromEmail         string `json:"fromEmail" validate:"required,email"`
	HTMLContent       string `json:"htmlContent" validate:"required"`
	SendingProviderID string `json:"sendingProviderId" validate:"required"`
}

// WaitStepConfig configures a wait step.
type WaitStepConfig struct {
	Value     int    `json:"value" validate:"gte=0"`
	Unit      string `json:"unit" validate:"omitempty,oneof=minutes hours days weeks"`
	ExactTime string `json:"exactTime,omitempty"`
}

// AsWait converts the config into the scheduler's wait shape.
func (w WaitStepConfig) AsWait() schedule.Wait {
	return schedule.Wait{Value: w.Value, Unit: w.Unit, ExactTime: w.ExactTime}
}

// ConditionStepConfig configures a condition step. Conditions are
// AND-combined; the chosen branch id may be empty, which is a terminal
// exit rather than an error.
type ConditionStepConfig struct {
	Conditions  []Condition `json:"conditions" validate:"required,min=1,dive"`
	TrueStepID  string      `json:"trueStepId,omitempty"`
	FalseStepID string      `json:"falseStepId,omitempty"`
}

// Condition is one field comparison evaluated against subscriber data.
type Condition struct {
	Field    string      `json:"field" validate:"required"`
	Operator string      `json:"operator" validate:"required"`
	Value    interface{} `json:"value,omitempty"`
}

// Action kinds.
const (
	ActionAddTag        = "add_tag"
	ActionRemoveTag     = "remove_tag"
	ActionUpdateField   = "update_field"
	ActionMoveToSegment = "move_to_segment"
	ActionUnsubscribe   = "unsubscribe"
	ActionWebhook       = "webhook"
)

// ActionStepConfig configures an action step.
type ActionStepConfig struct {
	Action     string      `json:"action" validate:"required,oneof=add_tag remove_tag update_field move_to_segment unsubscribe webhook"`
	Tag        string      `json:"tag,omitempty"`
	Field      string      `json:"field,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	SegmentID  string      `json:"segmentId,omitempty"`
	WebhookURL string      `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	MaxRetries int         `json:"maxRetries,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

var validate = validator.New()

// Validate checks the variant matching the given step type. A missing or
// malformed variant is a fatal configuration error, never retried.
func (c StepConfig) Validate(stepType string) error {
	switch stepType {
	case StepEmail:
		if c.Email == nil {
			return ErrMissingConfig
		}
		return validate.Struct(c.Email)
	case StepWait:
		if c.Wait == nil {
			return ErrMissingConfig
		}
		return validate.Struct(c.Wait)
	case StepCondition:
		if c.Condition == nil {
			return ErrMissingConfig
		}
		return validate.Struct(c.Condition)
	case StepAction:
		if c.Action == nil {
			return ErrMissingConfig
		}
		return validate.Struct(c.Action)
	default:
		return nil
	}
}

// SequenceEnrollment is a subscriber's run-time position within one
// sequence. One row exists per (sequence, subscriber) pair.
type SequenceEnrollment struct {
	ID                   string     `json:"id"`
	SequenceID           string     `json:"sequenceId"`
	SubscriberID         string     `json:"subscriberId"`
	Status               string     `json:"status"`
	CurrentStepID        string     `json:"currentStepId"`
	CurrentStepStartedAt time.Time  `json:"currentStepStartedAt"`
	NextScheduledAt      *time.Time `json:"nextScheduledAt,omitempty"`
	ExitReason           string     `json:"exitReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// StepExecution is one attempt record of one step for one enrollment.
// A completed row is the idempotency marker: that step must never run
// again for that enrollment.
type StepExecution struct {
	ID           string     `json:"id"`
	EnrollmentID string     `json:"enrollmentId"`
	StepID       string     `json:"stepId"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Result       *StepResult `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// Subscriber is the engine's view of a subscriber record.
type Subscriber struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Name         string                 `json:"name,omitempty"`
	FirstName    string                 `json:"firstName,omitempty"`
	LastName     string                 `json:"lastName,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	Company      string                 `json:"company,omitempty"`
	Status       string                 `json:"status"` // active, unsubscribed, bounced
	Tags         []string               `json:"tags,omitempty"`
	CustomFields map[string]interface{} `json:"customFields,omitempty"`
	GloballyUnsubscribed bool           `json:"globallyUnsubscribed"`
	Timezone     string                 `json:"timezone,omitempty"`
}

// HasTag reports whether the subscriber carries the given tag.
func (s *Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// StepResult is the uniform outcome every step processor returns.
// Processors never write enrollment state; the job processor applies the
// result.
type StepResult struct {
	Success         bool                   `json:"success"`
	NextStepID      string                 `json:"nextStepId,omitempty"`
	NextScheduledAt *time.Time             `json:"nextScheduledAt,omitempty"`
	ShouldExit      bool                   `json:"shouldExit,omitempty"`
	ExitReason      string                 `json:"exitReason,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Job kinds on the sequence queue.
const (
	JobEnrollment   = "sequence_enrollment"
	JobStep         = "sequence_step"
	JobTriggerCheck = "sequence_trigger_check"
	JobUnsubscribe  = "sequence_unsubscribe"
)

// Job is the wire payload placed on the sequence queue.
type Job struct {
	Type         string                 `json:"type"`
	SequenceID   string                 `json:"sequenceId"`
	EnrollmentID string                 `json:"enrollmentId,omitempty"`
	StepID       string                 `json:"stepId,omitempty"`
	SubscriberID string                 `json:"subscriberId,omitempty"`
	UserID       string                 `json:"userId"`
	OrgID        string                 `json:"orgId,omitempty"`
	ScheduledFor *time.Time             `json:"scheduledFor,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// DatabaseService is the narrow persistence contract the engine consumes.
// The relational store behind it is the single source of truth for
// enrollment and execution state.
type DatabaseService interface {
	GetSequence(ctx context.Context, id string) (*MarketingSequence, error)
	GetSequenceWithSteps(ctx context.Context, id string) (*MarketingSequence, error)
	GetStep(ctx context.Context, stepID string) (*SequenceStep, error)

	GetEnrollment(ctx context.Context, id string) (*SequenceEnrollment, error)
	FindExistingEnrollment(ctx context.Context, sequenceID, subscriberID string) (*SequenceEnrollment, error)
	EnrollSubscriber(ctx context.Context, enrollment *SequenceEnrollment) error
	UpdateEnrollment(ctx context.Context, enrollment *SequenceEnrollment) error

	CheckExistingExecution(ctx context.Context, enrollmentID, stepID string) (*StepExecution, error)
	CreateStepExecution(ctx context.Context, exec *StepExecution) error
	UpdateStepExecution(ctx context.Context, exec *StepExecution) error

	GetSubscriber(ctx context.Context, id string) (*Subscriber, error)
	UpdateSubscriber(ctx context.Context, sub *Subscriber) error
	MoveSubscriberToSegment(ctx context.Context, subscriberID, segmentID string) error
	UnsubscribeSubscriber(ctx context.Context, subscriberID, reason string) error
	FindEligibleSubscribers(ctx context.Context, seq *MarketingSequence) ([]*Subscriber, error)

	ExitSubscriberFromSequence(ctx context.Context, sequenceID, subscriberID, reason string) error
	ExitSubscriberFromAllSequences(ctx context.Context, subscriberID, reason string) error
	UpdateSequenceStats(ctx context.Context, sequenceID, counter string, delta int) error

	GetUserIntegrations(ctx context.Context, userID, orgID string) (map[string]dispatch.ProviderConfig, error)
}

// EmailQueue is the outbound email contract consumed by the email step
// processor. Emails are never sent inline from a step.
type EmailQueue interface {
	AddEmailJob(ctx context.Context, job *dispatch.EmailJobData, delay time.Duration) (string, error)
}
