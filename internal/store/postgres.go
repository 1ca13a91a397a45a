// Package store is the Postgres persistence layer behind the sequence
// engine's DatabaseService contract. The relational store is the single
// source of truth for enrollment and execution state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/sequence"
)

// statsColumns maps counter names coming from the engine onto stats
// columns. Anything else is rejected rather than interpolated.
var statsColumns = map[string]string{
	"total_enrolled":    "total_enrolled",
	"total_completed":   "total_completed",
	"total_exited":      "total_exited",
	"total_emails_sent": "total_emails_sent",
}

// Postgres implements sequence.DatabaseService on database/sql with the
// lib/pq driver.
type Postgres struct {
	db  *sql.DB
	log *logger.Logger
}

// New wraps an open connection pool.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db, log: logger.With("store")}
}

// Open connects to Postgres and applies the given pool settings.
func Open(databaseURL string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (p *Postgres) GetSequence(ctx context.Context, id string) (*sequence.MarketingSequence, error) {
	var (
		seq          sequence.MarketingSequence
		orgID        sql.NullString
		triggerJSON  []byte
		settingsJSON []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, name, status, trigger_config, settings,
		       total_enrolled, total_completed, total_exited, total_emails_sent
		FROM sequences WHERE id = $1
	`, id).Scan(&seq.ID, &seq.UserID, &orgID, &seq.Name, &seq.Status,
		&triggerJSON, &settingsJSON,
		&seq.Stats.TotalEnrolled, &seq.Stats.TotalCompleted,
		&seq.Stats.TotalExited, &seq.Stats.TotalEmailsSent)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sequence %s not found", id)
		}
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	seq.OrgID = orgID.String

	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &seq.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger config: %w", err)
		}
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &seq.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &seq, nil
}

func (p *Postgres) GetSequenceWithSteps(ctx context.Context, id string) (*sequence.MarketingSequence, error) {
	seq, err := p.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sequence_id, step_order, step_type, is_active, config
		FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_order
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get sequence steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		seq.Steps = append(seq.Steps, *step)
	}
	return seq, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (*sequence.SequenceStep, error) {
	var (
		step       sequence.SequenceStep
		configJSON []byte
	)
	if err := row.Scan(&step.ID, &step.SequenceID, &step.Order, &step.Type,
		&step.IsActive, &configJSON); err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &step.Config); err != nil {
			return nil, fmt.Errorf("decode step config: %w", err)
		}
	}
	return &step, nil
}

func (p *Postgres) GetStep(ctx context.Context, stepID string) (*sequence.SequenceStep, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, step_order, step_type, is_active, config
		FROM sequence_steps WHERE id = $1
	`, stepID)
	step, err := scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("get step %s: %w", stepID, err)
	}
	return step, nil
}

func (p *Postgres) GetEnrollment(ctx context.Context, id string) (*sequence.SequenceEnrollment, error) {
	return p.scanEnrollment(p.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, subscriber_id, status, current_step_id,
		       current_step_started_at, next_scheduled_at, exit_reason,
		       created_at, updated_at
		FROM sequence_enrollments WHERE id = $1
	`, id))
}

func (p *Postgres) FindExistingEnrollment(ctx context.Context, sequenceID, subscriberID string) (*sequence.SequenceEnrollment, error) {
	enrollment, err := p.scanEnrollment(p.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, subscriber_id, status, current_step_id,
		       current_step_started_at, next_scheduled_at, exit_reason,
		       created_at, updated_at
		FROM sequence_enrollments
		WHERE sequence_id = $1 AND subscriber_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, sequenceID, subscriberID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return enrollment, nil
}

func (p *Postgres) scanEnrollment(row *sql.Row) (*sequence.SequenceEnrollment, error) {
	var (
		e          sequence.SequenceEnrollment
		nextAt     sql.NullTime
		exitReason sql.NullString
	)
	err := row.Scan(&e.ID, &e.SequenceID, &e.SubscriberID, &e.Status,
		&e.CurrentStepID, &e.CurrentStepStartedAt, &nextAt, &exitReason,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	if nextAt.Valid {
		e.NextScheduledAt = &nextAt.Time
	}
	e.ExitReason = exitReason.String
	return &e, nil
}

func (p *Postgres) EnrollSubscriber(ctx context.Context, e *sequence.SequenceEnrollment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments
			(id, sequence_id, subscriber_id, status, current_step_id,
			 current_step_started_at, next_scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.SequenceID, e.SubscriberID, e.Status, e.CurrentStepID,
		e.CurrentStepStartedAt, e.NextScheduledAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateEnrollment(ctx context.Context, e *sequence.SequenceEnrollment) error {
	var exitReason sql.NullString
	if e.ExitReason != "" {
		exitReason = sql.NullString{String: e.ExitReason, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = $2, current_step_id = $3, current_step_started_at = $4,
		    next_scheduled_at = $5, exit_reason = $6, updated_at = $7
		WHERE id = $1
	`, e.ID, e.Status, e.CurrentStepID, e.CurrentStepStartedAt,
		e.NextScheduledAt, exitReason, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return nil
}

func (p *Postgres) CheckExistingExecution(ctx context.Context, enrollmentID, stepID string) (*sequence.StepExecution, error) {
	var (
		exec        sequence.StepExecution
		completedAt sql.NullTime
		resultJSON  []byte
		errMsg      sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, enrollment_id, step_id, status, started_at, completed_at,
		       result, error, retry_count
		FROM step_executions
		WHERE enrollment_id = $1 AND step_id = $2 AND status = 'completed'
		ORDER BY started_at DESC LIMIT 1
	`, enrollmentID, stepID).Scan(&exec.ID, &exec.EnrollmentID, &exec.StepID,
		&exec.Status, &exec.StartedAt, &completedAt, &resultJSON, &errMsg,
		&exec.RetryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("check execution: %w", err)
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	exec.Error = errMsg.String
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &exec.Result); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
	}
	return &exec, nil
}

func (p *Postgres) CreateStepExecution(ctx context.Context, exec *sequence.StepExecution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO step_executions
			(id, enrollment_id, step_id, status, started_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.EnrollmentID, exec.StepID, exec.Status, exec.StartedAt,
		exec.RetryCount)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateStepExecution(ctx context.Context, exec *sequence.StepExecution) error {
	var resultJSON []byte
	if exec.Result != nil {
		var err error
		resultJSON, err = json.Marshal(exec.Result)
		if err != nil {
			return fmt.Errorf("encode execution result: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE step_executions
		SET status = $2, completed_at = $3, result = $4, error = $5
		WHERE id = $1
	`, exec.ID, exec.Status, exec.CompletedAt, resultJSON,
		sql.NullString{String: exec.Error, Valid: exec.Error != ""})
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubscriber(ctx context.Context, id string) (*sequence.Subscriber, error) {
	var (
		sub        sequence.Subscriber
		customJSON []byte
		timezone   sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, name, first_name, last_name, phone, company,
		       status, tags, custom_fields, globally_unsubscribed, timezone
		FROM subscribers WHERE id = $1
	`, id).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.FirstName, &sub.LastName,
		&sub.Phone, &sub.Company, &sub.Status, pq.Array(&sub.Tags),
		&customJSON, &sub.GloballyUnsubscribed, &timezone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subscriber %s not found", id)
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	sub.Timezone = timezone.String
	if len(customJSON) > 0 {
		if err := json.Unmarshal(customJSON, &sub.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return &sub, nil
}

func (p *Postgres) UpdateSubscriber(ctx context.Context, sub *sequence.Subscriber) error {
	customJSON, err := json.Marshal(sub.CustomFields)
	if err != nil {
		return fmt.Errorf("encode custom fields: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE subscribers
		SET name = $2, first_name = $3, last_name = $4, phone = $5,
		    company = $6, status = $7, tags = $8, custom_fields = $9,
		    globally_unsubscribed = $10, updated_at = NOW()
		WHERE id = $1
	`, sub.ID, sub.Name, sub.FirstName, sub.LastName, sub.Phone, sub.Company,
		sub.Status, pq.Array(sub.Tags), customJSON, sub.GloballyUnsubscribed)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

func (p *Postgres) MoveSubscriberToSegment(ctx context.Context, subscriberID, segmentID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO segment_members (segment_id, subscriber_id, added_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (segment_id, subscriber_id) DO NOTHING
	`, segmentID, subscriberID)
	if err != nil {
		return fmt.Errorf("move to segment: %w", err)
	}
	return nil
}

func (p *Postgres) UnsubscribeSubscriber(ctx context.Context, subscriberID, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE subscribers
		SET status = 'unsubscribed', globally_unsubscribed = TRUE,
		    unsubscribe_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, subscriberID, reason)
	if err != nil {
		return fmt.Errorf("unsubscribe subscriber: %w", err)
	}
	return nil
}

// FindEligibleSubscribers returns active subscribers matching the
// sequence's required tags that are not already enrolled.
func (p *Postgres) FindEligibleSubscribers(ctx context.Context, seq *sequence.MarketingSequence) ([]*sequence.Subscriber, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.email, s.name, s.first_name, s.last_name, s.phone,
		       s.company, s.status, s.tags, s.custom_fields,
		       s.globally_unsubscribed, s.timezone
		FROM subscribers s
		WHERE s.status = 'active'
		  AND s.globally_unsubscribed = FALSE
		  AND s.tags @> $2
		  AND NOT EXISTS (
			SELECT 1 FROM sequence_enrollments e
			WHERE e.sequence_id = $1 AND e.subscriber_id = s.id
		  )
		LIMIT 1000
	`, seq.ID, pq.Array(seq.Trigger.RequiredTags))
	if err != nil {
		return nil, fmt.Errorf("find eligible subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*sequence.Subscriber
	for rows.Next() {
		var (
			sub        sequence.Subscriber
			customJSON []byte
			timezone   sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.FirstName,
			&sub.LastName, &sub.Phone, &sub.Company, &sub.Status,
			pq.Array(&sub.Tags), &customJSON, &sub.GloballyUnsubscribed,
			&timezone); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Timezone = timezone.String
		if len(customJSON) > 0 {
			json.Unmarshal(customJSON, &sub.CustomFields)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (p *Postgres) ExitSubscriberFromSequence(ctx context.Context, sequenceID, subscriberID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'exited', exit_reason = $3, next_scheduled_at = NULL,
		    updated_at = NOW()
		WHERE sequence_id = $1 AND subscriber_id = $2 AND status = 'active'
	`, sequenceID, subscriberID, reason)
	if err != nil {
		return fmt.Errorf("exit sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		p.log.Info("subscriber exited sequence",
			"sequence_id", sequenceID, "subscriber_id", subscriberID, "reason", reason)
	}
	return nil
}

func (p *Postgres) ExitSubscriberFromAllSequences(ctx context.Context, subscriberID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sequence_enrollments
		SET status = 'exited', exit_reason = $2, next_scheduled_at = NULL,
		    updated_at = NOW()
		WHERE subscriber_id = $1 AND status = 'active'
	`, subscriberID, reason)
	if err != nil {
		return fmt.Errorf("exit all sequences: %w", err)
	}
	n, _ := res.RowsAffected()
	p.log.Info("subscriber exited all sequences",
		"subscriber_id", subscriberID, "count", n, "reason", reason)
	return nil
}

func (p *Postgres) UpdateSequenceStats(ctx context.Context, sequenceID, counter string, delta int) error {
	column, ok := statsColumns[counter]
	if !ok {
		return fmt.Errorf("unknown stats counter %q", counter)
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sequences SET %s = %s + $2, updated_at = NOW() WHERE id = $1
	`, column, column), sequenceID, delta)
	if err != nil {
		return fmt.Errorf("update sequence stats: %w", err)
	}
	return nil
}

// GetUserIntegrations loads the user's provider credential blocks. Org
// integrations take precedence over user-level ones of the same provider.
func (p *Postgres) GetUserIntegrations(ctx context.Context, userID, orgID string) (map[string]dispatch.ProviderConfig, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT provider_id, config
		FROM integrations
		WHERE user_id = $1 OR (org_id = $2 AND org_id <> '')
		ORDER BY (org_id = $2)
	`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get integrations: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]dispatch.ProviderConfig)
	for rows.Next() {
		var (
			providerID string
			configJSON []byte
		)
		if err := rows.Scan(&providerID, &configJSON); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		var cfg dispatch.ProviderConfig
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return nil, fmt.Errorf("decode integration %s: %w", providerID, err)
		}
		configs[providerID] = cfg
	}
	return configs, rows.Err()
}
