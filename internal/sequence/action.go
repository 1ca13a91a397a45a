package sequence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// updatableFields is the allow-list for update_field actions. Anything
// else is rejected as a configuration error.
var updatableFields = map[string]bool{
	"name":      true,
	"firstName": true,
	"lastName":  true,
	"phone":     true,
	"company":   true,
}

// actionProcessor mutates subscriber state or calls out to a webhook.
// Subscriber mutation goes through DatabaseService; enrollment state is
// untouched, as for every processor.
type actionProcessor struct {
	db             DatabaseService
	client         *http.Client
	webhookTimeout time.Duration
	log            *logger.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

func newActionProcessor(db DatabaseService, webhookTimeout time.Duration) *actionProcessor {
	if webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}
	return &actionProcessor{
		db:             db,
		client:         &http.Client{Timeout: webhookTimeout},
		webhookTimeout: webhookTimeout,
		log:            logger.With("sequence.action"),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

func (p *actionProcessor) Execute(ctx context.Context, seq *MarketingSequence, enrollment *SequenceEnrollment, step *SequenceStep, sub *Subscriber) (*StepResult, error) {
	if err := step.Config.Validate(StepAction); err != nil {
		return &StepResult{Success: false, Error: fmt.Sprintf("invalid action config: %v", err)}, nil
	}
	cfg := step.Config.Action

	switch cfg.Action {
	case ActionAddTag:
		if cfg.Tag == "" {
			return &StepResult{Success: false, Error: "add_tag requires a tag"}, nil
		}
		if !sub.HasTag(cfg.Tag) {
			sub.Tags = append(sub.Tags, cfg.Tag)
			if err := p.db.UpdateSubscriber(ctx, sub); err != nil {
				return nil, fmt.Errorf("add tag: %w", err)
			}
		}

	case ActionRemoveTag:
		if cfg.Tag == "" {
			return &StepResult{Success: false, Error: "remove_tag requires a tag"}, nil
		}
		kept := sub.Tags[:0]
		for _, t := range sub.Tags {
			if t != cfg.Tag {
				kept = append(kept, t)
			}
		}
		sub.Tags = kept
		if err := p.db.UpdateSubscriber(ctx, sub); err != nil {
			return nil, fmt.Errorf("remove tag: %w", err)
		}

	case ActionUpdateField:
		if err := p.updateField(ctx, sub, cfg.Field, cfg.Value); err != nil {
			return &StepResult{Success: false, Error: err.Error()}, nil
		}

	case ActionMoveToSegment:
		if cfg.SegmentID == "" {
			return &StepResult{Success: false, Error: "move_to_segment requires a segment id"}, nil
		}
		if err := p.db.MoveSubscriberToSegment(ctx, sub.ID, cfg.SegmentID); err != nil {
			return nil, fmt.Errorf("move to segment: %w", err)
		}

	case ActionUnsubscribe:
		reason := cfg.Reason
		if reason == "" {
			reason = "sequence_action"
		}
		if err := p.db.UnsubscribeSubscriber(ctx, sub.ID, reason); err != nil {
			return nil, fmt.Errorf("unsubscribe: %w", err)
		}
		return &StepResult{Success: true, ShouldExit: true, ExitReason: ExitUnsubscribed}, nil

	case ActionWebhook:
		if err := p.callWebhook(ctx, cfg, seq, sub); err != nil {
			// Propagates as a step failure eligible for retry classification.
			return nil, err
		}

	default:
		return &StepResult{Success: false, Error: fmt.Sprintf("unknown action %q", cfg.Action)}, nil
	}

	return advance(seq, step, nil), nil
}

// updateField writes one allow-listed subscriber field. Custom fields are
// addressed as "customFields.<key>" or "custom_<key>".
func (p *actionProcessor) updateField(ctx context.Context, sub *Subscriber, field string, value interface{}) error {
	strVal := fmt.Sprintf("%v", value)

	switch {
	case updatableFields[field]:
		switch field {
		case "name":
			sub.Name = strVal
		case "firstName":
			sub.FirstName = strVal
		case "lastName":
			sub.LastName = strVal
		case "phone":
			sub.Phone = strVal
		case "company":
			sub.Company = strVal
		}

	case strings.HasPrefix(field, "customFields."), strings.HasPrefix(field, "custom_"):
		key := strings.TrimPrefix(field, "customFields.")
		key = strings.TrimPrefix(key, "custom_")
		if key == "" {
			return fmt.Errorf("update_field: empty custom field key")
		}
		if sub.CustomFields == nil {
			sub.CustomFields = make(map[string]interface{})
		}
		sub.CustomFields[key] = value

	default:
		return fmt.Errorf("update_field: field %q is not updatable", field)
	}

	if err := p.db.UpdateSubscriber(ctx, sub); err != nil {
		return fmt.Errorf("update field: %v", err)
	}
	return nil
}

// callWebhook POSTs the event payload with bounded retries. Backoff is
// 2^attempt seconds between tries.
func (p *actionProcessor) callWebhook(ctx context.Context, cfg *ActionStepConfig, seq *MarketingSequence, sub *Subscriber) error {
	if cfg.WebhookURL == "" {
		return fmt.Errorf("webhook action requires a URL")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":      "sequence_action",
		"subscriber": sub,
		"action": map[string]interface{}{
			"type":       ActionWebhook,
			"sequenceId": seq.ID,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			p.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		lastErr = p.postWebhook(ctx, cfg.WebhookURL, payload)
		if lastErr == nil {
			return nil
		}
		p.log.Warn("webhook attempt failed",
			"url", cfg.WebhookURL, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (p *actionProcessor) postWebhook(ctx context.Context, url string, payload []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, p.webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
