// Package dispatch delivers email jobs to third-party providers in
// rate-limited batches, with per-recipient accounting. One email job fans
// out to N recipients; a single recipient failure never aborts the rest.
package dispatch

import (
	"errors"
	"time"
)

// Provider identifiers.
const (
	ProviderBrevo   = "brevo"
	ProviderMailgun = "mailgun"
	ProviderSES     = "ses"
)

var (
	// ErrMissingProviderConfig means the job carries no credential block
	// for its provider. Fatal: never retried, never simulated.
	ErrMissingProviderConfig = errors.New("missing provider config")

	// ErrUnknownProvider means no sender adapter exists for the provider id.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Recipient is one destination of an email job. Metadata carries the
// sequence linkage (subscriberId, sequenceId, enrollmentId, stepId) used
// for unsubscribe-link generation downstream.
type Recipient struct {
	Email    string                 `json:"email"`
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SubscriberID extracts the subscriberId metadata tag, if present.
func (r Recipient) SubscriberID() string {
	if r.Metadata == nil {
		return ""
	}
	if id, ok := r.Metadata["subscriberId"].(string); ok {
		return id
	}
	return ""
}

// ProviderConfig is one provider's credential block.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	FromEmail string `json:"fromEmail,omitempty"`
}

// EmailJobData is one outbound email job. Immutable once enqueued.
type EmailJobData struct {
	ID                string                    `json:"id"`
	UserID            string                    `json:"userId"`
	Subject           string                    `json:"subject"`
	FromName          string                    `json:"fromName"`
	FromEmail         string                    `json:"fromEmail"`
	HTMLContent       string                    `json:"htmlContent"`
	SendingProviderID string                    `json:"sendingProviderId"`
	Recipients        []Recipient               `json:"recipients"`
	ProviderConfig    map[string]ProviderConfig `json:"providerConfig,omitempty"`
	Priority          int                       `json:"priority,omitempty"`
	Attempts          int                       `json:"attempts,omitempty"`
	CreatedAt         time.Time                 `json:"createdAt"`
}

// EmailSendResult is the outcome for one recipient.
type EmailSendResult struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkEmailSendResult aggregates per-recipient outcomes. Always returned,
// even on partial failure.
type BulkEmailSendResult struct {
	Success     bool              `json:"success"` // true when no recipient failed
	TotalSent   int               `json:"totalSent"`
	TotalFailed int               `json:"totalFailed"`
	Results     []EmailSendResult `json:"results"`
	Errors      []string          `json:"errors,omitempty"`
}

// BatchPolicy is a provider's batch size and pacing.
type BatchPolicy struct {
	Size  int
	Delay time.Duration
}

// batchPolicies holds per-provider rate-limit pacing. Unknown providers
// use the default policy.
var batchPolicies = map[string]BatchPolicy{
	ProviderBrevo:   {Size: 100, Delay: 100 * time.Millisecond},
	ProviderMailgun: {Size: 200, Delay: 50 * time.Millisecond},
	ProviderSES:     {Size: 14, Delay: 1000 * time.Millisecond},
}

var defaultBatchPolicy = BatchPolicy{Size: 50, Delay: 200 * time.Millisecond}

// PolicyFor returns the batch policy for a provider id.
func PolicyFor(providerID string) BatchPolicy {
	if p, ok := batchPolicies[providerID]; ok {
		return p
	}
	return defaultBatchPolicy
}
