package dispatch

import "context"

// ProviderSender delivers one batch of recipients for an email job. The
// returned slice has one entry per recipient in batch order, even when
// some sends fail.
//
// Adapters are split into individual files:
//   - brevo.go:   Brevo transactional API, messageVersions batching
//   - mailgun.go: Mailgun Messages API with recipient-variables
//   - ses.go:     AWS SES v2, one SendEmail call per recipient
//   - generic.go: plain JSON POST for custom endpoints
type ProviderSender interface {
	SendBatch(ctx context.Context, job *EmailJobData, batch []Recipient) []EmailSendResult
}

// senderFor builds the adapter for a provider id. An unknown id falls
// back to the generic HTTP adapter when the config carries an endpoint.
func senderFor(providerID string, cfg ProviderConfig) (ProviderSender, error) {
	switch providerID {
	case ProviderBrevo:
		return newBrevoSender(cfg), nil
	case ProviderMailgun:
		return newMailgunSender(cfg), nil
	case ProviderSES:
		return newSESSender(cfg)
	default:
		if cfg.Endpoint != "" {
			return newGenericSender(providerID, cfg), nil
		}
		return nil, ErrUnknownProvider
	}
}

// failBatch produces a uniform per-recipient failure result. Used when a
// whole batch call fails before any recipient-level outcome exists.
func failBatch(batch []Recipient, err error) []EmailSendResult {
	results := make([]EmailSendResult, len(batch))
	for i, r := range batch {
		results[i] = EmailSendResult{Email: r.Email, Success: false, Error: err.Error()}
	}
	return results
}
