package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// genericSender posts the whole batch as JSON to a custom endpoint.
// Used for self-hosted relays and unlisted providers.
type genericSender struct {
	providerID string
	endpoint   string
	apiKey     string
	client     *http.Client
	log        *logger.Logger
}

func newGenericSender(providerID string, cfg ProviderConfig) *genericSender {
	return &genericSender{
		providerID: providerID,
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: 60 * time.Second},
		log:        logger.With("dispatch.generic"),
	}
}

func (s *genericSender) SendBatch(ctx context.Context, job *EmailJobData, batch []Recipient) []EmailSendResult {
	payload := map[string]interface{}{
		"jobId":       job.ID,
		"subject":     job.Subject,
		"fromName":    job.FromName,
		"fromEmail":   job.FromEmail,
		"htmlContent": job.HTMLContent,
		"recipients":  batch,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failBatch(batch, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(body))
	if err != nil {
		return failBatch(batch, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return failBatch(batch, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failBatch(batch, fmt.Errorf("%s error %d: %s", s.providerID, resp.StatusCode, string(respBody)))
	}

	s.log.Debug("generic batch accepted", "provider", s.providerID, "recipients", len(batch))

	results := make([]EmailSendResult, len(batch))
	for i, r := range batch {
		results[i] = EmailSendResult{Email: r.Email, Success: true}
	}
	return results
}
