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

// brevoSender sends batches via the Brevo transactional email API.
// One API call per batch using messageVersions fan-out.
type brevoSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

func newBrevoSender(cfg ProviderConfig) *brevoSender {
	baseURL := "https://api.brevo.com/v3"
	if cfg.Endpoint != "" {
		baseURL = cfg.Endpoint
	}
	return &brevoSender{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     logger.With("dispatch.brevo"),
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoMessageVersion struct {
	To []brevoAddress `json:"to"`
}

type brevoPayload struct {
	Sender          brevoAddress          `json:"sender"`
	Subject         string                `json:"subject"`
	HTMLContent     string                `json:"htmlContent"`
	MessageVersions []brevoMessageVersion `json:"messageVersions"`
}

func (s *brevoSender) SendBatch(ctx context.Context, job *EmailJobData, batch []Recipient) []EmailSendResult {
	payload := brevoPayload{
		Sender:      brevoAddress{Email: job.FromEmail, Name: job.FromName},
		Subject:     job.Subject,
		HTMLContent: job.HTMLContent,
	}
	for _, r := range batch {
		payload.MessageVersions = append(payload.MessageVersions, brevoMessageVersion{
			To: []brevoAddress{{Email: r.Email, Name: r.Name}},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failBatch(batch, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return failBatch(batch, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return failBatch(batch, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failBatch(batch, fmt.Errorf("brevo error %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed struct {
		MessageIDs []string `json:"messageIds"`
		MessageID  string   `json:"messageId"`
	}
	json.Unmarshal(respBody, &parsed)

	s.log.Debug("brevo batch accepted", "recipients", len(batch))

	results := make([]EmailSendResult, len(batch))
	for i, r := range batch {
		messageID := parsed.MessageID
		if i < len(parsed.MessageIDs) {
			messageID = parsed.MessageIDs[i]
		}
		results[i] = EmailSendResult{Email: r.Email, Success: true, MessageID: messageID}
	}
	return results
}
