package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// mailgunSender sends batches via the Mailgun Messages API using
// recipient-variables, so one API call covers the whole batch.
type mailgunSender struct {
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

func newMailgunSender(cfg ProviderConfig) *mailgunSender {
	baseURL := "https://api.mailgun.net/v3"
	if cfg.Endpoint != "" {
		baseURL = cfg.Endpoint
	}
	return &mailgunSender{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     logger.With("dispatch.mailgun"),
	}
}

func (s *mailgunSender) SendBatch(ctx context.Context, job *EmailJobData, batch []Recipient) []EmailSendResult {
	recipients := make([]string, len(batch))
	recipientVars := make(map[string]map[string]interface{}, len(batch))
	for i, r := range batch {
		recipients[i] = r.Email
		vars := map[string]interface{}{"job_id": job.ID}
		if id := r.SubscriberID(); id != "" {
			vars["subscriber_id"] = id
		}
		recipientVars[r.Email] = vars
	}

	varsJSON, err := json.Marshal(recipientVars)
	if err != nil {
		return failBatch(batch, fmt.Errorf("marshal recipient-variables: %w", err))
	}

	form := url.Values{}
	form.Add("from", fmt.Sprintf("%s <%s>", job.FromName, job.FromEmail))
	form.Add("to", strings.Join(recipients, ","))
	form.Add("subject", job.Subject)
	form.Add("html", job.HTMLContent)
	form.Add("recipient-variables", string(varsJSON))

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failBatch(batch, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return failBatch(batch, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failBatch(batch, fmt.Errorf("mailgun error %d: %s", resp.StatusCode, string(body)))
	}

	var parsed struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &parsed)
	messageID := strings.Trim(parsed.ID, "<>")

	s.log.Debug("mailgun batch accepted", "recipients", len(batch), "message_id", messageID)

	results := make([]EmailSendResult, len(batch))
	for i, r := range batch {
		results[i] = EmailSendResult{Email: r.Email, Success: true, MessageID: messageID}
	}
	return results
}
