package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// UnsubSigner derives signed unsubscribe tokens and expands the
// unsubscribe placeholders in email content per recipient.
type UnsubSigner struct {
	key     []byte
	baseURL string
}

// NewUnsubSigner builds a signer. baseURL is the public unsubscribe
// endpoint the token is appended to.
func NewUnsubSigner(key, baseURL string) *UnsubSigner {
	return &UnsubSigner{key: []byte(key), baseURL: strings.TrimRight(baseURL, "/")}
}

// Token derives the unsubscribe token for one recipient. Keyed on
// subscriber id plus email so a leaked token unsubscribes exactly one
// address.
func (s *UnsubSigner) Token(subscriberID, email string) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%s", subscriberID, strings.ToLower(email))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented token against the derived one in constant time.
func (s *UnsubSigner) Verify(subscriberID, email, token string) bool {
	expected := s.Token(subscriberID, email)
	return hmac.Equal([]byte(expected), []byte(token))
}

// URL builds the full signed unsubscribe link for one recipient.
func (s *UnsubSigner) URL(subscriberID, email string) string {
	q := url.Values{}
	q.Set("sid", subscriberID)
	q.Set("email", email)
	q.Set("token", s.Token(subscriberID, email))
	return s.baseURL + "/unsubscribe?" + q.Encode()
}

// Unsubscribe placeholders expanded per recipient just before the
// provider call.
const (
	placeholderToken = "{{UNSUBSCRIBE_TOKEN}}"
	placeholderURL   = "{{UNSUBSCRIBE_URL}}"
	placeholderEmail = "{{SUBSCRIBER_EMAIL}}"
	placeholderID    = "{{SUBSCRIBER_ID}}"
)

// hasUnsubPlaceholders reports whether the content needs per-recipient
// expansion.
func hasUnsubPlaceholders(content string) bool {
	return strings.Contains(content, placeholderToken) ||
		strings.Contains(content, placeholderURL) ||
		strings.Contains(content, placeholderEmail) ||
		strings.Contains(content, placeholderID)
}

// Expand substitutes the unsubscribe placeholders for one recipient.
func (s *UnsubSigner) Expand(content string, r Recipient) string {
	subscriberID := r.SubscriberID()
	replacer := strings.NewReplacer(
		placeholderToken, s.Token(subscriberID, r.Email),
		placeholderURL, s.URL(subscriberID, r.Email),
		placeholderEmail, r.Email,
		placeholderID, subscriberID,
	)
	return replacer.Replace(content)
}
