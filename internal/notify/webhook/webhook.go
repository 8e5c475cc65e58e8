// Package webhook delivers the generic-webhook notification channel
// (§4.E): a signed JSON envelope POSTed to a subscriber-declared URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// timeout bounds the single delivery attempt.
const timeout = 30 * time.Second

// Envelope is the JSON body posted to every generic-webhook target.
type Envelope struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
	Data      any       `json:"data"`
}

// EnvelopeVersion is the wire version stamped on every Envelope.
const EnvelopeVersion = "1"

// Sender posts notification envelopes to generic webhook URLs.
type Sender struct {
	client *http.Client
}

// New creates a Sender with its own short-lived HTTP client.
func New() *Sender {
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// Send POSTs env to url, signing the body with HMAC-SHA256 when secret
// is non-empty.
func (s *Sender) Send(ctx context.Context, url, secret string, env Envelope) error {
	if url == "" {
		return fmt.Errorf("webhook URL is empty")
	}
	env.Version = EnvelopeVersion
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", env.EventType)
	req.Header.Set("X-Delivery-Id", uuid.NewString())
	if secret != "" {
		req.Header.Set("X-Signature", "sha256="+sign(body, secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
