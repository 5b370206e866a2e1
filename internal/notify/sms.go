package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/annahealth/assistant-platform/pkg/logging"
)

// SMSSender delivers short text notifications.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// HTTPSMSSender posts messages to a generic SMS gateway.
type HTTPSMSSender struct {
	providerURL string
	apiKey      string
	from        string
	client      *http.Client
	logger      *logging.Logger
}

// SMSConfig holds configuration for the SMS gateway.
type SMSConfig struct {
	ProviderURL string
	APIKey      string
	FromNumber  string
}

// NewHTTPSMSSender creates an SMS sender. Returns nil when no provider URL is
// configured.
func NewHTTPSMSSender(cfg SMSConfig, logger *logging.Logger) *HTTPSMSSender {
	if cfg.ProviderURL == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPSMSSender{
		providerURL: cfg.ProviderURL,
		apiKey:      cfg.APIKey,
		from:        cfg.FromNumber,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

type smsPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendSMS posts one message to the gateway.
func (s *HTTPSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if s == nil {
		return fmt.Errorf("notify: sms sender not configured")
	}

	payload, err := json.Marshal(smsPayload{From: s.from, To: to, Body: body})
	if err != nil {
		return fmt.Errorf("notify: failed to encode sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.providerURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sms send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sms gateway returned status %d", resp.StatusCode)
	}

	s.logger.Info("sms sent", "to", to, "status", resp.StatusCode)
	return nil
}
