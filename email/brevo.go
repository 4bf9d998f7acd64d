package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// BrevoEndpoint is the transactional email API.
const BrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends through the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	from     brevoContact
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		from:     brevoContact{Email: fromAddr, Name: fromName},
		endpoint: BrevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoPayload struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
}

// brevoError is the API's error body.
type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send posts m to the API. Client errors other than 429 are not retried.
func (b *BrevoProvider) Send(ctx context.Context, m *Message) error {
	payload, err := json.Marshal(brevoPayload{
		Sender:  b.from,
		To:      []brevoContact{{Email: m.To}},
		Subject: sanitizeEmailHeader(m.Subject),
		HTML:    m.HTML,
		Text:    m.Text,
		Tags:    m.Tags,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("api-key", b.apiKey)

			resp, err := b.client.Do(req)
			if err != nil {
				b.logger.Warn("Brevo API request failed", "to", m.To, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode/100 != 2 {
				err := fmt.Errorf("brevo: HTTP %d%s", resp.StatusCode, describeBrevoError(resp.Body))
				b.logger.Warn("Brevo API rejected message", "status_code", resp.StatusCode, "to", m.To, "error", err)
				if permanent(resp.StatusCode) {
					return retry.Unrecoverable(err)
				}
				return err
			}

			b.logger.Info("Email sent",
				"provider", "brevo",
				"to", m.To,
				"tags", m.Tags,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		sendOptions(ctx, b.logger, "brevo")...,
	)
}

func describeBrevoError(body io.Reader) string {
	var e brevoError
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e); err != nil || e.Message == "" {
		return ""
	}
	return fmt.Sprintf(" (%s: %s)", e.Code, e.Message)
}
