// Package email sends the reconciliation digest via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"dealdrip/pkg/deal"
)

// Message is one outgoing email. Text is the plain-text alternative.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// Provider delivers messages.
type Provider interface {
	Send(ctx context.Context, m *Message) error
}

// permanent reports whether an HTTP status will fail the same way on retry.
func permanent(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func sendOptions(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	}
}

// Digest is the content of one reconciliation summary.
type Digest struct {
	Stats       deal.ReconcileStats
	Published   []deal.Post // published today
	Archived    []deal.Post // archived by this run
	Reactivated []deal.Post // reactivated by this run
}

// Empty reports whether the digest carries no news.
func (d *Digest) Empty() bool {
	return len(d.Published) == 0 && len(d.Archived) == 0 && len(d.Reactivated) == 0
}

// Sender sends digest emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	loc      *time.Location
	baseURL  string // for the status link
	to       string
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL, to string, loc *time.Location) *Sender {
	if loc == nil {
		loc = time.UTC
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		loc:      loc,
		baseURL:  baseURL,
		to:       to,
	}
}

// SendDigest mails d to the configured recipient. Empty digests are skipped.
func (s *Sender) SendDigest(ctx context.Context, d *Digest) error {
	if d.Empty() {
		s.logger.Debug("Digest has nothing to report, not sending")
		return nil
	}

	subject := fmt.Sprintf("Deal digest %s: %d published, %d archived, %d reactivated",
		d.Stats.RunAt.In(s.loc).Format("Jan 2 15:04"),
		len(d.Published), len(d.Archived), len(d.Reactivated))

	s.logger.Info("Sending digest email",
		"to", s.to,
		"subject", subject,
		"published", len(d.Published),
		"archived", len(d.Archived),
		"reactivated", len(d.Reactivated))

	msg := &Message{
		To:      s.to,
		Subject: subject,
		HTML:    s.formatDigestBody(d),
		Text:    s.formatDigestText(d),
		Tags:    []string{"digest"},
	}
	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}
