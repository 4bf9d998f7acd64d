package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends as the authenticated Google account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeEmailHeader drops CR, LF and other control characters so a value
// cannot start a new header.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders m as RFC 5322 and returns it base64url-encoded. With a
// text part the body is multipart/alternative, HTML last.
func buildMessage(m *Message) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "To: %s\r\n", sanitizeEmailHeader(m.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(m.Subject)))

	if m.Text == "" {
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		buf.WriteString(m.HTML)
		return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	parts := []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.ctype}})
		if err != nil {
			return "", fmt.Errorf("create part: %w", err)
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return "", fmt.Errorf("write part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	buf.Write(body.Bytes())
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Send delivers m through users.messages.send.
func (g *GmailProvider) Send(ctx context.Context, m *Message) error {
	raw, err := buildMessage(m)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			start := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("Gmail API send failed",
					"to", m.To,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				var gerr *googleapi.Error
				if errors.As(err, &gerr) && permanent(gerr.Code) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			g.logger.Info("Email sent",
				"provider", "gmail",
				"to", m.To,
				"tags", m.Tags,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		sendOptions(ctx, g.logger, "gmail")...,
	)
}
