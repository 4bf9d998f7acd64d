// Package announce posts freshly published deals to a Telegram channel.
package announce

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealdrip/pkg/deal"
)

// Sender is the part of *tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Announcer sends one message per published post.
type Announcer struct {
	bot    Sender
	logger *slog.Logger
	chatID int64
}

// NewBot connects to the Bot API. An empty endpoint uses the public one.
func NewBot(token, endpoint string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	bot.Debug = false
	return bot, nil
}

// New creates an announcer posting to chatID.
func New(bot Sender, chatID int64, logger *slog.Logger) *Announcer {
	return &Announcer{bot: bot, chatID: chatID, logger: logger}
}

// Announce sends post to the channel. Archived posts are not announced.
func (a *Announcer) Announce(ctx context.Context, post *deal.Post) error {
	if post.Archived {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(a.chatID, formatMessage(post))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = post.ImageLink == ""

	sent, err := a.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	a.logger.Info("Deal announced", "post_id", post.ID, "chat_id", a.chatID, "message_id", sent.MessageID)
	return nil
}

func formatMessage(post *deal.Post) string {
	var b strings.Builder
	if post.DiscountTag > 0 {
		fmt.Fprintf(&b, "<b>-%d%%</b> ", post.DiscountTag)
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(post.Title))
	b.WriteString("</b>\n")
	if post.SalePrice > 0 {
		fmt.Fprintf(&b, "<s>%.2f</s> %.2f", post.Price, post.SalePrice)
	}
	if post.AdvertiserName != "" {
		b.WriteString(" at ")
		b.WriteString(html.EscapeString(post.AdvertiserName))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "<a href=\"%s\">Get the deal</a>", html.EscapeString(post.TrackingLink))
	return b.String()
}
